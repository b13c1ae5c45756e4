package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/lucasew/coachsync/internal/errutil"
)

// DefaultTimeout bounds a single remote request.
const DefaultTimeout = 30 * time.Second

// NewClient creates an http.Client trusting the system CAs plus the PEM bundle at caPath.
// An empty caPath keeps the system pool only.
func NewClient(caPath string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if caPath == "" {
		return &http.Client{Timeout: timeout}, nil
	}

	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}

	// Load system cert pool
	rootCAs, err := x509.SystemCertPool()
	if err != nil || rootCAs == nil {
		errutil.LogMsg(err, "Failed to load system cert pool")
		rootCAs = x509.NewCertPool()
	}

	if !rootCAs.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				RootCAs: rootCAs,
			},
		},
		Timeout: timeout,
	}, nil
}

// Package httpstore implements remote.ObjectStore over plain HTTP(S).
//
// Objects live at {BaseURL}/{bucket}/{path}; the absolute URL is the locator. Reads try the
// configured mirrors first and fall back to the origin, as long as nothing was written yet.
package httpstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/remote"
	"github.com/shogo82148/go-sfv"
)

// MirrorsHeader carries the mirror list on requests, encoded as a structured field list.
const MirrorsHeader = "X-Media-Mirrors"

type Store struct {
	Client  *http.Client
	BaseURL string
	Mirrors []string
	// Token is sent as a bearer token on writes.
	Token string
	// SigningKey signs the URLs returned by SignedURL.
	SigningKey []byte
	now        func() time.Time
}

func New(client *http.Client, baseURL string, mirrors []string) *Store {
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{
		Client:  client,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Mirrors: mirrors,
		now:     time.Now,
	}
}

// ParseMirrors decodes an sfv list of mirror base URLs.
func ParseMirrors(value string) ([]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	list, err := sfv.DecodeList([]string{value})
	if err != nil {
		return nil, err
	}
	var mirrors []string
	for _, item := range list {
		if s, ok := item.Value.(string); ok {
			mirrors = append(mirrors, strings.TrimRight(s, "/"))
		}
	}
	return mirrors, nil
}

// EncodeMirrors is the inverse of ParseMirrors.
func EncodeMirrors(mirrors []string) (string, error) {
	list := make(sfv.List, len(mirrors))
	for i, m := range mirrors {
		list[i] = sfv.Item{Value: m}
	}
	return sfv.EncodeList(list)
}

func (s *Store) Locator(bucket, path string) string {
	return s.BaseURL + "/" + url.PathEscape(bucket) + "/" + escapePath(path)
}

func (s *Store) Put(ctx context.Context, bucket, path string, r io.Reader) (string, error) {
	loc := s.Locator(bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, loc, r)
	if err != nil {
		return "", err
	}
	s.authorize(req)

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", &errutil.FetchError{Locator: loc, Err: err}
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	if resp.StatusCode/100 != 2 {
		return "", &errutil.FetchError{Locator: loc, Err: &remote.HTTPStatusError{StatusCode: resp.StatusCode}}
	}
	return loc, nil
}

// SignedURL returns the object URL with an expiry and an HMAC-SHA256 signature over the
// path and expiry.
func (s *Store) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if len(s.SigningKey) == 0 {
		return "", fmt.Errorf("httpstore: no signing key configured")
	}
	u, err := url.Parse(s.Locator(bucket, path))
	if err != nil {
		return "", err
	}
	expires := strconv.FormatInt(s.clock().Add(ttl).Unix(), 10)
	q := u.Query()
	q.Set("expires", expires)
	q.Set("signature", s.sign(u.EscapedPath(), expires))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// VerifySignature checks a URL produced by SignedURL.
func (s *Store) VerifySignature(u *url.URL) bool {
	expires := u.Query().Get("expires")
	sig := u.Query().Get("signature")
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.clock().Unix() > unix {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.sign(u.EscapedPath(), expires)))
}

func (s *Store) sign(path, expires string) string {
	mac := hmac.New(sha256.New, s.SigningKey)
	_, _ = io.WriteString(mac, path+"\n"+expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Store) Fetch(ctx context.Context, locator string, v remote.Variant, out io.Writer) error {
	if !strings.HasPrefix(locator, "http://") && !strings.HasPrefix(locator, "https://") {
		return fmt.Errorf("%w: %s", remote.ErrInvalidLocator, locator)
	}

	cw := &remote.CountingWriter{Writer: out}
	var lastErr error

	// 1. Try mirrors
	for _, mirror := range s.Mirrors {
		u, ok := s.mirrorURL(mirror, locator)
		if !ok {
			continue
		}
		lastErr = s.fetchURL(ctx, u, v, cw)
		if lastErr == nil {
			return nil
		}
		errutil.LogMsg(lastErr, "Failed to fetch from mirror", "mirror", mirror)
		if cw.N > 0 {
			return fmt.Errorf("%w: %w", remote.ErrPartialWrite, lastErr)
		}
	}

	// 2. Fallback to the origin
	lastErr = s.fetchURL(ctx, locator, v, cw)
	if lastErr == nil {
		return nil
	}
	errutil.LogMsg(lastErr, "Failed to fetch from origin", "url", locator)
	if cw.N > 0 {
		return fmt.Errorf("%w: %w", remote.ErrPartialWrite, lastErr)
	}
	return fmt.Errorf("%w: %w", remote.ErrAllSourcesFailed, lastErr)
}

// mirrorURL rewrites a locator under BaseURL onto a mirror base.
func (s *Store) mirrorURL(mirror, locator string) (string, bool) {
	rest, ok := strings.CutPrefix(locator, s.BaseURL+"/")
	if !ok {
		return "", false
	}
	return strings.TrimRight(mirror, "/") + "/" + rest, true
}

func (s *Store) fetchURL(ctx context.Context, rawURL string, v remote.Variant, out io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if v.Quality > 0 {
		q := u.Query()
		q.Set("quality", strconv.Itoa(v.Quality))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	if len(s.Mirrors) > 0 {
		if val, err := EncodeMirrors(s.Mirrors); err == nil {
			req.Header.Set(MirrorsHeader, val)
		}
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	if resp.StatusCode != http.StatusOK {
		return &remote.HTTPStatusError{StatusCode: resp.StatusCode}
	}
	_, err = io.Copy(out, resp.Body)
	return err
}

func (s *Store) Delete(ctx context.Context, locator string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, locator, nil)
	if err != nil {
		return err
	}
	s.authorize(req)

	resp, err := s.Client.Do(req)
	if err != nil {
		return &errutil.FetchError{Locator: locator, Err: err}
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return &errutil.FetchError{Locator: locator, Err: &remote.HTTPStatusError{StatusCode: resp.StatusCode}}
	}
	return nil
}

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *Store) authorize(req *http.Request) {
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lucasew/coachsync"
	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/media"
	"github.com/lucasew/coachsync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	Port int
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
}

// NewServer starts the client's background loops and returns the agent HTTP server. The
// cleanup function stops the loops; it does not close the client.
func NewServer(c *coachsync.Client, cfg Config) (*http.Server, func(), error) {
	if c == nil {
		return nil, nil, fmt.Errorf("client is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/media/", media.NewHandler(c.Media()))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Health(r.Context())); err != nil {
			errutil.LogMsg(err, "Failed to write health response")
		}
	})
	mux.HandleFunc("POST /queue/flush", func(w http.ResponseWriter, r *http.Request) {
		res, err := c.Flush(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			errutil.LogMsg(err, "Failed to write flush response")
		}
	})
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(cfg.Gatherer))
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Starting agent server", "addr", addr, "metrics", cfg.Gatherer != nil)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server, cancel, nil
}

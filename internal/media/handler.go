package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/remote"
)

// Handler serves cached media over HTTP at /media/{bucket}/{path...}.
//
// GET resolves through the cache, downloading on a miss. HEAD only reports what is
// already cached and never downloads.
type Handler struct {
	Media *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{Media: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, path, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/media/"), "/")
	if !strings.HasPrefix(r.URL.Path, "/media/") || !ok || bucket == "" || path == "" {
		http.Error(w, "Invalid path format. Expected /media/{bucket}/{path}", http.StatusBadRequest)
		return
	}

	var (
		it  Item
		hit bool
	)
	switch r.Method {
	case http.MethodHead:
		found, ok, err := h.Media.Lookup(r.Context(), bucket, path)
		if err != nil {
			h.fail(w, err)
			return
		}
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		it, hit = found, true
	case http.MethodGet:
		opts := ResolveOptions{
			Priority:  Priority(r.URL.Query().Get("priority")),
			SkipCache: r.URL.Query().Get("refresh") == "1",
			Checksum:  r.URL.Query().Get("checksum"),
		}
		res, err := h.Media.Resolve(r.Context(), bucket, path, opts)
		if err != nil {
			h.fail(w, err)
			return
		}
		it, hit = res.Item, res.Hit
	default:
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	f, err := os.Open(it.LocalPath)
	if err != nil {
		h.fail(w, errutil.Storage("open", it.LocalPath, err))
		return
	}
	defer errutil.Close(f, "Failed to close media file")

	h.setCacheHeaders(w, it, hit)
	http.ServeContent(w, r, path, it.CachedAt, f)
}

func (h *Handler) setCacheHeaders(w http.ResponseWriter, it Item, hit bool) {
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if !it.ExpiresAt.IsZero() {
		maxAge := max(int(it.ExpiresAt.Sub(h.Media.now())/time.Second), 0)
		w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAge))
	}
	if it.Checksum != "" {
		w.Header().Set("ETag", `"`+it.Checksum+`"`)
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		validationErr *errutil.ValidationError
		capacityErr   *errutil.CapacityError
		statusErr     *remote.HTTPStatusError
		fetchErr      *errutil.FetchError
	)
	switch {
	case errors.As(err, &validationErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errutil.ErrNotFound),
		errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.As(err, &capacityErr):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	case errors.As(err, &fetchErr):
		slog.Warn("Upstream fetch failed", "error", err)
		http.Error(w, fmt.Sprintf("Failed to fetch: %v", err), http.StatusBadGateway)
	default:
		errutil.ReportError(err, "Failed to serve media")
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

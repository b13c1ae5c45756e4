package coachsync

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasew/coachsync/internal/conditions"
	"github.com/lucasew/coachsync/internal/kv"
	"github.com/lucasew/coachsync/internal/media"
	"github.com/lucasew/coachsync/internal/queue"
	"github.com/lucasew/coachsync/internal/remote"
	"github.com/lucasew/coachsync/internal/remote/api"
	"github.com/lucasew/coachsync/internal/remote/httpstore"
	"github.com/prometheus/client_golang/prometheus"
)

type backendServer struct {
	mu        sync.Mutex
	mutations []string
}

func (b *backendServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/objects/videos/"):
		_, _ = w.Write([]byte("video:" + strings.TrimPrefix(r.URL.Path, "/objects/videos/")))
	case strings.HasPrefix(r.URL.Path, "/api/"):
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.mutations = append(b.mutations, r.Method+" "+r.URL.Path+" "+string(body))
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func openTestClient(t *testing.T, backend *backendServer) *Client {
	t.Helper()
	ts := httptest.NewServer(backend)
	t.Cleanup(ts.Close)

	apiClient := api.NewClient(ts.Client(), ts.URL+"/api", "")
	mutations := make(map[string]remote.MutationAPI)
	for _, d := range api.Domains {
		mutations[d] = apiClient.Domain(d)
	}

	opts := Defaults()
	opts.StoreKind = "memory"
	opts.CacheDir = t.TempDir()
	opts.Objects = httpstore.New(ts.Client(), ts.URL+"/objects", nil)
	opts.Mutations = mutations
	opts.Platform = conditions.NewStaticPlatform(conditions.Online())
	opts.Registerer = prometheus.NewRegistry()

	c, err := Open(t.Context(), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	if _, err := c.Sample(t.Context()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClient(t *testing.T) {
	backend := &backendServer{}
	c := openTestClient(t, backend)

	t.Run("Cache Roundtrip", func(t *testing.T) {
		type plan struct {
			Name  string `json:"name"`
			Weeks int    `json:"weeks"`
		}
		if err := c.Put(t.Context(), "plans/current", plan{"strength", 8}, 24); err != nil {
			t.Fatal(err)
		}
		var got plan
		ok, err := c.Get(t.Context(), "plans/current", &got)
		if err != nil || !ok {
			t.Fatalf("expected entry, got ok=%v err=%v", ok, err)
		}
		if got.Name != "strength" || got.Weeks != 8 {
			t.Errorf("unexpected value %+v", got)
		}

		if err := c.Put(t.Context(), "plans/stale", plan{}, 0); err != nil {
			t.Fatal(err)
		}
		if ok, _ := c.Get(t.Context(), "plans/stale", &got); ok {
			t.Error("zero TTL entry must not be returned")
		}
	})

	t.Run("Queue Flush", func(t *testing.T) {
		a, err := c.Enqueue(t.Context(), queue.Action{
			Domain:    api.DomainWorkout,
			Operation: queue.OpCreate,
			Priority:  queue.PriorityUrgent,
			Payload:   []byte(`{"id":"w1"}`),
		})
		if err != nil {
			t.Fatal(err)
		}
		if a.ID == "" {
			t.Error("expected generated id")
		}
		res, err := c.Flush(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if res.Succeeded != 1 {
			t.Errorf("unexpected cycle %+v", res)
		}
		backend.mu.Lock()
		defer backend.mu.Unlock()
		if len(backend.mutations) != 1 || backend.mutations[0] != `POST /api/workouts {"id":"w1"}` {
			t.Errorf("unexpected mutations %v", backend.mutations)
		}
	})

	t.Run("Media Resolve", func(t *testing.T) {
		res, err := c.Resolve(t.Context(), "videos", "lunge.mp4", media.ResolveOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if res.Hit || res.SizeBytes != int64(len("video:lunge.mp4")) {
			t.Errorf("unexpected resource %+v", res)
		}
		res, err = c.Resolve(t.Context(), "videos", "lunge.mp4", media.ResolveOptions{})
		if err != nil || !res.Hit {
			t.Errorf("expected hit, got %+v %v", res, err)
		}
	})

	t.Run("Health", func(t *testing.T) {
		h := c.Health(t.Context())
		if !h.Online || h.Network != string(conditions.NetworkWifi) {
			t.Errorf("unexpected conditions %+v", h)
		}
		if h.Cache.Entries != 1 || h.Pending != 0 {
			t.Errorf("unexpected health %+v", h)
		}
		if h.Strategy.MaxConcurrency == 0 {
			t.Errorf("expected a computed strategy, got %+v", h.Strategy)
		}
	})
}

func TestOpen_RequiresObjectStore(t *testing.T) {
	opts := Defaults()
	opts.StoreKind = "memory"
	_, err := Open(t.Context(), opts)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestClient_StartAndClose(t *testing.T) {
	dir := t.TempDir()
	ts := httptest.NewServer(&backendServer{})
	defer ts.Close()

	opts := Defaults()
	opts.DataDir = dir
	opts.CacheDir = t.TempDir()
	opts.Objects = httpstore.New(ts.Client(), ts.URL+"/objects", nil)
	opts.Platform = conditions.NewStaticPlatform(conditions.Offline())
	opts.EvictionInterval = 10 * time.Millisecond
	opts.SweepInterval = 10 * time.Millisecond

	c, err := Open(t.Context(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(t.Context(), "k", "v", kv.NoExpiry); err != nil {
		t.Fatal(err)
	}
	c.Start(t.Context())
	time.Sleep(30 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(t.Context(), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	var v string
	if ok, err := reopened.Get(t.Context(), "k", &v); err != nil || !ok || v != "v" {
		t.Errorf("expected persisted entry, got %q ok=%v err=%v", v, ok, err)
	}
}

package media

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lucasew/coachsync/internal/metrics"
	"golang.org/x/sync/errgroup"
)

type PrefetchItem struct {
	Bucket   string        `json:"bucket"`
	Path     string        `json:"path"`
	Priority Priority      `json:"priority,omitempty"`
	Checksum string        `json:"checksum,omitempty"`
	TTL      time.Duration `json:"ttl,omitempty"`
}

// PrefetchFlags are per-call switches of Prefetch.
type PrefetchFlags struct {
	// Force prefetches even when the strategy disables preloading.
	Force bool
}

type PrefetchResult struct {
	Requested int              `json:"requested"`
	Fetched   int              `json:"fetched"`
	Hits      int              `json:"hits"`
	Skipped   int              `json:"skipped"`
	Failed    map[string]error `json:"-"`
	Cancelled bool             `json:"cancelled"`
}

// Prefetch warms the cache with items, highest priority first, using the strategy's
// concurrency. A new Prefetch cancels the previous session; cancellation takes effect
// between items, downloads already started run to completion. A failed item does not
// affect the others.
func (m *Manager) Prefetch(ctx context.Context, items []PrefetchItem, flags PrefetchFlags) PrefetchResult {
	res := PrefetchResult{Requested: len(items), Failed: make(map[string]error)}

	st := m.strategy.Current()
	if !st.PreloadEnabled && !flags.Force {
		res.Skipped = len(items)
		m.logger.Debug("Prefetch skipped by strategy", "items", len(items))
		return res
	}

	session, done := m.beginSession(ctx)
	defer done()

	ordered := make([]PrefetchItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.rank() < ordered[j].Priority.rank()
	})

	var mu sync.Mutex
	record := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}

	var g errgroup.Group
	g.SetLimit(max(st.MaxConcurrency, 1))
	for i, item := range ordered {
		if session.Err() != nil {
			record(func() {
				res.Skipped += len(ordered) - i
				res.Cancelled = true
			})
			break
		}
		g.Go(func() error {
			if session.Err() != nil {
				record(func() {
					res.Skipped++
					res.Cancelled = true
				})
				return nil
			}
			r, err := m.resolve(ctx, item.Bucket, item.Path, ResolveOptions{Priority: item.Priority, Checksum: item.Checksum, TTL: item.TTL}, false)
			record(func() {
				switch {
				case err != nil:
					res.Failed[ItemID(item.Bucket, item.Path)] = err
					m.metrics.ObservePrefetch(metrics.ResultError)
				case r.Hit:
					res.Hits++
					m.metrics.ObservePrefetch(metrics.ResultHit)
				default:
					res.Fetched++
					m.metrics.ObservePrefetch(metrics.ResultMiss)
				}
			})
			if err != nil {
				m.logger.Warn("Prefetch item failed", "id", ItemID(item.Bucket, item.Path), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("Prefetch finished",
		"requested", res.Requested,
		"fetched", res.Fetched,
		"hits", res.Hits,
		"failed", len(res.Failed),
		"skipped", res.Skipped)
	return res
}

// CancelPrefetch stops the running prefetch session, if any.
func (m *Manager) CancelPrefetch() {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	if m.sessionCancel != nil {
		m.sessionCancel()
		m.sessionCancel = nil
	}
}

func (m *Manager) beginSession(ctx context.Context) (context.Context, func()) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	if m.sessionCancel != nil {
		m.sessionCancel()
	}
	session, cancel := context.WithCancel(ctx)
	m.sessionSeq++
	seq := m.sessionSeq
	m.sessionCancel = cancel

	return session, func() {
		m.sessionMu.Lock()
		defer m.sessionMu.Unlock()
		cancel()
		if m.sessionSeq == seq {
			m.sessionCancel = nil
		}
	}
}

package media

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/eviction"
)

// index adapts the Manager to eviction.Index.
type index struct{ m *Manager }

func (ix index) Walk(ctx context.Context, fn func(eviction.Candidate) error) error {
	for _, it := range ix.m.snapshot() {
		if err := fn(it.candidate()); err != nil {
			return err
		}
	}
	return nil
}

func (ix index) Delete(ctx context.Context, key string) error {
	return ix.m.removeItem(ctx, key)
}

// Optimize runs one eviction pass. It fails with eviction.ErrEvictionInProgress when a
// pass is already running.
func (m *Manager) Optimize(ctx context.Context) (eviction.Result, error) {
	return m.evictor.Run(ctx)
}

// StartEviction runs eviction passes on the configured interval until ctx is done.
func (m *Manager) StartEviction(ctx context.Context) {
	m.evictor.Start(ctx)
}

// scheduleOptimize runs a background pass that keeps the item just written.
func (m *Manager) scheduleOptimize(written string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		if m.bgCtx.Err() != nil {
			return
		}
		_, err := m.evictor.Reclaim(m.bgCtx, 0, written)
		if err != nil && !errors.Is(err, eviction.ErrEvictionInProgress) && m.bgCtx.Err() == nil {
			errutil.ReportError(err, "Background optimize failed")
		}
	}()
}

// ClearFilter selects items for Clear. Set fields must all match; the zero filter
// matches everything.
type ClearFilter struct {
	Bucket      string
	OlderThan   time.Duration
	ExpiredOnly bool
	// KeepRecent retains the N most recently accessed items regardless of the filter.
	KeepRecent int
}

type ClearResult struct {
	Removed    int   `json:"removed"`
	BytesFreed int64 `json:"bytesFreed"`
}

func (f ClearFilter) matches(it Item, now time.Time) bool {
	if f.Bucket != "" && it.Bucket != f.Bucket {
		return false
	}
	if f.OlderThan > 0 && it.CachedAt.After(now.Add(-f.OlderThan)) {
		return false
	}
	if f.ExpiredOnly && !it.Expired(now) {
		return false
	}
	return true
}

// Clear removes every item matching the filter.
func (m *Manager) Clear(ctx context.Context, f ClearFilter) (ClearResult, error) {
	items := m.snapshot()
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].candidate().LastUse(), items[j].candidate().LastUse()
		if !a.Equal(b) {
			return a.After(b)
		}
		return items[i].ID < items[j].ID
	})

	keep := min(max(f.KeepRecent, 0), len(items))
	now := m.now()
	var res ClearResult
	for _, it := range items[keep:] {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !f.matches(it, now) {
			continue
		}
		if err := m.removeItem(ctx, it.ID); err != nil {
			return res, err
		}
		res.Removed++
		res.BytesFreed += it.SizeBytes
	}
	m.logger.Info("Cleared media cache", "removed", res.Removed, "freed", res.BytesFreed, "bucket", f.Bucket)
	return res, nil
}

// Remove drops the local copy and, when remote is set, deletes the object remotely first.
func (m *Manager) Remove(ctx context.Context, bucket, path string, remote bool) error {
	id := ItemID(bucket, path)
	if remote {
		m.mu.Lock()
		locator := m.items[id].RemoteLocator
		m.mu.Unlock()
		if locator == "" {
			locator = m.objects.Locator(bucket, path)
		}
		if err := m.objects.Delete(ctx, locator); err != nil {
			return asFetchError(locator, err)
		}
	}
	return m.removeItem(ctx, id)
}

// Stats describes the cache occupancy.
type Stats struct {
	Entries     int     `json:"entries"`
	Bytes       int64   `json:"bytes"`
	Capacity    int64   `json:"capacity"`
	Utilization float64 `json:"utilization"`
	Expired     int     `json:"expired"`
}

func (m *Manager) Stats(ctx context.Context) Stats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Entries: len(m.items), Bytes: m.total, Capacity: m.cfg.MaxBytes}
	for _, it := range m.items {
		if it.Expired(now) {
			s.Expired++
		}
	}
	if s.Capacity > 0 {
		s.Utilization = float64(s.Bytes) / float64(s.Capacity)
	}
	return s
}

// Items lists the cached items, most recently used first.
func (m *Manager) Items() []Item {
	items := m.snapshot()
	sort.Slice(items, func(i, j int) bool {
		return items[i].candidate().LastUse().After(items[j].candidate().LastUse())
	})
	return items
}

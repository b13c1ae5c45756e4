package eviction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/eviction/policy"
)

// Manager manages cache eviction.
type Manager struct {
	index    Index
	policies []policy.Policy
	strategy Strategy
	interval time.Duration
	now      func() time.Time
	running  atomic.Bool

	// OnEvict is called after every removed item.
	OnEvict func(c Candidate)
}

// NewManager creates a new eviction Manager.
func NewManager(index Index, policies []policy.Policy, interval time.Duration, strategy Strategy) *Manager {
	return &Manager{
		index:    index,
		policies: policies,
		interval: interval,
		strategy: strategy,
		now:      time.Now,
	}
}

// SetClock overrides the time source used for ranking.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Start runs the background eviction loop.
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Run(ctx); err != nil && !errors.Is(err, ErrEvictionInProgress) && ctx.Err() == nil {
				errutil.ReportError(err, "Eviction pass failed")
			}
		}
	}
}

// Run checks the policies and evicts items if needed.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	return m.Reclaim(ctx, 0)
}

// Reclaim is Run with incoming bytes that are about to be written counted as used.
// Protected keys count toward usage but are never evicted by this pass.
func (m *Manager) Reclaim(ctx context.Context, incoming int64, protected ...string) (Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, ErrEvictionInProgress
	}
	defer m.running.Store(false)

	var candidates []Candidate
	var current int64
	err := m.index.Walk(ctx, func(c Candidate) error {
		candidates = append(candidates, c)
		current += c.Size
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to walk cache: %w", err)
	}

	res := Result{Before: current, After: current}

	maxToFree := policy.Strictest(current+incoming, m.policies...)
	if maxToFree <= 0 {
		return res, nil
	}

	victims := m.strategy.Rank(candidates, m.now())
	slog.Info("Evicting cache entries", "candidates", len(victims), "current_size", current, "incoming", incoming, "to_free", maxToFree)

	for _, victim := range victims {
		if res.BytesFreed >= maxToFree {
			break
		}
		if slices.Contains(protected, victim.Key) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := m.index.Delete(ctx, victim.Key); err != nil {
			slog.Error("Failed to remove cache entry", "key", victim.Key, "error", err)
			continue
		}
		res.Evicted++
		res.BytesFreed += victim.Size
		res.After -= victim.Size
		if m.OnEvict != nil {
			m.OnEvict(victim)
		}
	}

	slog.Info("Eviction finished", "evicted", res.Evicted, "freed", res.BytesFreed, "after", res.After)
	return res, nil
}

package eviction_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lucasew/coachsync/internal/eviction"
	"github.com/lucasew/coachsync/internal/eviction/policy"
	"github.com/lucasew/coachsync/internal/eviction/policy/watermark"
	"github.com/lucasew/coachsync/internal/eviction/score"
)

type memIndex struct {
	mu      sync.Mutex
	items   map[string]eviction.Candidate
	deleted []string
	block   chan struct{}
	entered chan struct{}
}

func newMemIndex(items ...eviction.Candidate) *memIndex {
	idx := &memIndex{items: make(map[string]eviction.Candidate)}
	for _, c := range items {
		idx.items[c.Key] = c
	}
	return idx
}

func (m *memIndex) Walk(ctx context.Context, fn func(eviction.Candidate) error) error {
	if m.block != nil {
		m.entered <- struct{}{}
		<-m.block
	}
	m.mu.Lock()
	items := make([]eviction.Candidate, 0, len(m.items))
	for _, c := range m.items {
		items = append(items, c)
	}
	m.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	for _, c := range items {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *memIndex) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memIndex) size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.items {
		n += c.Size
	}
	return n
}

func TestManager_HighToLowWatermark(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cached := now.Add(-24 * time.Hour)

	// 95 of 100 bytes used.
	var items []eviction.Candidate
	for i, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"} {
		items = append(items, eviction.Candidate{
			Key:          key,
			Size:         10,
			AccessCount:  int64(i + 1),
			CachedAt:     cached,
			LastAccessed: now.Add(-time.Duration(i) * time.Hour),
		})
	}
	items = append(items,
		eviction.Candidate{Key: "cold", Size: 2, AccessCount: 0, CachedAt: cached, LastAccessed: cached},
		eviction.Candidate{Key: "warm", Size: 3, AccessCount: 10, CachedAt: cached, LastAccessed: cached},
	)
	idx := newMemIndex(items...)
	if idx.size() != 95 {
		t.Fatalf("setup: expected 95 bytes, got %d", idx.size())
	}

	pol := &watermark.Policy{MaxBytes: 100, High: 0.8, Low: 0.6}
	mgr := eviction.NewManager(idx, []policy.Policy{pol}, 0, score.New())
	mgr.SetClock(func() time.Time { return now })

	res, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Before != 95 {
		t.Errorf("expected before=95, got %d", res.Before)
	}
	if res.After > 60 || idx.size() > 60 {
		t.Errorf("expected utilization <= 60%%, got %d (index %d)", res.After, idx.size())
	}

	pos := func(key string) int {
		for i, k := range idx.deleted {
			if k == key {
				return i
			}
		}
		return -1
	}
	if pos("cold") < 0 {
		t.Fatal("expected zero-access entry to be evicted")
	}
	if w := pos("warm"); w >= 0 && w < pos("cold") {
		t.Error("zero-access entry should be evicted before the frequently used one")
	}

	// Below the high watermark nothing happens.
	res, err = mgr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Evicted != 0 {
		t.Errorf("expected no eviction under the watermark, got %d", res.Evicted)
	}
}

func TestManager_Reclaim(t *testing.T) {
	idx := newMemIndex(
		eviction.Candidate{Key: "a", Size: 30},
		eviction.Candidate{Key: "b", Size: 30},
	)
	pol := &watermark.Policy{MaxBytes: 100, High: 0.8, Low: 0.6}
	mgr := eviction.NewManager(idx, []policy.Policy{pol}, 0, score.New())

	// 60 used + 30 incoming crosses 80, target 60 means 30 must go.
	res, err := mgr.Reclaim(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if res.Evicted != 1 || res.After != 30 {
		t.Errorf("expected one eviction leaving 30 bytes, got %+v", res)
	}
}

func TestManager_ReclaimProtected(t *testing.T) {
	idx := newMemIndex(
		eviction.Candidate{Key: "big", Size: 65},
		eviction.Candidate{Key: "small", Size: 20, AccessCount: 10},
	)
	pol := &watermark.Policy{MaxBytes: 100, High: 0.8, Low: 0.6}
	mgr := eviction.NewManager(idx, []policy.Policy{pol}, 0, score.New())

	res, err := mgr.Reclaim(context.Background(), 0, "big")
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != "small" {
		t.Errorf("expected only the unprotected item to go, deleted %v", idx.deleted)
	}
	if res.After != 65 {
		t.Errorf("expected 65 bytes left, got %+v", res)
	}
}

func TestManager_NonReentrant(t *testing.T) {
	idx := newMemIndex(eviction.Candidate{Key: "a", Size: 1})
	idx.block = make(chan struct{})
	idx.entered = make(chan struct{})
	mgr := eviction.NewManager(idx, nil, 0, score.New())

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Run(context.Background())
		done <- err
	}()

	<-idx.entered
	if _, err := mgr.Run(context.Background()); !errors.Is(err, eviction.ErrEvictionInProgress) {
		t.Errorf("expected ErrEvictionInProgress, got %v", err)
	}

	close(idx.block)
	if err := <-done; err != nil {
		t.Errorf("first pass failed: %v", err)
	}
}

func TestManager_OnEvict(t *testing.T) {
	idx := newMemIndex(eviction.Candidate{Key: "a", Size: 90})
	pol := &watermark.Policy{MaxBytes: 100}
	mgr := eviction.NewManager(idx, []policy.Policy{pol}, 0, score.New())

	var evicted []string
	mgr.OnEvict = func(c eviction.Candidate) { evicted = append(evicted, c.Key) }
	if _, err := mgr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Errorf("expected OnEvict for a, got %v", evicted)
	}
}

func TestRegistry(t *testing.T) {
	if _, err := eviction.GetStrategy("score"); err != nil {
		t.Errorf("score strategy not registered: %v", err)
	}
	if _, err := eviction.GetStrategy("missing"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

package eviction

import (
	"context"
	"errors"
	"time"
)

// ErrEvictionInProgress is returned when a pass is requested while another one runs.
var ErrEvictionInProgress = errors.New("eviction already in progress")

// Candidate describes a cached item that may be evicted.
type Candidate struct {
	Key          string
	Size         int64
	AccessCount  int64
	LastAccessed time.Time
	CachedAt     time.Time
}

// LastUse is the last access time, falling back to the time the item was cached.
func (c Candidate) LastUse() time.Time {
	if c.LastAccessed.IsZero() {
		return c.CachedAt
	}
	return c.LastAccessed
}

// Strategy defines the interface for eviction strategies.
type Strategy interface {
	// Rank returns the candidates ordered most disposable first.
	// The input slice must not be modified.
	Rank(candidates []Candidate, now time.Time) []Candidate
}

// Index is the set of items the manager evicts from.
type Index interface {
	// Walk calls fn for every cached item.
	Walk(ctx context.Context, fn func(Candidate) error) error
	// Delete removes the item and its backing data.
	Delete(ctx context.Context, key string) error
}

// Result summarizes one eviction pass.
type Result struct {
	Evicted    int   `json:"evicted"`
	BytesFreed int64 `json:"bytesFreed"`
	Before     int64 `json:"before"`
	After      int64 `json:"after"`
}

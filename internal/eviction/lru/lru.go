package lru

import (
	"sort"
	"time"

	"github.com/lucasew/coachsync/internal/eviction"
)

// LRU implements the eviction.Strategy interface using Least Recently Used logic.
type LRU struct{}

func init() {
	eviction.Register("lru", func() eviction.Strategy {
		return New()
	})
}

func New() *LRU {
	return &LRU{}
}

func (l *LRU) Rank(candidates []eviction.Candidate, _ time.Time) []eviction.Candidate {
	out := make([]eviction.Candidate, len(candidates))
	copy(out, candidates)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastUse(), out[j].LastUse()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

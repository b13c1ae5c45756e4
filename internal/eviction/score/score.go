// Package score ranks cache entries by a normalized disposability score.
package score

import (
	"math"
	"sort"
	"time"

	"github.com/lucasew/coachsync/internal/eviction"
)

// Weights of the three normalized terms. They sum to 1, so scores lie in [0, 1].
const (
	SizeWeight      = 0.4
	FrequencyWeight = 0.3
	StalenessWeight = 0.3
)

// Score prefers evicting large, rarely used and long untouched entries.
type Score struct{}

func init() {
	eviction.Register("score", func() eviction.Strategy {
		return New()
	})
}

func New() *Score {
	return &Score{}
}

type scored struct {
	eviction.Candidate
	score float64
}

// Disposability computes the score of every candidate relative to the whole set.
func Disposability(candidates []eviction.Candidate, now time.Time) []float64 {
	var maxSize, maxAccess int64
	var maxAge time.Duration
	for _, c := range candidates {
		maxSize = max(maxSize, c.Size)
		maxAccess = max(maxAccess, c.AccessCount)
		maxAge = max(maxAge, age(c, now))
	}

	out := make([]float64, len(candidates))
	for i, c := range candidates {
		var sizeNorm, freqNorm, staleNorm float64
		if maxSize > 0 {
			sizeNorm = float64(c.Size) / float64(maxSize)
		}
		if maxAccess > 0 {
			freqNorm = math.Log1p(float64(max(c.AccessCount, 0))) / math.Log1p(float64(maxAccess))
		}
		if maxAge > 0 {
			staleNorm = float64(age(c, now)) / float64(maxAge)
		}
		out[i] = SizeWeight*sizeNorm + FrequencyWeight*(1-freqNorm) + StalenessWeight*staleNorm
	}
	return out
}

func (s *Score) Rank(candidates []eviction.Candidate, now time.Time) []eviction.Candidate {
	scores := Disposability(candidates, now)
	items := make([]scored, len(candidates))
	for i, c := range candidates {
		items[i] = scored{Candidate: c, score: scores[i]}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.LastUse().Equal(b.LastUse()) {
			return a.LastUse().Before(b.LastUse())
		}
		return a.Key < b.Key
	})

	out := make([]eviction.Candidate, len(items))
	for i, it := range items {
		out[i] = it.Candidate
	}
	return out
}

func age(c eviction.Candidate, now time.Time) time.Duration {
	d := now.Sub(c.LastUse())
	if d < 0 {
		return 0
	}
	return d
}

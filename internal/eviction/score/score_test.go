package score

import (
	"testing"
	"time"

	"github.com/lucasew/coachsync/internal/eviction"
)

func TestScore_FrequencyBreaksSameAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cached := now.Add(-48 * time.Hour)

	in := []eviction.Candidate{
		{Key: "popular", Size: 100, AccessCount: 10, CachedAt: cached, LastAccessed: cached},
		{Key: "unused", Size: 100, AccessCount: 0, CachedAt: cached, LastAccessed: cached},
	}
	got := New().Rank(in, now)
	if got[0].Key != "unused" {
		t.Errorf("expected zero-access entry first, got %s", got[0].Key)
	}
}

func TestScore_Terms(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := []eviction.Candidate{
		{Key: "big", Size: 1000, AccessCount: 5, LastAccessed: now.Add(-time.Hour)},
		{Key: "small", Size: 10, AccessCount: 5, LastAccessed: now.Add(-time.Hour)},
		{Key: "stale", Size: 10, AccessCount: 5, LastAccessed: now.Add(-100 * time.Hour)},
	}
	scores := Disposability(in, now)
	if scores[0] <= scores[1] {
		t.Errorf("larger entry should be more disposable: %v", scores)
	}
	if scores[2] <= scores[1] {
		t.Errorf("staler entry should be more disposable: %v", scores)
	}
	for i, s := range scores {
		if s < 0 || s > 1 {
			t.Errorf("score %d out of range: %v", i, s)
		}
	}
}

func TestScore_Empty(t *testing.T) {
	if got := New().Rank(nil, time.Now()); len(got) != 0 {
		t.Errorf("expected empty ranking, got %v", got)
	}
}

func TestScore_TieBreak(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := []eviction.Candidate{
		{Key: "b"},
		{Key: "a"},
	}
	got := New().Rank(in, now)
	if got[0].Key != "a" || got[1].Key != "b" {
		t.Errorf("expected key order on ties, got %s, %s", got[0].Key, got[1].Key)
	}
}

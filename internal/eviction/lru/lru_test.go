package lru

import (
	"testing"
	"time"

	"github.com/lucasew/coachsync/internal/eviction"
)

func TestLRU(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New()

	in := []eviction.Candidate{
		{Key: "a", Size: 10, LastAccessed: base.Add(3 * time.Minute)},
		{Key: "b", Size: 20, LastAccessed: base.Add(1 * time.Minute)},
		{Key: "c", Size: 30, CachedAt: base.Add(2 * time.Minute)},
	}

	// Order: b (oldest access), c (never accessed, cached later), a
	got := l.Rank(in, base.Add(time.Hour))
	want := []string{"b", "c", "a"}
	for i, k := range want {
		if got[i].Key != k {
			t.Errorf("position %d: expected %s, got %s", i, k, got[i].Key)
		}
	}

	if in[0].Key != "a" {
		t.Error("Rank modified its input")
	}
}

func TestLRU_Registered(t *testing.T) {
	s, err := eviction.GetStrategy("lru")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*LRU); !ok {
		t.Errorf("expected *LRU, got %T", s)
	}
}

package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lucasew/coachsync/internal/errutil"
)

type profile struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

type failingBackend struct {
	*Memory
	err error
}

func (f *failingBackend) Set(ctx context.Context, key, value string) error {
	return f.err
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemory())

	if err := s.Put(ctx, "profile:1", profile{Name: "ana", Level: 3}, 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var got profile
	ok, err := s.Get(ctx, "profile:1", &got)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if got.Name != "ana" || got.Level != 3 {
		t.Errorf("unexpected value: %+v", got)
	}

	ok, err = s.Get(ctx, "profile:missing", &got)
	if err != nil || ok {
		t.Errorf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	backend := NewMemory()
	s := NewStore(backend, WithClock(func() time.Time { return now }))

	t.Run("Zero TTL", func(t *testing.T) {
		if err := s.Put(ctx, "zero", "v", 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		var v string
		ok, err := s.Get(ctx, "zero", &v)
		if err != nil || ok {
			t.Fatalf("expected miss for zero ttl, got ok=%v err=%v", ok, err)
		}
		if _, found, _ := backend.Get(ctx, "zero"); found {
			t.Error("expired record should have been removed")
		}
	})

	t.Run("Backdated", func(t *testing.T) {
		if err := s.Put(ctx, "old", "v", 2); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		now = now.Add(3 * time.Hour)
		var v string
		ok, err := s.Get(ctx, "old", &v)
		if err != nil || ok {
			t.Fatalf("expected miss for expired entry, got ok=%v err=%v", ok, err)
		}
		if _, found, _ := backend.Get(ctx, "old"); found {
			t.Error("expired record should have been removed")
		}
	})

	t.Run("No Expiry", func(t *testing.T) {
		if err := s.Put(ctx, "forever", "v", NoExpiry); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		now = now.Add(10000 * time.Hour)
		ok, err := s.Get(ctx, "forever", nil)
		if err != nil || !ok {
			t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
		}
	})
}

func TestStore_SelfHealing(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	s := NewStore(backend)

	corrupt := map[string]string{
		"garbage":   "{not json",
		"no-value":  `{"metadata":{"lastUpdated":"2026-01-01T00:00:00Z","ttlHours":1}}`,
		"no-update": `{"value":1,"metadata":{"ttlHours":1}}`,
	}
	for k, v := range corrupt {
		if err := backend.Set(ctx, k, v); err != nil {
			t.Fatal(err)
		}
	}

	for k := range corrupt {
		ok, err := s.Get(ctx, k, nil)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", k, err)
		}
		if ok {
			t.Errorf("%s: malformed record served", k)
		}
		if _, found, _ := backend.Get(ctx, k); found {
			t.Errorf("%s: malformed record not removed", k)
		}
	}

	if err := s.Put(ctx, "typed", "a string", 1); err != nil {
		t.Fatal(err)
	}
	var p profile
	if ok, err := s.Get(ctx, "typed", &p); ok || err != nil {
		t.Errorf("expected type mismatch to be a miss, got ok=%v err=%v", ok, err)
	}
}

func TestStore_Version(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemory())

	for i := 0; i < 3; i++ {
		if err := s.Put(ctx, "k", i, 1); err != nil {
			t.Fatal(err)
		}
	}
	entry, ok, err := s.Entry(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Entry failed: ok=%v err=%v", ok, err)
	}
	if entry.Metadata.Version != 3 {
		t.Errorf("expected version 3, got %d", entry.Metadata.Version)
	}
	if entry.Metadata.SizeBytes != 1 {
		t.Errorf("expected size 1, got %d", entry.Metadata.SizeBytes)
	}
}

func TestStore_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := NewMemory()
	s := NewStore(backend, WithClock(func() time.Time { return now }))

	_ = s.Put(ctx, "cache:a", "fresh", 10)
	_ = s.Put(ctx, "cache:b", "stale", 1)
	_ = s.Put(ctx, "other:c", "stale", 1)
	_ = backend.Set(ctx, "cache:d", "broken")

	now = now.Add(2 * time.Hour)

	res, err := s.Sweep(ctx, "cache:")
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Removed != 2 {
		t.Errorf("expected 2 removed, got %d", res.Removed)
	}
	if res.BytesFreed <= 0 {
		t.Errorf("expected bytes freed, got %d", res.BytesFreed)
	}

	keys, _ := backend.ListKeys(ctx, "")
	want := []string{"cache:a", "other:c"}
	if len(keys) != len(want) {
		t.Fatalf("got keys %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("got keys %v, want %v", keys, want)
		}
	}
}

func TestStore_WriteFailure(t *testing.T) {
	boom := errors.New("disk full")
	s := NewStore(&failingBackend{Memory: NewMemory(), err: boom})

	err := s.Put(context.Background(), "k", "v", 1)
	var se *errutil.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
}

func TestNamespace(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	ns := Namespace(base, "queue/")

	if err := ns.Set(ctx, "a", "1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := base.Get(ctx, "queue/a"); !ok {
		t.Error("expected prefixed key in base")
	}
	keys, err := ns.ListKeys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "a" {
		t.Errorf("unexpected keys %v", keys)
	}
}

package kv

import (
	"context"
	"path/filepath"
	"testing"
)

func TestBackends(t *testing.T) {
	open := map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemory() },
		"sqlite": func(t *testing.T) Backend {
			b, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
			if err != nil {
				t.Fatalf("OpenSQLite failed: %v", err)
			}
			return b
		},
		"badger": func(t *testing.T) Backend {
			b, err := OpenBadger(t.TempDir())
			if err != nil {
				t.Fatalf("OpenBadger failed: %v", err)
			}
			return b
		},
	}

	for name, fn := range open {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := fn(t)
			defer func() { _ = b.Close() }()

			if _, ok, err := b.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
			}

			for _, k := range []string{"media:b", "media:a", "queue:x"} {
				if err := b.Set(ctx, k, "v-"+k); err != nil {
					t.Fatalf("Set(%s) failed: %v", k, err)
				}
			}
			if err := b.Set(ctx, "media:a", "updated"); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}

			v, ok, err := b.Get(ctx, "media:a")
			if err != nil || !ok || v != "updated" {
				t.Fatalf("Get = %q, %v, %v", v, ok, err)
			}

			keys, err := b.ListKeys(ctx, "media:")
			if err != nil {
				t.Fatalf("ListKeys failed: %v", err)
			}
			if len(keys) != 2 || keys[0] != "media:a" || keys[1] != "media:b" {
				t.Errorf("unexpected keys %v", keys)
			}

			for _, k := range []string{"übung/1", "übung/2", "ubung/3"} {
				if err := b.Set(ctx, k, "v"); err != nil {
					t.Fatalf("Set(%s) failed: %v", k, err)
				}
			}
			keys, err = b.ListKeys(ctx, "übung/")
			if err != nil {
				t.Fatalf("ListKeys failed: %v", err)
			}
			if len(keys) != 2 || keys[0] != "übung/1" || keys[1] != "übung/2" {
				t.Errorf("unexpected non-ASCII prefix keys %v", keys)
			}

			if err := b.Remove(ctx, "media:a"); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			if err := b.Remove(ctx, "media:a"); err != nil {
				t.Fatalf("second Remove failed: %v", err)
			}
			if _, ok, _ := b.Get(ctx, "media:a"); ok {
				t.Error("key still present after Remove")
			}
		})
	}
}

func TestSQLite_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.db")

	b, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := b.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = b.Close() }()
	v, ok, err := b.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Errorf("value lost across reopen: %q %v %v", v, ok, err)
	}
}

func TestOpen_Unknown(t *testing.T) {
	if _, err := Open("redis", ""); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
		ok     bool
	}{
		{"media:", "media;", true},
		{"a\xff", "b", true},
		{"\xff\xff", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := prefixEnd(tt.prefix)
		if got != tt.want || ok != tt.ok {
			t.Errorf("prefixEnd(%q) = %q, %v, want %q, %v", tt.prefix, got, ok, tt.want, tt.ok)
		}
	}
}

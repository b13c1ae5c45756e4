// Package kv implements the durable key-value layer everything else persists through.
//
// A Backend is the raw namespaced string store (SQLite, Badger or memory). Store adds
// the expiring JSON envelope on top of any Backend.
package kv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend is the local durable storage primitive.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// ListKeys returns the keys starting with prefix, sorted.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open opens a backend by name. path is a file for sqlite and a directory for badger;
// it is ignored for memory.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "sqlite", "":
		return OpenSQLite(path)
	case "badger":
		return OpenBadger(path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", kind)
	}
}

// Memory is a goroutine-safe in-memory Backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error { return nil }

type namespaced struct {
	base   Backend
	prefix string
}

// Namespace returns a view of base where every key is prefixed. Closing the view
// does not close base.
func Namespace(base Backend, prefix string) Backend {
	return &namespaced{base: base, prefix: prefix}
}

func (n *namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.base.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key, value string) error {
	return n.base.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Remove(ctx context.Context, key string) error {
	return n.base.Remove(ctx, n.prefix+key)
}

func (n *namespaced) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.base.ListKeys(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, n.prefix)
	}
	return keys, nil
}

func (n *namespaced) Close() error { return nil }

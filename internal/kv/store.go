package kv

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lucasew/coachsync/internal/errutil"
)

// NoExpiry is the ttlHours value of a record that never expires.
const NoExpiry = -1

// Metadata is persisted alongside every value.
type Metadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	TTLHours    float64   `json:"ttlHours"`
	Version     int       `json:"version"`
	SizeBytes   int64     `json:"sizeBytes"`
}

// Entry is the persisted envelope of a value.
type Entry struct {
	Key      string          `json:"-"`
	Value    json.RawMessage `json:"value"`
	Metadata Metadata        `json:"metadata"`
}

// ExpiresAt returns the zero time for records that never expire.
func (e Entry) ExpiresAt() time.Time {
	if e.Metadata.TTLHours < 0 {
		return time.Time{}
	}
	return e.Metadata.LastUpdated.Add(time.Duration(e.Metadata.TTLHours * float64(time.Hour)))
}

// Valid reports whether the entry may be served at now.
func (e Entry) Valid(now time.Time) bool {
	if e.Metadata.TTLHours < 0 {
		return true
	}
	return now.Before(e.ExpiresAt())
}

// SweepResult summarizes a Sweep.
type SweepResult struct {
	Removed    int
	BytesFreed int64
}

// Store is the expiring key-value cache built on a Backend.
type Store struct {
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for self-healing reports.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Put stores value under key for ttlHours. A negative ttl never expires; zero is
// stored but never served.
func (s *Store) Put(ctx context.Context, key string, value any, ttlHours float64) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &errutil.ValidationError{Key: key, Reason: "value is not serializable", Err: err}
	}

	version := 1
	if prev, ok, err := s.backend.Get(ctx, key); err != nil {
		return errutil.Storage("get", key, err)
	} else if ok {
		if old, err := decode(key, prev); err == nil {
			version = old.Metadata.Version + 1
		}
	}

	entry := Entry{
		Value: raw,
		Metadata: Metadata{
			LastUpdated: s.now().UTC(),
			TTLHours:    ttlHours,
			Version:     version,
			SizeBytes:   int64(len(raw)),
		},
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return &errutil.ValidationError{Key: key, Reason: "envelope is not serializable", Err: err}
	}
	if err := s.backend.Set(ctx, key, string(data)); err != nil {
		return errutil.Storage("set", key, err)
	}
	return nil
}

// Entry returns the valid envelope stored at key. Expired and malformed records are
// removed and reported as absent.
func (s *Store) Entry(ctx context.Context, key string) (Entry, bool, error) {
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return Entry{}, false, errutil.Storage("get", key, err)
	}
	if !ok {
		return Entry{}, false, nil
	}

	entry, err := decode(key, raw)
	if err != nil {
		s.logger.Warn("Removing malformed cache record", "key", key, "error", err)
		return Entry{}, false, s.remove(ctx, key)
	}
	if !entry.Valid(s.now()) {
		s.logger.Debug("Removing expired cache record", "key", key, "expired_at", entry.ExpiresAt())
		return Entry{}, false, s.remove(ctx, key)
	}
	return entry, true, nil
}

// Get decodes the value at key into out. It reports false when the record is absent,
// expired or malformed.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	entry, ok, err := s.Entry(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		verr := &errutil.ValidationError{Key: key, Reason: "value does not match the requested type", Err: err}
		s.logger.Warn("Removing undecodable cache record", "key", key, "error", verr)
		return false, s.remove(ctx, key)
	}
	return true, nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.remove(ctx, key)
}

func (s *Store) remove(ctx context.Context, key string) error {
	return errutil.Storage("remove", key, s.backend.Remove(ctx, key))
}

// Keys lists keys under prefix, including expired ones not yet swept.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.backend.ListKeys(ctx, prefix)
	if err != nil {
		return nil, errutil.Storage("list", prefix, err)
	}
	return keys, nil
}

// Sweep removes every expired or malformed record under prefix.
func (s *Store) Sweep(ctx context.Context, prefix string) (SweepResult, error) {
	var res SweepResult
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return res, err
	}
	now := s.now()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw, ok, err := s.backend.Get(ctx, key)
		if err != nil {
			return res, errutil.Storage("get", key, err)
		}
		if !ok {
			continue
		}
		entry, err := decode(key, raw)
		if err == nil && entry.Valid(now) {
			continue
		}
		if err := s.remove(ctx, key); err != nil {
			return res, err
		}
		res.Removed++
		res.BytesFreed += int64(len(raw))
	}
	if res.Removed > 0 {
		s.logger.Info("Swept cache records", "prefix", prefix, "removed", res.Removed, "bytes", res.BytesFreed)
	}
	return res, nil
}

func decode(key, raw string) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, &errutil.ValidationError{Key: key, Reason: "malformed envelope", Err: err}
	}
	if len(entry.Value) == 0 {
		return Entry{}, &errutil.ValidationError{Key: key, Reason: "missing value"}
	}
	if entry.Metadata.LastUpdated.IsZero() {
		return Entry{}, &errutil.ValidationError{Key: key, Reason: "missing lastUpdated"}
	}
	entry.Key = key
	return entry, nil
}

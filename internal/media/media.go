// Package media resolves (bucket, path) pairs to local files.
//
// Items are downloaded from a remote.ObjectStore into {Dir}/objects, indexed in the
// kv.Store under "media/items/" and evicted by an eviction.Manager when the cache grows
// past its high watermark. The in-memory index mirrors the persisted one write-through:
// every mutation is stored before it is applied in memory.
package media

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/eviction"
	_ "github.com/lucasew/coachsync/internal/eviction/lru"
	"github.com/lucasew/coachsync/internal/eviction/policy"
	"github.com/lucasew/coachsync/internal/eviction/policy/minfree"
	"github.com/lucasew/coachsync/internal/eviction/policy/watermark"
	_ "github.com/lucasew/coachsync/internal/eviction/score"
	"github.com/lucasew/coachsync/internal/hashutil"
	"github.com/lucasew/coachsync/internal/kv"
	"github.com/lucasew/coachsync/internal/metrics"
	"github.com/lucasew/coachsync/internal/remote"
	"github.com/lucasew/coachsync/internal/strategy"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix = "media/items/"
	tmpPrefix = "download-"

	DefaultTTL          = 7 * 24 * time.Hour
	DefaultSignedURLTTL = time.Hour
	DefaultStrategy     = "score"
)

// ErrChecksumMismatch is returned when downloaded content does not match the expected digest.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Item is the persisted index record of a cached media object.
type Item struct {
	ID             string    `json:"id"`
	Bucket         string    `json:"bucket"`
	Path           string    `json:"path"`
	RemoteLocator  string    `json:"remoteLocator"`
	LocalPath      string    `json:"localPath"`
	SizeBytes      int64     `json:"sizeBytes"`
	CachedAt       time.Time `json:"cachedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	AccessCount    int64     `json:"accessCount"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	Checksum       string    `json:"checksum,omitempty"`
}

// ItemID is the cache identity of an object.
func ItemID(bucket, path string) string {
	return bucket + ":" + path
}

// Expired reports whether the local copy is past its freshness TTL.
func (it Item) Expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

func (it Item) candidate() eviction.Candidate {
	return eviction.Candidate{
		Key:          it.ID,
		Size:         it.SizeBytes,
		AccessCount:  it.AccessCount,
		LastAccessed: it.LastAccessedAt,
		CachedAt:     it.CachedAt,
	}
}

// Resource is a resolved local file.
type Resource struct {
	Item
	Hit bool
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ResolveOptions tune a single Resolve call.
type ResolveOptions struct {
	Priority  Priority
	SkipCache bool
	// TTL is the local freshness of a newly downloaded copy.
	TTL time.Duration
	// Checksum is an optional "algo:hex" digest the content must match.
	Checksum string
	// Progress receives a copy of the downloaded bytes.
	Progress io.Writer
}

// Config configures a Manager.
type Config struct {
	Dir string
	// MaxBytes caps the cache size. Zero disables the cap.
	MaxBytes     int64
	HighWater    float64
	LowWater     float64
	MinFreeBytes int64
	DefaultTTL   time.Duration
	// SignedURLTTL is the lifetime of URLs handed out by SignedURL. It is unrelated to
	// the local freshness TTL.
	SignedURLTTL     time.Duration
	EvictionStrategy string
	EvictionInterval time.Duration
}

type Option func(*Manager)

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the content cache.
type Manager struct {
	cfg      Config
	store    *kv.Store
	objects  remote.ObjectStore
	strategy strategy.Provider
	evictor  *eviction.Manager
	water    *watermark.Policy
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	g        singleflight.Group

	mu    sync.Mutex
	items map[string]Item
	total int64

	sessionMu     sync.Mutex
	sessionCancel context.CancelFunc
	sessionSeq    uint64

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewManager loads the persisted index and prepares the cache directory.
func NewManager(ctx context.Context, store *kv.Store, objects remote.ObjectStore, provider strategy.Provider, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, &errutil.ValidationError{Key: "cache-dir", Reason: "must not be empty"}
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = DefaultSignedURLTTL
	}
	if cfg.EvictionStrategy == "" {
		cfg.EvictionStrategy = DefaultStrategy
	}
	if provider == nil {
		provider = strategy.Fixed(strategy.Default())
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		objects:  objects,
		strategy: provider,
		logger:   slog.Default(),
		now:      time.Now,
		items:    make(map[string]Item),
		water:    &watermark.Policy{MaxBytes: cfg.MaxBytes, High: cfg.HighWater, Low: cfg.LowWater},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())

	strat, err := eviction.GetStrategy(cfg.EvictionStrategy)
	if err != nil {
		return nil, &errutil.ValidationError{Key: "eviction-strategy", Reason: cfg.EvictionStrategy, Err: err}
	}
	var policies []policy.Policy
	if cfg.MaxBytes > 0 {
		policies = append(policies, m.water)
	}
	if cfg.MinFreeBytes > 0 {
		policies = append(policies, &minfree.Policy{Path: cfg.Dir, MinFreeBytes: cfg.MinFreeBytes})
	}
	m.evictor = eviction.NewManager(index{m}, policies, cfg.EvictionInterval, strat)
	m.evictor.SetClock(m.now)
	m.evictor.OnEvict = func(c eviction.Candidate) { m.metrics.ObserveEviction(c.Size) }

	if err := os.MkdirAll(filepath.Join(cfg.Dir, "objects"), 0o755); err != nil {
		return nil, errutil.Storage("mkdir", cfg.Dir, err)
	}
	m.removeStaleDownloads()
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load(ctx context.Context) error {
	keys, err := m.store.Keys(ctx, keyPrefix)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		var it Item
		ok, err := m.store.Get(ctx, key, &it)
		if err != nil {
			return err
		}
		if !ok || it.ID != strings.TrimPrefix(key, keyPrefix) {
			continue
		}
		m.items[it.ID] = it
		m.total += it.SizeBytes
	}
	m.metrics.SetCacheUsage(m.total, len(m.items))
	m.logger.Info("Media index loaded", "count", len(m.items), "size", m.total)
	return nil
}

// removeStaleDownloads deletes temp files left behind by an interrupted process.
func (m *Manager) removeStaleDownloads() {
	matches, err := filepath.Glob(filepath.Join(m.cfg.Dir, tmpPrefix+"*"))
	if err != nil {
		return
	}
	for _, path := range matches {
		errutil.LogMsg(os.Remove(path), "Failed to remove stale download", "path", path)
	}
}

func (m *Manager) localPath(id string) string {
	name := hashutil.FileName(id)
	return filepath.Join(m.cfg.Dir, "objects", name[:2], name)
}

// Lookup returns the cached item without counting an access. Expired items and items
// whose file is gone are purged and reported absent.
func (m *Manager) Lookup(ctx context.Context, bucket, path string) (Item, bool, error) {
	id := ItemID(bucket, path)
	m.mu.Lock()
	it, ok := m.items[id]
	m.mu.Unlock()
	if !ok {
		return Item{}, false, nil
	}

	if it.Expired(m.now()) {
		m.logger.Debug("Purging expired media", "id", id, "expired_at", it.ExpiresAt)
		return Item{}, false, m.removeItem(ctx, id)
	}
	if _, err := os.Stat(it.LocalPath); err != nil {
		if !os.IsNotExist(err) {
			return Item{}, false, errutil.Storage("stat", it.LocalPath, err)
		}
		m.logger.Warn("Purging media with missing file", "id", id, "path", it.LocalPath)
		return Item{}, false, m.removeItem(ctx, id)
	}
	return it, true, nil
}

// Resolve returns a local copy of the object, downloading it on a miss.
func (m *Manager) Resolve(ctx context.Context, bucket, path string, opts ResolveOptions) (Resource, error) {
	res, err := m.resolve(ctx, bucket, path, opts, true)
	switch {
	case err != nil:
		m.metrics.ObserveResolve(metrics.ResultError)
	case res.Hit:
		m.metrics.ObserveResolve(metrics.ResultHit)
	default:
		m.metrics.ObserveResolve(metrics.ResultMiss)
	}
	return res, err
}

func (m *Manager) resolve(ctx context.Context, bucket, path string, opts ResolveOptions, count bool) (Resource, error) {
	if bucket == "" || path == "" {
		return Resource{}, &errutil.ValidationError{Key: ItemID(bucket, path), Reason: "bucket and path are required"}
	}
	id := ItemID(bucket, path)

	if !opts.SkipCache {
		it, ok, err := m.Lookup(ctx, bucket, path)
		if err != nil {
			return Resource{}, err
		}
		if ok {
			if count {
				if it, err = m.touch(ctx, id); err != nil {
					return Resource{}, err
				}
			}
			return Resource{Item: it, Hit: true}, nil
		}
	}

	v, err, _ := m.g.Do(id, func() (interface{}, error) {
		return m.download(ctx, bucket, path, opts)
	})
	if err != nil {
		return Resource{}, err
	}
	it := v.(Item)
	if count {
		if it, err = m.touch(ctx, id); err != nil {
			return Resource{}, err
		}
	}
	return Resource{Item: it}, nil
}

func (m *Manager) download(ctx context.Context, bucket, path string, opts ResolveOptions) (Item, error) {
	id := ItemID(bucket, path)
	locator := m.objects.Locator(bucket, path)

	var hasher hash.Hash
	var algo, want string
	if opts.Checksum != "" {
		var err error
		if algo, want, err = hashutil.ParseChecksum(opts.Checksum); err != nil {
			return Item{}, &errutil.ValidationError{Key: id, Reason: "bad checksum", Err: err}
		}
		if hasher, err = hashutil.GetHasher(algo); err != nil {
			return Item{}, err
		}
	}

	tmpFile, err := os.CreateTemp(m.cfg.Dir, tmpPrefix+"*")
	if err != nil {
		return Item{}, errutil.Storage("create", m.cfg.Dir, err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	writers := []io.Writer{tmpFile}
	if hasher != nil {
		writers = append(writers, hasher)
	}
	if opts.Progress != nil {
		writers = append(writers, opts.Progress)
	}
	cw := &remote.CountingWriter{Writer: io.MultiWriter(writers...)}

	st := m.strategy.Current()
	variant := remote.Variant{Quality: st.CompressionLevel.Quality()}

	start := m.now()
	if err := m.objects.Fetch(ctx, locator, variant, cw); err != nil {
		return Item{}, asFetchError(locator, err)
	}
	if hasher != nil {
		if sum := hashutil.Hex(hasher); sum != want {
			return Item{}, &errutil.FetchError{Locator: locator, Err: fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, want, sum)}
		}
	}
	if err := tmpFile.Close(); err != nil {
		return Item{}, errutil.Storage("close", tmpFile.Name(), err)
	}
	size := cw.N

	if err := m.reserve(ctx, id, size); err != nil {
		return Item{}, err
	}

	finalPath := m.localPath(id)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return Item{}, errutil.Storage("mkdir", filepath.Dir(finalPath), err)
	}
	if err := os.Rename(tmpFile.Name(), finalPath); err != nil {
		return Item{}, errutil.Storage("rename", finalPath, err)
	}

	now := m.now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	it := Item{
		ID:             id,
		Bucket:         bucket,
		Path:           path,
		RemoteLocator:  locator,
		LocalPath:      finalPath,
		SizeBytes:      size,
		CachedAt:       now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}
	if hasher != nil {
		it.Checksum = algo + ":" + want
	}
	if err := m.putItem(ctx, it); err != nil {
		errutil.LogMsg(os.Remove(finalPath), "Failed to remove unindexed media", "path", finalPath)
		return Item{}, err
	}

	m.metrics.ObserveDownload(now.Sub(start), size)
	m.logger.Info("Stored media", "id", id, "size", size, "quality", variant.Quality)

	if m.water.Exceeded(m.Usage()) {
		m.scheduleOptimize(id)
	}
	return it, nil
}

// reserve makes room for size incoming bytes, failing with a CapacityError when even an
// eviction pass cannot.
func (m *Manager) reserve(ctx context.Context, id string, size int64) error {
	if m.cfg.MaxBytes <= 0 {
		return nil
	}
	if size > m.cfg.MaxBytes {
		return &errutil.CapacityError{Needed: size, Available: m.cfg.MaxBytes}
	}
	if m.usageExcluding(id)+size <= m.cfg.MaxBytes {
		return nil
	}
	if _, err := m.evictor.Reclaim(ctx, size); err != nil && !errors.Is(err, eviction.ErrEvictionInProgress) {
		return err
	}
	if used := m.usageExcluding(id); used+size > m.cfg.MaxBytes {
		return &errutil.CapacityError{Needed: size, Available: m.cfg.MaxBytes - used}
	}
	return nil
}

func (m *Manager) touch(ctx context.Context, id string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, fmt.Errorf("media %s: %w", id, errutil.ErrNotFound)
	}
	it.AccessCount++
	it.LastAccessedAt = m.now()
	if err := m.store.Put(ctx, keyPrefix+id, it, kv.NoExpiry); err != nil {
		return Item{}, err
	}
	m.items[id] = it
	return it, nil
}

func (m *Manager) putItem(ctx context.Context, it Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Put(ctx, keyPrefix+it.ID, it, kv.NoExpiry); err != nil {
		return err
	}
	if prev, ok := m.items[it.ID]; ok {
		m.total -= prev.SizeBytes
	}
	m.items[it.ID] = it
	m.total += it.SizeBytes
	m.metrics.SetCacheUsage(m.total, len(m.items))
	return nil
}

// removeItem drops the index record, then the file. Removing an absent item is a no-op.
func (m *Manager) removeItem(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil
	}
	if err := m.store.Remove(ctx, keyPrefix+id); err != nil {
		return err
	}
	delete(m.items, id)
	m.total -= it.SizeBytes
	m.metrics.SetCacheUsage(m.total, len(m.items))

	if err := os.Remove(it.LocalPath); err != nil && !os.IsNotExist(err) {
		errutil.LogMsg(err, "Failed to remove media file", "path", it.LocalPath)
	}
	return nil
}

// Usage returns the bytes held by the cache.
func (m *Manager) Usage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Manager) usageExcluding(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total - m.items[id].SizeBytes
}

func (m *Manager) snapshot() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	return out
}

// Upload stores content in the remote object store and returns its locator.
func (m *Manager) Upload(ctx context.Context, bucket, path string, r io.Reader) (string, error) {
	return m.objects.Put(ctx, bucket, path, r)
}

// SignedURL returns a time-limited URL for the remote object.
func (m *Manager) SignedURL(ctx context.Context, bucket, path string) (string, error) {
	return m.objects.SignedURL(ctx, bucket, path, m.cfg.SignedURLTTL)
}

// Close cancels the prefetch session and waits for background passes.
func (m *Manager) Close() {
	m.sessionMu.Lock()
	if m.sessionCancel != nil {
		m.sessionCancel()
		m.sessionCancel = nil
	}
	m.sessionMu.Unlock()

	m.bgCancel()
	m.bg.Wait()
}

func asFetchError(locator string, err error) error {
	var fe *errutil.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &errutil.FetchError{Locator: locator, Err: err}
}

// Package coachsync is the client-side resilience layer of the coaching app: a durable
// expiring cache, an offline mutation queue, a media cache and a strategy engine that
// adapts them to network and battery conditions.
//
// A Client is opened once at process start and closed once at shutdown:
//
//	c, err := coachsync.Open(ctx, opts)
//	if err != nil { ... }
//	defer c.Close()
//	c.Start(ctx)
package coachsync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lucasew/coachsync/internal/conditions"
	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/eviction"
	"github.com/lucasew/coachsync/internal/eviction/policy/watermark"
	"github.com/lucasew/coachsync/internal/kv"
	"github.com/lucasew/coachsync/internal/media"
	"github.com/lucasew/coachsync/internal/metrics"
	"github.com/lucasew/coachsync/internal/queue"
	"github.com/lucasew/coachsync/internal/remote"
	"github.com/lucasew/coachsync/internal/strategy"
	"github.com/prometheus/client_golang/prometheus"
)

// Error taxonomy shared by every component.
type (
	StorageError    = errutil.StorageError
	FetchError      = errutil.FetchError
	DispatchError   = errutil.DispatchError
	ValidationError = errutil.ValidationError
	CapacityError   = errutil.CapacityError
)

var (
	ErrNotFound           = errutil.ErrNotFound
	ErrCycleInProgress    = queue.ErrCycleInProgress
	ErrEvictionInProgress = eviction.ErrEvictionInProgress
	ErrUnknownHandler     = queue.ErrUnknownHandler
	ErrChecksumMismatch   = media.ErrChecksumMismatch
	ErrPartialWrite       = remote.ErrPartialWrite
)

// cachePrefix namespaces the general purpose entries of Put/Get.
const cachePrefix = "cache/"

const DefaultSweepInterval = time.Hour

// Options configures Open.
type Options struct {
	// DataDir holds the key-value store. It is unused by the memory store.
	DataDir string
	// StoreKind selects the Backend: sqlite, badger or memory.
	StoreKind string
	// Backend overrides StoreKind with an already opened backend, which Close will close.
	Backend kv.Backend

	CacheDir         string
	MaxCacheSize     int64
	MinFreeSpace     int64
	HighWater        float64
	LowWater         float64
	EvictionInterval time.Duration
	EvictionStrategy string
	MediaTTL         time.Duration
	SignedURLTTL     time.Duration
	SweepInterval    time.Duration

	Objects remote.ObjectStore
	// Mutations maps domain types to their remote API.
	Mutations map[string]remote.MutationAPI
	Queue     queue.Config

	Platform       conditions.Platform
	SampleInterval time.Duration
	StrategyTTL    time.Duration

	// Registerer receives the Prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Defaults returns Options with every tunable set.
func Defaults() Options {
	return Options{
		DataDir:          "./data",
		StoreKind:        "sqlite",
		CacheDir:         "./data/media",
		MaxCacheSize:     512 << 20,
		HighWater:        watermark.DefaultHigh,
		LowWater:         watermark.DefaultLow,
		EvictionInterval: 5 * time.Minute,
		EvictionStrategy: media.DefaultStrategy,
		MediaTTL:         media.DefaultTTL,
		SignedURLTTL:     media.DefaultSignedURLTTL,
		SweepInterval:    DefaultSweepInterval,
		Queue: queue.Config{
			MaxAttempts: queue.DefaultMaxAttempts,
			RetryBase:   queue.DefaultRetryBase,
			RetryMax:    queue.DefaultRetryMax,
			Interval:    queue.DefaultInterval,
			BatchPause:  queue.DefaultBatchPause,
			Debounce:    queue.DefaultDebounce,
		},
		SampleInterval: 15 * time.Second,
		StrategyTTL:    strategy.DefaultTTL,
	}
}

// Client owns every component of the layer.
type Client struct {
	opts    Options
	backend kv.Backend
	store   *kv.Store
	monitor *conditions.Monitor
	engine  *strategy.Engine
	media   *media.Manager
	queue   *queue.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open builds the components and loads their persisted state. Nothing runs in the
// background until Start.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if opts.Objects == nil {
		return nil, &errutil.ValidationError{Key: "object-store", Reason: "an object store is required"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend := opts.Backend
	if backend == nil {
		path, err := storePath(opts.StoreKind, opts.DataDir)
		if err != nil {
			return nil, err
		}
		if backend, err = kv.Open(opts.StoreKind, path); err != nil {
			return nil, errutil.Storage("open", path, err)
		}
	}

	c := &Client{
		opts:    opts,
		backend: backend,
		store:   kv.NewStore(backend, kv.WithLogger(logger)),
		logger:  logger,
	}
	if opts.Registerer != nil {
		c.metrics = metrics.New(opts.Registerer)
	}

	platform := opts.Platform
	if platform == nil {
		platform = &conditions.HostPlatform{}
	}
	c.monitor = conditions.NewMonitor(platform, opts.SampleInterval)
	c.engine = strategy.NewEngine(c.monitor, opts.StrategyTTL)
	c.engine.OnChange = func(st strategy.Strategy) {
		c.metrics.SetStrategy(string(st.CompressionLevel), st.MaxConcurrency, st.TargetBandwidthKbps)
	}

	var err error
	c.media, err = media.NewManager(ctx, c.store, opts.Objects, c.engine, media.Config{
		Dir:              opts.CacheDir,
		MaxBytes:         opts.MaxCacheSize,
		HighWater:        opts.HighWater,
		LowWater:         opts.LowWater,
		MinFreeBytes:     opts.MinFreeSpace,
		DefaultTTL:       opts.MediaTTL,
		SignedURLTTL:     opts.SignedURLTTL,
		EvictionStrategy: opts.EvictionStrategy,
		EvictionInterval: opts.EvictionInterval,
	}, media.WithMetrics(c.metrics), media.WithLogger(logger))
	if err != nil {
		errutil.Close(backend, "Failed to close store")
		return nil, err
	}

	registry := queue.NewRegistry()
	for domain, api := range opts.Mutations {
		registry.RegisterDomain(domain, api)
	}
	c.queue, err = queue.NewManager(ctx, c.store, registry, c.engine, opts.Queue,
		queue.WithConnectivity(c.monitor),
		queue.WithMetrics(c.metrics),
		queue.WithLogger(logger))
	if err != nil {
		c.media.Close()
		errutil.Close(backend, "Failed to close store")
		return nil, err
	}
	return c, nil
}

func storePath(kind, dir string) (string, error) {
	if kind == "memory" {
		return "", nil
	}
	if dir == "" {
		return "", &errutil.ValidationError{Key: "data-dir", Reason: "must not be empty"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errutil.Storage("mkdir", dir, err)
	}
	if kind == "badger" {
		return filepath.Join(dir, "badger"), nil
	}
	return filepath.Join(dir, "coachsync.db"), nil
}

// Start launches condition sampling, the dispatch loop, periodic eviction and the
// expired entry sweep. It returns immediately; Close stops everything.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.monitor.Start(ctx)
	c.queue.Start(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.media.StartEviction(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.sweepLoop(ctx)
	}()
	c.logger.Info("Client started", "pending_actions", c.queue.Len(), "cache_bytes", c.media.Usage())
}

func (c *Client) sweepLoop(ctx context.Context) {
	interval := c.opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				errutil.ReportError(err, "Cache sweep failed")
			}
		}
	}
}

// Close stops the background work and releases the store. It is safe to call once
// Open succeeded, whether or not Start was called.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	c.queue.Close()
	c.monitor.Close()
	c.media.Close()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return c.backend.Close()
}

// Put stores value under key for ttlHours. Use kv.NoExpiry for a permanent entry.
func (c *Client) Put(ctx context.Context, key string, value any, ttlHours float64) error {
	return c.store.Put(ctx, cachePrefix+key, value, ttlHours)
}

// Get decodes the entry into out. It reports false for absent or expired entries.
func (c *Client) Get(ctx context.Context, key string, out any) (bool, error) {
	return c.store.Get(ctx, cachePrefix+key, out)
}

func (c *Client) Remove(ctx context.Context, key string) error {
	return c.store.Remove(ctx, cachePrefix+key)
}

// Sweep removes every expired cache entry.
func (c *Client) Sweep(ctx context.Context) (kv.SweepResult, error) {
	res, err := c.store.Sweep(ctx, cachePrefix)
	if err == nil {
		c.metrics.ObserveSweep(res.Removed)
	}
	return res, err
}

// Enqueue records a remote mutation for dispatch.
func (c *Client) Enqueue(ctx context.Context, a queue.Action) (queue.Action, error) {
	return c.queue.Enqueue(ctx, a)
}

// Flush runs one dispatch cycle now.
func (c *Client) Flush(ctx context.Context) (queue.CycleResult, error) {
	return c.queue.RunCycle(ctx)
}

// Resolve returns a local copy of the media object, downloading it on a miss.
func (c *Client) Resolve(ctx context.Context, bucket, path string, opts media.ResolveOptions) (media.Resource, error) {
	return c.media.Resolve(ctx, bucket, path, opts)
}

// Prefetch warms the media cache.
func (c *Client) Prefetch(ctx context.Context, items []media.PrefetchItem, flags media.PrefetchFlags) media.PrefetchResult {
	return c.media.Prefetch(ctx, items, flags)
}

// Strategy returns the current optimization strategy.
func (c *Client) Strategy() strategy.Strategy {
	return c.engine.Current()
}

// Conditions returns the latest sampled conditions.
func (c *Client) Conditions() conditions.Snapshot {
	return c.monitor.Current()
}

// Sample refreshes the conditions once, outside of the Start loop.
func (c *Client) Sample(ctx context.Context) (conditions.Snapshot, error) {
	return c.monitor.Sample(ctx)
}

// Background tells the queue the app left the foreground.
func (c *Client) Background() { c.queue.Background() }

// Foreground resumes dispatching and triggers a cycle.
func (c *Client) Foreground() { c.queue.Foreground() }

func (c *Client) Media() *media.Manager { return c.media }
func (c *Client) Queue() *queue.Manager { return c.queue }
func (c *Client) Store() *kv.Store      { return c.store }

// Health summarizes the client for the agent's health endpoint.
type Health struct {
	Online   bool              `json:"online"`
	Network  string            `json:"network"`
	Strategy strategy.Strategy `json:"strategy"`
	Pending  int               `json:"pendingActions"`
	Cache    media.Stats       `json:"cache"`
}

func (c *Client) Health(ctx context.Context) Health {
	snap := c.monitor.Current()
	return Health{
		Online:   snap.Online(),
		Network:  string(snap.Network.Type),
		Strategy: c.engine.Current(),
		Pending:  c.queue.Len(),
		Cache:    c.media.Stats(ctx),
	}
}

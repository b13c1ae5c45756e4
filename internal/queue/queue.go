package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lucasew/coachsync/internal/conditions"
	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/kv"
	"github.com/lucasew/coachsync/internal/metrics"
	"github.com/lucasew/coachsync/internal/strategy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const keyPrefix = "queue/actions/"

// ErrCycleInProgress is returned by RunCycle while another cycle is dispatching.
var ErrCycleInProgress = errors.New("dispatch cycle already in progress")

const (
	DefaultRetryBase  = 2 * time.Second
	DefaultRetryMax   = 5 * time.Minute
	DefaultInterval   = 30 * time.Second
	DefaultBatchPause = 500 * time.Millisecond
	DefaultDebounce   = time.Second
)

type Config struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	// Interval is the period of the dispatch timer.
	Interval time.Duration
	// BatchPause separates consecutive batches of a cycle. Zero selects
	// DefaultBatchPause; a negative value disables pacing.
	BatchPause time.Duration
	// Debounce coalesces cycles scheduled by bursts of Enqueue calls.
	Debounce time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	switch {
	case c.BatchPause == 0:
		c.BatchPause = DefaultBatchPause
	case c.BatchPause < 0:
		c.BatchPause = 0
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
}

// Backoff is the delay before the retry following the given attempt count.
func (c Config) Backoff(attempts int) time.Duration {
	d := c.RetryBase
	for i := 0; i < attempts; i++ {
		if d >= c.RetryMax {
			break
		}
		d *= 2
	}
	return min(d, c.RetryMax)
}

// Connectivity reports whether the remote is reachable and pushes changes.
type Connectivity interface {
	Current() conditions.Snapshot
	Subscribe(l conditions.Listener) func()
}

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	Eligible    int  `json:"eligible"`
	Succeeded   int  `json:"succeeded"`
	Retried     int  `json:"retried"`
	Dropped     int  `json:"dropped"`
	Batches     int  `json:"batches"`
	Interrupted bool `json:"interrupted"`
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

// WithConnectivity gates dispatch on connectivity and triggers a cycle when it returns.
// Without it the remote is assumed reachable.
func WithConnectivity(c Connectivity) Option {
	return func(m *Manager) { m.conn = c }
}

// Manager is the action queue.
type Manager struct {
	cfg      Config
	store    *kv.Store
	registry *Registry
	strategy strategy.Provider
	conn     Connectivity
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	limiter  *rate.Limiter

	// OnDrop is called for every action dropped after exhausting its attempts.
	OnDrop func(Action, error)

	mu       sync.Mutex
	actions  map[string]Action
	sched    scheduler
	debounce *time.Timer

	dispatching atomic.Bool
	background  atomic.Bool
	wake        chan struct{}

	unsubscribe func()
	stop        context.CancelFunc
	done        chan struct{}
}

// NewManager loads the persisted actions and rebuilds the retry schedule.
func NewManager(ctx context.Context, store *kv.Store, registry *Registry, provider strategy.Provider, cfg Config, opts ...Option) (*Manager, error) {
	cfg.defaults()
	if provider == nil {
		provider = strategy.Fixed(strategy.Default())
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		registry: registry,
		strategy: provider,
		logger:   slog.Default(),
		now:      time.Now,
		actions:  make(map[string]Action),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.BatchPause > 0 {
		m.limiter = rate.NewLimiter(rate.Every(cfg.BatchPause), 1)
	} else {
		m.limiter = rate.NewLimiter(rate.Inf, 1)
	}

	if err := m.load(ctx); err != nil {
		return nil, err
	}
	if m.conn != nil {
		m.unsubscribe = m.conn.Subscribe(func(prev, next conditions.Snapshot) {
			if !prev.Online() && next.Online() {
				m.logger.Info("Connectivity regained, scheduling dispatch", "pending", m.Len())
				m.poke()
			}
		})
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
		var a Action
		ok, err := m.store.Get(ctx, key, &a)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if a.ID != strings.TrimPrefix(key, keyPrefix) {
			errutil.LogMsg(&errutil.ValidationError{Key: key, Reason: "action id does not match its key"}, "Removing malformed action")
			errutil.LogMsg(m.store.Remove(ctx, key), "Failed to remove malformed action", "key", key)
			continue
		}
		m.actions[a.ID] = a
		if !a.NextAttemptAt.IsZero() {
			m.sched.push(a.ID, a.NextAttemptAt)
		}
	}
	m.metrics.SetQueueDepth(len(m.actions))
	m.logger.Info("Action queue loaded", "pending", len(m.actions), "scheduled", m.sched.len())
	return nil
}

// Enqueue validates and persists a, filling defaults. When online it schedules a
// debounced dispatch cycle.
func (m *Manager) Enqueue(ctx context.Context, a Action) (Action, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = m.now()
	}
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = m.cfg.MaxAttempts
	}
	if a.Priority == "" {
		a.Priority = PriorityMedium
	}
	a.AttemptCount = 0
	a.NextAttemptAt = time.Time{}
	a.LastError = ""

	if !a.Priority.Valid() {
		return Action{}, &errutil.ValidationError{Key: a.ID, Reason: "unknown priority " + string(a.Priority)}
	}
	if _, err := m.registry.Lookup(a.Domain, a.Operation); err != nil {
		return Action{}, &errutil.ValidationError{Key: a.ID, Reason: "unknown action type", Err: err}
	}
	if len(a.Payload) == 0 {
		a.Payload = json.RawMessage("null")
	}
	if !json.Valid(a.Payload) {
		return Action{}, &errutil.ValidationError{Key: a.ID, Reason: "payload is not valid JSON"}
	}

	if err := m.persist(ctx, a); err != nil {
		return Action{}, err
	}
	m.logger.Debug("Action enqueued", "id", a.ID, "domain", a.Domain, "operation", a.Operation, "priority", a.Priority)

	if m.online() {
		m.scheduleDebounced()
	}
	return a, nil
}

func (m *Manager) persist(ctx context.Context, a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Put(ctx, keyPrefix+a.ID, a, kv.NoExpiry); err != nil {
		return err
	}
	m.actions[a.ID] = a
	if !a.NextAttemptAt.IsZero() {
		m.sched.push(a.ID, a.NextAttemptAt)
	}
	m.metrics.SetQueueDepth(len(m.actions))
	return nil
}

// Remove deletes a pending action. Removing an unknown id is a no-op.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[id]; !ok {
		return nil
	}
	if err := m.store.Remove(ctx, keyPrefix+id); err != nil {
		return err
	}
	delete(m.actions, id)
	m.metrics.SetQueueDepth(len(m.actions))
	return nil
}

// Pending returns every queued action in dispatch order.
func (m *Manager) Pending() []Action {
	m.mu.Lock()
	out := make([]Action, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, a)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

func (m *Manager) eligible(now time.Time) []Action {
	var out []Action
	for _, a := range m.Pending() {
		if a.Eligible(now) {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) online() bool {
	return m.conn == nil || m.conn.Current().Online()
}

// Background stops new batches from starting until Foreground.
func (m *Manager) Background() {
	m.background.Store(true)
}

// Foreground resumes dispatching and schedules a cycle.
func (m *Manager) Foreground() {
	m.background.Store(false)
	m.poke()
}

// RunCycle dispatches every eligible action once, in batches sized by the current
// strategy. Batches run to completion; a cancelled ctx or Background only prevent the
// next batch from starting.
func (m *Manager) RunCycle(ctx context.Context) (CycleResult, error) {
	if !m.dispatching.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInProgress
	}
	defer m.dispatching.Store(false)

	start := m.now()
	queue := m.eligible(start)
	res := CycleResult{Eligible: len(queue)}
	if len(queue) == 0 {
		return res, nil
	}
	m.logger.Info("Dispatch cycle started", "eligible", len(queue), "pending", m.Len())

	for len(queue) > 0 {
		if ctx.Err() != nil || m.background.Load() {
			res.Interrupted = true
			break
		}
		if err := m.limiter.Wait(ctx); err != nil {
			res.Interrupted = true
			break
		}

		size := max(m.strategy.Current().MaxConcurrency, 1)
		batch := queue[:min(size, len(queue))]
		queue = queue[len(batch):]

		outcomes := make([]string, len(batch))
		batchCtx := context.WithoutCancel(ctx)
		var g errgroup.Group
		for i, a := range batch {
			g.Go(func() error {
				outcomes[i] = m.dispatch(batchCtx, a)
				return nil
			})
		}
		_ = g.Wait()
		res.Batches++

		for _, o := range outcomes {
			switch o {
			case metrics.DispatchSuccess:
				res.Succeeded++
			case metrics.DispatchRetry:
				res.Retried++
			case metrics.DispatchDrop:
				res.Dropped++
			}
		}
	}

	m.metrics.ObserveCycle(m.now().Sub(start))
	m.logger.Info("Dispatch cycle finished",
		"succeeded", res.Succeeded,
		"retried", res.Retried,
		"dropped", res.Dropped,
		"batches", res.Batches,
		"interrupted", res.Interrupted)
	return res, nil
}

// dispatch executes a and applies the outcome. Persistence failures are logged; the
// action is then retried from its last persisted state.
func (m *Manager) dispatch(ctx context.Context, a Action) string {
	err := m.execute(ctx, a)
	if err == nil {
		errutil.LogMsg(m.Remove(ctx, a.ID), "Failed to remove dispatched action", "id", a.ID)
		m.metrics.ObserveDispatch(a.Domain, metrics.DispatchSuccess)
		return metrics.DispatchSuccess
	}

	a.AttemptCount++
	a.LastError = err.Error()
	if a.AttemptCount >= a.MaxAttempts {
		m.drop(ctx, a, err)
		return metrics.DispatchDrop
	}

	delay := m.cfg.Backoff(a.AttemptCount)
	a.NextAttemptAt = m.now().Add(delay)
	if perr := m.persist(ctx, a); perr != nil {
		errutil.ReportError(perr, "Failed to persist retry", "id", a.ID)
	}
	m.logger.Warn("Dispatch failed, retrying",
		"id", a.ID,
		"domain", a.Domain,
		"operation", a.Operation,
		"attempt", a.AttemptCount,
		"max_attempts", a.MaxAttempts,
		"retry_in", delay,
		"error", err)
	m.metrics.ObserveDispatch(a.Domain, metrics.DispatchRetry)
	return metrics.DispatchRetry
}

func (m *Manager) execute(ctx context.Context, a Action) error {
	h, err := m.registry.Lookup(a.Domain, a.Operation)
	if err != nil {
		return err
	}
	return h(ctx, a.Payload)
}

func (m *Manager) drop(ctx context.Context, a Action, err error) {
	if rerr := m.Remove(ctx, a.ID); rerr != nil {
		errutil.ReportError(rerr, "Failed to remove dropped action", "id", a.ID)
	}
	dispatchErr := &errutil.DispatchError{
		ActionID:  a.ID,
		Domain:    a.Domain,
		Operation: string(a.Operation),
		Attempts:  a.AttemptCount,
		Err:       err,
	}
	errutil.ReportError(dispatchErr, "Action dropped after exhausting attempts")
	m.metrics.ObserveDispatch(a.Domain, metrics.DispatchDrop)
	if m.OnDrop != nil {
		m.OnDrop(a, dispatchErr)
	}
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) scheduleDebounced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounce == nil {
		m.debounce = time.AfterFunc(m.cfg.Debounce, m.poke)
		return
	}
	m.debounce.Reset(m.cfg.Debounce)
}

func (m *Manager) nextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sched.next(func(id string) (time.Time, bool) {
		a, ok := m.actions[id]
		return a.NextAttemptAt, ok
	})
}

func (m *Manager) trigger(ctx context.Context, reason string) {
	if m.background.Load() || !m.online() || m.Len() == 0 {
		return
	}
	m.logger.Debug("Dispatch triggered", "reason", reason)
	if _, err := m.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		errutil.ReportError(err, "Dispatch cycle failed")
	}
}

// Start runs the dispatch loop in the background until ctx is done or Close is called.
// Cycles are triggered by the periodic timer, retry deadlines, Enqueue, Foreground and
// regained connectivity.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.stop = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		m.run(ctx)
	}()
	m.poke()
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		var retryC <-chan time.Time
		if at, ok := m.nextDeadline(); ok {
			retry.Reset(max(at.Sub(m.now()), 0))
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.trigger(ctx, "timer")
		case <-m.wake:
			m.trigger(ctx, "wake")
		case <-retryC:
			m.mu.Lock()
			m.sched.popDue(m.now())
			m.mu.Unlock()
			m.trigger(ctx, "retry")
		}
		retry.Stop()
	}
}

// Close stops the dispatch loop and releases the connectivity subscription. Persisted
// actions are kept for the next process.
func (m *Manager) Close() {
	m.mu.Lock()
	stop, done, unsubscribe := m.stop, m.done, m.unsubscribe
	m.stop, m.unsubscribe = nil, nil
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if stop != nil {
		stop()
		<-done
	}
}

package strategy

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/lucasew/coachsync/internal/conditions"
)

// DefaultTTL is how long a computed strategy is reused.
const DefaultTTL = 30 * time.Second

// Provider hands out the strategy to consult right now.
type Provider interface {
	Current() Strategy
}

// Fixed is a Provider that always returns the same strategy.
type Fixed Strategy

func (f Fixed) Current() Strategy { return Strategy(f) }

// Source supplies the latest condition snapshot.
type Source interface {
	Current() conditions.Snapshot
}

// Engine caches Compute results for a TTL and recomputes early only on a material change.
type Engine struct {
	source Source
	ttl    time.Duration
	now    func() time.Time
	// OnChange is called with every newly computed strategy that differs from the last.
	OnChange func(Strategy)

	mu         sync.Mutex
	cached     Strategy
	basis      conditions.Snapshot
	computedAt time.Time
	valid      bool
}

func NewEngine(source Source, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{source: source, ttl: ttl, now: time.Now}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Current returns the cached strategy, recomputing it when the TTL elapsed or the
// conditions changed materially.
func (e *Engine) Current() Strategy {
	snap := e.source.Current()

	e.mu.Lock()
	now := e.now()
	if e.valid && now.Sub(e.computedAt) < e.ttl && !MaterialChange(e.basis, snap) {
		st := e.cached
		e.mu.Unlock()
		return st
	}

	prev, hadPrev := e.cached, e.valid
	st := Compute(snap)
	e.cached, e.basis, e.computedAt, e.valid = st, snap, now, true
	onChange := e.OnChange
	e.mu.Unlock()

	if !hadPrev || prev != st {
		slog.Debug("Strategy recomputed",
			"compression", st.CompressionLevel,
			"preload", st.PreloadEnabled,
			"cache", st.CacheStrategy,
			"concurrency", st.MaxConcurrency,
			"bandwidth_kbps", st.TargetBandwidthKbps)
		if onChange != nil {
			onChange(st)
		}
	}
	return st
}

// Invalidate forces the next Current call to recompute.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.valid = false
}

// MaterialChange reports whether b differs enough from a to skip the cache: a network
// type change, a low-power flip, or a battery delta above 10 points.
func MaterialChange(a, b conditions.Snapshot) bool {
	if a.Network.Type != b.Network.Type || a.Online() != b.Online() {
		return true
	}
	if a.Device.LowPowerMode != b.Device.LowPowerMode {
		return true
	}
	ab, bb := a.Device.BatteryLevel, b.Device.BatteryLevel
	if (ab < 0) != (bb < 0) {
		return true
	}
	return math.Abs(ab-bb) > 0.10
}

package conditions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lucasew/coachsync/internal/errutil"
)

// Listener receives the previous and the new snapshot on every change.
type Listener func(prev, next Snapshot)

// Monitor keeps the latest snapshot, refreshed on a timer and on platform pushes.
type Monitor struct {
	platform Platform
	interval time.Duration

	mu        sync.RWMutex
	current   Snapshot
	hasSample bool
	listeners map[uint64]Listener
	nextID    uint64

	cancelPush func()
	stop       context.CancelFunc
	done       chan struct{}
}

// NewMonitor creates a monitor. Until the first sample it reports an offline snapshot.
func NewMonitor(platform Platform, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		platform:  platform,
		interval:  interval,
		current:   Offline(),
		listeners: make(map[uint64]Listener),
	}
}

// Current returns the latest snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers l for change events. The returned function unsubscribes.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Sample fetches the platform state once and applies it.
func (m *Monitor) Sample(ctx context.Context) (Snapshot, error) {
	snap, err := m.platform.FetchOnce(ctx)
	if err != nil {
		return m.Current(), err
	}
	m.apply(snap)
	return snap, nil
}

func (m *Monitor) apply(snap Snapshot) {
	m.mu.Lock()
	prev := m.current
	changed := !m.hasSample || !prev.Same(snap)
	m.current = snap
	m.hasSample = true
	var listeners []Listener
	if changed {
		listeners = make([]Listener, 0, len(m.listeners))
		for _, l := range m.listeners {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	slog.Debug("Conditions changed",
		"network", snap.Network.Type,
		"generation", snap.Network.Generation,
		"online", snap.Online(),
		"battery", snap.Device.BatteryLevel,
		"low_power", snap.Device.LowPowerMode)
	for _, l := range listeners {
		l(prev, snap)
	}
}

// Start takes an initial sample, subscribes to platform pushes and samples on the
// interval until ctx is done or Close is called.
func (m *Monitor) Start(ctx context.Context) {
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

	if _, err := m.Sample(ctx); err != nil {
		errutil.LogMsg(err, "Failed to sample conditions")
	}
	cancelPush := m.platform.Subscribe(m.apply)
	m.mu.Lock()
	m.cancelPush = cancelPush
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
					errutil.LogMsg(err, "Failed to sample conditions")
				}
			}
		}
	}()
}

// Close stops sampling and releases the platform subscription.
func (m *Monitor) Close() {
	m.mu.Lock()
	stop, done, cancelPush := m.stop, m.done, m.cancelPush
	m.stop, m.cancelPush = nil, nil
	m.mu.Unlock()

	if cancelPush != nil {
		cancelPush()
	}
	if stop != nil {
		stop()
		<-done
	}
}

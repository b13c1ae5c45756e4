package conditions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StaticPlatform reports a settable snapshot and pushes every Set to subscribers.
type StaticPlatform struct {
	mu     sync.Mutex
	snap   Snapshot
	subs   map[int]func(Snapshot)
	nextID int
}

func NewStaticPlatform(snap Snapshot) *StaticPlatform {
	return &StaticPlatform{snap: snap, subs: make(map[int]func(Snapshot))}
}

// Online returns a wifi snapshot on mains power.
func Online() Snapshot {
	return Snapshot{
		Network: NetworkCondition{Type: NetworkWifi, Connected: true},
		Device:  DeviceCondition{BatteryLevel: 1, Charging: true},
	}
}

// Offline returns a disconnected snapshot.
func Offline() Snapshot {
	return Snapshot{
		Network: NetworkCondition{Type: NetworkNone},
		Device:  DeviceCondition{BatteryLevel: UnknownBattery},
	}
}

func (p *StaticPlatform) FetchOnce(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.snap
	s.SampledAt = time.Now()
	return s, nil
}

func (p *StaticPlatform) Subscribe(fn func(Snapshot)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Set replaces the snapshot and pushes it to subscribers.
func (p *StaticPlatform) Set(snap Snapshot) {
	p.mu.Lock()
	p.snap = snap
	subs := make([]func(Snapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	snap.SampledAt = time.Now()
	for _, fn := range subs {
		fn(snap)
	}
}

// ParseNetwork decodes a "type[/generation][,metered]" override such as "cellular/3g"
// or "wifi,metered". "none" and "offline" describe a disconnected network.
func ParseNetwork(s string) (NetworkCondition, error) {
	s, metered := strings.CutSuffix(strings.ToLower(strings.TrimSpace(s)), ",metered")
	kind, gen, _ := strings.Cut(s, "/")

	n := NetworkCondition{Type: NetworkType(kind), Generation: Generation(gen), Expensive: metered}
	switch n.Type {
	case NetworkNone, "offline":
		return NetworkCondition{Type: NetworkNone}, nil
	case NetworkWifi, NetworkEthernet, NetworkUnknown:
		if gen != "" {
			return NetworkCondition{}, fmt.Errorf("network %q has no generation", kind)
		}
	case NetworkCellular:
		switch n.Generation {
		case "", Gen2G, Gen3G, Gen4G, Gen5G:
		default:
			return NetworkCondition{}, fmt.Errorf("unknown cellular generation %q", gen)
		}
		n.Expensive = true
	default:
		return NetworkCondition{}, fmt.Errorf("unknown network type %q", kind)
	}
	n.Connected = true
	return n, nil
}

package strategy

import (
	"sync"
	"testing"
	"time"

	"github.com/lucasew/coachsync/internal/conditions"
)

func snap(t conditions.NetworkType, gen conditions.Generation, battery float64, lowPower bool) conditions.Snapshot {
	return conditions.Snapshot{
		Network: conditions.NetworkCondition{Type: t, Generation: gen, Connected: t != conditions.NetworkNone},
		Device:  conditions.DeviceCondition{BatteryLevel: battery, LowPowerMode: lowPower},
	}
}

func charging(s conditions.Snapshot) conditions.Snapshot {
	s.Device.Charging = true
	return s
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name        string
		in          conditions.Snapshot
		compression CompressionLevel
		preload     bool
		cache       CacheStrategy
		concurrency int
	}{
		{"wifi", snap(conditions.NetworkWifi, "", 0.9, false), CompressionMedium, true, CacheAggressive, 5},
		{"cellular 2g", snap(conditions.NetworkCellular, conditions.Gen2G, 0.9, false), CompressionHigh, false, CacheConservative, 1},
		{"cellular 3g", snap(conditions.NetworkCellular, conditions.Gen3G, 0.9, false), CompressionHigh, false, CacheConservative, 2},
		{"cellular 4g", snap(conditions.NetworkCellular, conditions.Gen4G, 0.9, false), CompressionMedium, false, CacheBalanced, 3},
		{"offline", snap(conditions.NetworkNone, "", 0.9, false), CompressionHigh, false, CacheConservative, 1},
		{"unknown network", snap(conditions.NetworkUnknown, "", 0.9, false), CompressionMedium, false, CacheBalanced, 2},
		{"wifi low battery", snap(conditions.NetworkWifi, "", 0.15, false), CompressionHigh, false, CacheConservative, 1},
		{"wifi low power", snap(conditions.NetworkWifi, "", 0.9, true), CompressionHigh, false, CacheConservative, 1},
		{"wifi unknown battery", snap(conditions.NetworkWifi, "", conditions.UnknownBattery, false), CompressionMedium, true, CacheAggressive, 5},
		{"wifi low battery charging", charging(snap(conditions.NetworkWifi, "", 0.10, false)), CompressionHigh, false, CacheConservative, 1},
		{"wifi charging", charging(snap(conditions.NetworkWifi, "", 0.9, false)), CompressionMedium, true, CacheAggressive, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.in)
			if got.CompressionLevel != tt.compression {
				t.Errorf("compression = %s, want %s", got.CompressionLevel, tt.compression)
			}
			if got.PreloadEnabled != tt.preload {
				t.Errorf("preload = %v, want %v", got.PreloadEnabled, tt.preload)
			}
			if got.CacheStrategy != tt.cache {
				t.Errorf("cache = %s, want %s", got.CacheStrategy, tt.cache)
			}
			if got.MaxConcurrency != tt.concurrency {
				t.Errorf("concurrency = %d, want %d", got.MaxConcurrency, tt.concurrency)
			}
		})
	}
}

func TestCompute_Pure(t *testing.T) {
	in := snap(conditions.NetworkCellular, conditions.Gen4G, 0.42, false)
	first := Compute(in)
	for i := 0; i < 100; i++ {
		in.SampledAt = time.Unix(int64(i), 0)
		if got := Compute(in); got != first {
			t.Fatalf("Compute not deterministic: %+v != %+v", got, first)
		}
	}

	// Charging is not an input of the rule table.
	for _, in := range []conditions.Snapshot{
		snap(conditions.NetworkWifi, "", 0.10, false),
		snap(conditions.NetworkWifi, "", 0.9, false),
		snap(conditions.NetworkCellular, conditions.Gen3G, 0.5, true),
	} {
		if a, b := Compute(in), Compute(charging(in)); a != b {
			t.Errorf("charging changed the strategy: %+v != %+v", a, b)
		}
	}
}

type source struct {
	mu   sync.Mutex
	snap conditions.Snapshot
}

func (s *source) Current() conditions.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *source) set(snap conditions.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

func TestEngine_Caching(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &source{snap: snap(conditions.NetworkWifi, "", 0.80, false)}
	e := NewEngine(src, 30*time.Second)
	e.SetClock(func() time.Time { return now })

	var changes int
	e.OnChange = func(Strategy) { changes++ }

	if got := e.Current(); got.MaxConcurrency != 5 {
		t.Fatalf("expected wifi strategy, got %+v", got)
	}

	// Small battery drift within the TTL keeps the cached strategy.
	src.set(snap(conditions.NetworkWifi, "", 0.75, false))
	now = now.Add(5 * time.Second)
	if got := e.Current(); got.MaxConcurrency != 5 {
		t.Errorf("expected cached strategy, got %+v", got)
	}

	// A >10% battery drop crossing the threshold recomputes early.
	src.set(snap(conditions.NetworkWifi, "", 0.10, false))
	now = now.Add(time.Second)
	if got := e.Current(); got.MaxConcurrency != 1 {
		t.Errorf("expected power-saving strategy, got %+v", got)
	}

	// Network type change recomputes early.
	src.set(snap(conditions.NetworkCellular, conditions.Gen4G, 0.10, false))
	now = now.Add(time.Second)
	if got := e.Current(); got.CacheStrategy != CacheConservative {
		t.Errorf("expected conservative strategy on low battery cellular, got %+v", got)
	}

	// Bandwidth still tracks the link under the power-saving overlay.
	if got := e.Current(); got.TargetBandwidthKbps != 4000 {
		t.Errorf("expected 4g bandwidth, got %d", got.TargetBandwidthKbps)
	}

	if changes != 3 {
		t.Errorf("expected 3 distinct strategies reported, got %d", changes)
	}
}

func TestEngine_TTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &source{snap: snap(conditions.NetworkCellular, conditions.Gen3G, 0.9, false)}
	e := NewEngine(src, 30*time.Second)
	e.SetClock(func() time.Time { return now })

	_ = e.Current()

	// Generation change is not material; it waits for the TTL.
	src.set(snap(conditions.NetworkCellular, conditions.Gen5G, 0.9, false))
	if got := e.Current(); got.MaxConcurrency != 2 {
		t.Errorf("expected cached 3g strategy, got %+v", got)
	}
	now = now.Add(31 * time.Second)
	if got := e.Current(); got.MaxConcurrency != 3 {
		t.Errorf("expected recomputed 5g strategy, got %+v", got)
	}
}

func TestMaterialChange(t *testing.T) {
	base := snap(conditions.NetworkWifi, "", 0.5, false)
	if MaterialChange(base, snap(conditions.NetworkWifi, "", 0.55, false)) {
		t.Error("5% battery delta should not be material")
	}
	if !MaterialChange(base, snap(conditions.NetworkWifi, "", 0.35, false)) {
		t.Error("15% battery delta should be material")
	}
	if !MaterialChange(base, snap(conditions.NetworkCellular, "", 0.5, false)) {
		t.Error("network type change should be material")
	}
	if !MaterialChange(base, snap(conditions.NetworkWifi, "", 0.5, true)) {
		t.Error("low power flip should be material")
	}
}

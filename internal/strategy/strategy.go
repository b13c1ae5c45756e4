// Package strategy maps sampled conditions to an optimization strategy.
package strategy

import (
	"github.com/lucasew/coachsync/internal/conditions"
)

type CompressionLevel string

const (
	CompressionLow    CompressionLevel = "low"
	CompressionMedium CompressionLevel = "medium"
	CompressionHigh   CompressionLevel = "high"
)

// Quality is the image quality hint sent to the object store for this level.
func (c CompressionLevel) Quality() int {
	switch c {
	case CompressionLow:
		return 90
	case CompressionHigh:
		return 50
	default:
		return 75
	}
}

type CacheStrategy string

const (
	CacheAggressive   CacheStrategy = "aggressive"
	CacheBalanced     CacheStrategy = "balanced"
	CacheConservative CacheStrategy = "conservative"
)

// Strategy sizes compression and concurrency for the current conditions.
type Strategy struct {
	CompressionLevel    CompressionLevel `json:"compressionLevel"`
	PreloadEnabled      bool             `json:"preloadEnabled"`
	CacheStrategy       CacheStrategy    `json:"cacheStrategy"`
	MaxConcurrency      int              `json:"maxConcurrency"`
	TargetBandwidthKbps int              `json:"targetBandwidthKbps"`
}

// LowBatteryThreshold is the battery level under which the power-saving overlay applies.
const LowBatteryThreshold = 0.20

// Compute is a pure function of the network, the battery level and the low-power flag.
func Compute(s conditions.Snapshot) Strategy {
	st := forNetwork(s.Network)

	lowBattery := s.Device.BatteryLevel >= 0 && s.Device.BatteryLevel < LowBatteryThreshold
	if lowBattery || s.Device.LowPowerMode {
		st.CompressionLevel = CompressionHigh
		st.PreloadEnabled = false
		st.CacheStrategy = CacheConservative
		st.MaxConcurrency = 1
	}
	return st
}

// Default is the strategy used before any condition was sampled.
func Default() Strategy {
	return forNetwork(conditions.NetworkCondition{Type: conditions.NetworkUnknown, Connected: true})
}

func forNetwork(n conditions.NetworkCondition) Strategy {
	if !n.Connected || n.Type == conditions.NetworkNone {
		return Strategy{
			CompressionLevel: CompressionHigh,
			CacheStrategy:    CacheConservative,
			MaxConcurrency:   1,
		}
	}

	switch n.Type {
	case conditions.NetworkWifi, conditions.NetworkEthernet:
		return Strategy{
			CompressionLevel:    CompressionMedium,
			PreloadEnabled:      true,
			CacheStrategy:       CacheAggressive,
			MaxConcurrency:      5,
			TargetBandwidthKbps: 25000,
		}
	case conditions.NetworkCellular:
		return forCellular(n.Generation)
	default:
		return Strategy{
			CompressionLevel:    CompressionMedium,
			CacheStrategy:       CacheBalanced,
			MaxConcurrency:      2,
			TargetBandwidthKbps: 1000,
		}
	}
}

func forCellular(gen conditions.Generation) Strategy {
	switch gen {
	case conditions.Gen2G:
		return Strategy{
			CompressionLevel:    CompressionHigh,
			CacheStrategy:       CacheConservative,
			MaxConcurrency:      1,
			TargetBandwidthKbps: 100,
		}
	case conditions.Gen3G:
		return Strategy{
			CompressionLevel:    CompressionHigh,
			CacheStrategy:       CacheConservative,
			MaxConcurrency:      2,
			TargetBandwidthKbps: 750,
		}
	case conditions.Gen4G:
		return Strategy{
			CompressionLevel:    CompressionMedium,
			CacheStrategy:       CacheBalanced,
			MaxConcurrency:      3,
			TargetBandwidthKbps: 4000,
		}
	case conditions.Gen5G:
		return Strategy{
			CompressionLevel:    CompressionMedium,
			CacheStrategy:       CacheBalanced,
			MaxConcurrency:      3,
			TargetBandwidthKbps: 20000,
		}
	default:
		return Strategy{
			CompressionLevel:    CompressionMedium,
			CacheStrategy:       CacheBalanced,
			MaxConcurrency:      3,
			TargetBandwidthKbps: 1500,
		}
	}
}

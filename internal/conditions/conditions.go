// Package conditions samples network and power state and pushes changes to subscribers.
package conditions

import (
	"context"
	"time"
)

// NetworkType is the class of the active network.
type NetworkType string

const (
	NetworkNone     NetworkType = "none"
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkEthernet NetworkType = "ethernet"
	NetworkUnknown  NetworkType = "unknown"
)

// Generation is the cellular generation, empty when not applicable or unknown.
type Generation string

const (
	Gen2G Generation = "2g"
	Gen3G Generation = "3g"
	Gen4G Generation = "4g"
	Gen5G Generation = "5g"
)

// UnknownBattery is the BatteryLevel reported when the platform has no battery data.
const UnknownBattery = -1

type NetworkCondition struct {
	Type       NetworkType `json:"type"`
	Generation Generation  `json:"generation,omitempty"`
	Connected  bool        `json:"connected"`
	// Expensive marks metered links.
	Expensive bool `json:"expensive"`
}

type DeviceCondition struct {
	// BatteryLevel is in [0,1], or UnknownBattery.
	BatteryLevel float64 `json:"batteryLevel"`
	LowPowerMode bool    `json:"lowPowerMode"`
	Charging     bool    `json:"charging"`
}

// Snapshot is one sample of the platform conditions.
type Snapshot struct {
	Network   NetworkCondition `json:"network"`
	Device    DeviceCondition  `json:"device"`
	SampledAt time.Time        `json:"sampledAt"`
}

// Online reports whether remote calls can be attempted.
func (s Snapshot) Online() bool {
	return s.Network.Connected && s.Network.Type != NetworkNone
}

// Same reports whether two snapshots describe the same conditions, ignoring SampledAt.
func (s Snapshot) Same(o Snapshot) bool {
	return s.Network == o.Network && s.Device == o.Device
}

// Platform is the connectivity/power collaborator.
type Platform interface {
	// FetchOnce samples the current conditions.
	FetchOnce(ctx context.Context) (Snapshot, error)
	// Subscribe registers fn for platform push events. The returned function cancels
	// the subscription.
	Subscribe(fn func(Snapshot)) (cancel func())
}

package conditions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// HostPlatform samples the machine it runs on. Interfaces come from gopsutil; battery
// and power profile are read from sysfs. It has no push source, so Subscribe never fires
// and the Monitor's timer drives sampling.
type HostPlatform struct {
	// SysRoot is the sysfs mount point, "/sys" when empty.
	SysRoot string
	// Interfaces overrides interface enumeration (tests).
	Interfaces func(ctx context.Context) (psnet.InterfaceStatList, error)
}

var (
	wifiPrefixes     = []string{"wl", "wlan", "wifi", "ath", "ra"}
	cellularPrefixes = []string{"wwan", "rmnet", "ccmni", "pdp_ip", "usb", "ppp"}
	ethernetPrefixes = []string{"eth", "en", "eno", "enp", "ens"}
)

func (h *HostPlatform) FetchOnce(ctx context.Context) (Snapshot, error) {
	network, err := h.network(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Network:   network,
		Device:    h.device(),
		SampledAt: time.Now(),
	}, nil
}

func (h *HostPlatform) Subscribe(fn func(Snapshot)) func() {
	return func() {}
}

func (h *HostPlatform) network(ctx context.Context) (NetworkCondition, error) {
	list := h.Interfaces
	if list == nil {
		list = psnet.InterfacesWithContext
	}
	ifaces, err := list(ctx)
	if err != nil {
		return NetworkCondition{}, fmt.Errorf("failed to list interfaces: %w", err)
	}

	found := map[NetworkType]bool{}
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		if len(iface.Addrs) == 0 {
			continue
		}
		found[classify(iface.Name)] = true
	}

	// Prefer the link a phone OS would route through.
	for _, t := range []NetworkType{NetworkWifi, NetworkEthernet, NetworkCellular, NetworkUnknown} {
		if found[t] {
			return NetworkCondition{
				Type:      t,
				Connected: true,
				Expensive: t == NetworkCellular,
			}, nil
		}
	}
	return NetworkCondition{Type: NetworkNone}, nil
}

func classify(name string) NetworkType {
	n := strings.ToLower(name)
	// Cellular first: "usb0" tethering would otherwise never match.
	for _, p := range cellularPrefixes {
		if strings.HasPrefix(n, p) {
			return NetworkCellular
		}
	}
	for _, p := range wifiPrefixes {
		if strings.HasPrefix(n, p) {
			return NetworkWifi
		}
	}
	for _, p := range ethernetPrefixes {
		if strings.HasPrefix(n, p) {
			return NetworkEthernet
		}
	}
	return NetworkUnknown
}

func (h *HostPlatform) device() DeviceCondition {
	root := h.SysRoot
	if root == "" {
		root = "/sys"
	}
	dev := DeviceCondition{BatteryLevel: UnknownBattery}

	supplies, _ := filepath.Glob(filepath.Join(root, "class", "power_supply", "*"))
	for _, dir := range supplies {
		if readTrimmed(filepath.Join(dir, "type")) != "Battery" {
			continue
		}
		capacity, err := strconv.Atoi(readTrimmed(filepath.Join(dir, "capacity")))
		if err != nil {
			continue
		}
		dev.BatteryLevel = float64(capacity) / 100
		status := readTrimmed(filepath.Join(dir, "status"))
		dev.Charging = status == "Charging" || status == "Full"
		break
	}

	profile := readTrimmed(filepath.Join(root, "firmware", "acpi", "platform_profile"))
	dev.LowPowerMode = profile == "low-power" || profile == "quiet"
	return dev
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

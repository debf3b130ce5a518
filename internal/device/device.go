// Package device reports the identity the agent registers with the
// cloud: platform family, device name, and the configured device id.
package device

import (
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// Info is the identity block sent to the registration endpoint.
type Info struct {
	ID   string `json:"deviceId"`
	OS   string `json:"deviceOs"`
	Name string `json:"deviceName"`
}

// Collect builds the device identity. name falls back to the hostname
// when empty.
func Collect(id, name string) Info {
	if name == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			name = h
		} else {
			name = "unknown"
		}
	}
	return Info{ID: id, OS: Platform(), Name: name}
}

// Platform maps the runtime OS to the cloud's platform identifiers:
// macos, windows, linux, or raspberry.
func Platform() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	case "windows":
		return "windows"
	case "linux":
		if isRaspberryPi() {
			return "raspberry"
		}
		return "linux"
	default:
		return runtime.GOOS
	}
}

// isRaspberryPi checks the device-tree model string, present on all
// Pi-family boards.
func isRaspberryPi() bool {
	data, err := os.ReadFile("/proc/device-tree/model")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "raspberry")
}

// HostSummary returns a diagnostic description of the host for the
// system-info tool's os section.
func HostSummary() map[string]any {
	out := map[string]any{
		"platform": Platform(),
	}
	if hi, err := host.Info(); err == nil {
		out["hostname"] = hi.Hostname
		out["os"] = hi.OS
		out["distribution"] = hi.Platform
		out["distribution_version"] = hi.PlatformVersion
		out["kernel_version"] = hi.KernelVersion
		out["arch"] = hi.KernelArch
	}
	return out
}

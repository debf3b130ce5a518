// Package sysinfo is the tool plugin that reports a snapshot of the
// host: operating system, CPU, memory, disks, network interfaces, and
// uptime. Callers may request a subset of sections; unknown section
// names are reported inside the result rather than failing it.
package sysinfo

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"deviceagent/internal/clock"
	"deviceagent/internal/device"
	"deviceagent/pkg/plugin"
)

const toolSystemInfo = "desktop.tool.system.info"

var allSections = []string{"os", "cpu", "memory", "disks", "network", "uptime"}

// Tool is the system-info tool plugin.
type Tool struct {
	logger *zap.Logger
	clk    clock.Clock

	collectors map[string]func() (any, error)
}

// NewTool creates a system-info tool from the plugin context.
func NewTool(ctx *plugin.Context) *Tool {
	t := &Tool{
		logger: ctx.Logger,
		clk:    ctx.Clock,
	}
	t.collectors = map[string]func() (any, error){
		"os":      t.collectOS,
		"cpu":     t.collectCPU,
		"memory":  t.collectMemory,
		"disks":   t.collectDisks,
		"network": t.collectNetwork,
		"uptime":  t.collectUptime,
	}
	return t
}

func (t *Tool) Name() string { return "sysinfo" }

func (t *Tool) Initialize() error {
	t.logger.Info("System info tool initialized")
	return nil
}

func (t *Tool) Shutdown() error {
	return nil
}

// Capabilities lists the single operation this tool owns.
func (t *Tool) Capabilities() []plugin.Capability {
	return []plugin.Capability{{
		Name:   toolSystemInfo,
		Params: []string{"sections"},
		Description: fmt.Sprintf(
			"Return a system snapshot. Optional 'sections' list filters output to specific keys: %s. Omit to receive all sections.",
			strings.Join(allSections, ", ")),
	}}
}

// SupportedTools returns the tool type names this plugin owns.
func (t *Tool) SupportedTools() []string {
	return []string{toolSystemInfo}
}

// Execute collects the requested sections. Sections that cannot be
// collected, and section names that do not exist, appear under the
// _errors key; the call fails only when nothing at all was collected.
func (t *Tool) Execute(toolType string, params map[string]any) (*plugin.ToolResult, error) {
	if toolType != toolSystemInfo {
		return plugin.ErrorResultf("unsupported tool: %s", toolType), nil
	}

	requested, err := sectionList(params["sections"])
	if err != nil {
		return plugin.ErrorResult(err.Error()), nil
	}
	if len(requested) == 0 {
		requested = allSections
	}

	data := make(map[string]any)
	collectErrors := make(map[string]string)
	for _, section := range requested {
		collect, ok := t.collectors[section]
		if !ok {
			collectErrors[section] = fmt.Sprintf("unknown section %q", section)
			continue
		}
		value, err := collect()
		if err != nil {
			t.logger.Error("Failed to collect section",
				zap.String("section", section), zap.Error(err))
			collectErrors[section] = err.Error()
			continue
		}
		data[section] = value
	}

	if len(data) == 0 && len(collectErrors) > 0 {
		return plugin.ErrorResultf("all sections failed: %v", collectErrors), nil
	}
	if len(collectErrors) > 0 {
		data["_errors"] = collectErrors
	}

	return plugin.SuccessResult(data), nil
}

// sectionList normalizes the sections parameter into a string slice.
// A missing parameter selects all sections; a non-list is an error.
func sectionList(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("'sections' must be a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("'sections' must be a list of strings")
	}
}

func (t *Tool) collectOS() (any, error) {
	return device.HostSummary(), nil
}

func (t *Tool) collectCPU() (any, error) {
	out := map[string]any{
		"model": "unknown",
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		out["model"] = infos[0].ModelName
		out["frequencyMhz"] = infos[0].Mhz
	}
	if physical, err := cpu.Counts(false); err == nil {
		out["physicalCores"] = physical
	}
	if logical, err := cpu.Counts(true); err == nil {
		out["logicalCores"] = logical
	}
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return nil, err
	}
	if len(percents) > 0 {
		out["usagePercent"] = percents[0]
	}
	return out, nil
}

func (t *Tool) collectMemory() (any, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"totalBytes":     vm.Total,
		"availableBytes": vm.Available,
		"usedBytes":      vm.Used,
		"usagePercent":   vm.UsedPercent,
	}
	if swap, err := mem.SwapMemory(); err == nil {
		out["swap"] = map[string]any{
			"totalBytes":   swap.Total,
			"usedBytes":    swap.Used,
			"freeBytes":    swap.Free,
			"usagePercent": swap.UsedPercent,
		}
	}
	return out, nil
}

func (t *Tool) collectDisks() (any, error) {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return nil, err
	}
	disks := make([]map[string]any, 0, len(partitions))
	for _, p := range partitions {
		entry := map[string]any{
			"device":     p.Device,
			"mountpoint": p.Mountpoint,
			"fstype":     p.Fstype,
		}
		// Usage needs read access to the mountpoint; skip quietly when
		// it is denied.
		if usage, err := disk.Usage(p.Mountpoint); err == nil {
			entry["totalBytes"] = usage.Total
			entry["usedBytes"] = usage.Used
			entry["freeBytes"] = usage.Free
			entry["usagePercent"] = usage.UsedPercent
		}
		disks = append(disks, entry)
	}
	return disks, nil
}

func (t *Tool) collectNetwork() (any, error) {
	ifaces, err := gnet.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(ifaces))
	for _, iface := range ifaces {
		ipv4 := make([]map[string]any, 0)
		ipv6 := make([]map[string]any, 0)
		for _, addr := range iface.Addrs {
			ipStr, _, found := strings.Cut(addr.Addr, "/")
			if !found {
				ipStr = addr.Addr
			}
			ip := net.ParseIP(ipStr)
			if ip == nil {
				continue
			}
			if ip.To4() != nil {
				ipv4 = append(ipv4, map[string]any{"address": ipStr})
			} else {
				ipv6 = append(ipv6, map[string]any{"address": ipStr})
			}
		}
		out = append(out, map[string]any{
			"name": iface.Name,
			"isUp": hasFlag(iface.Flags, "up"),
			"ipv4": ipv4,
			"ipv6": ipv6,
		})
	}
	return out, nil
}

func (t *Tool) collectUptime() (any, error) {
	bootEpoch, err := host.BootTime()
	if err != nil {
		return nil, err
	}
	boot := time.Unix(int64(bootEpoch), 0).UTC()
	now := t.clk.Now().UTC()
	return map[string]any{
		"bootTime":      boot.Format(time.RFC3339),
		"uptimeSeconds": int64(now.Sub(boot).Seconds()),
	}, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

package sysinfo

import (
	"deviceagent/pkg/plugin"
)

func init() {
	plugin.Register(plugin.Info{
		Name:        "sysinfo",
		Description: "Collects OS, CPU, memory, disk, network, and uptime information",
		Kind:        plugin.KindTool,
		Factory:     createPlugin,
	})
}

// createPlugin creates a new system-info tool instance from the plugin context.
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	return NewTool(ctx), nil
}

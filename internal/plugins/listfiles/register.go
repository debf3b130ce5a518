package listfiles

import (
	"deviceagent/pkg/plugin"
)

func init() {
	plugin.Register(plugin.Info{
		Name:        "listfiles",
		Description: "Lists files in a configured directory with name, size, and dates",
		Kind:        plugin.KindTool,
		Factory:     createPlugin,
	})
}

// createPlugin creates a new list-files tool instance from the plugin context.
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	return NewTool(ctx), nil
}

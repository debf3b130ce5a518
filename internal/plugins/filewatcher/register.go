package filewatcher

import (
	"deviceagent/pkg/plugin"
)

func init() {
	plugin.Register(plugin.Info{
		Name:        "filewatcher",
		Description: "Watches configured directories and emits file change events",
		Kind:        plugin.KindTrigger,
		Factory:     createPlugin,
	})
}

// createPlugin creates a new file watcher instance from the plugin context.
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	return NewWatcher(ctx), nil
}

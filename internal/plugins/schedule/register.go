package schedule

import (
	"deviceagent/pkg/plugin"
)

func init() {
	plugin.Register(plugin.Info{
		Name:        "schedule",
		Description: "Fires events on cron expressions and sunrise/sunset times",
		Kind:        plugin.KindTrigger,
		Factory:     createPlugin,
	})
}

// createPlugin creates a new scheduler instance from the plugin context.
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	return NewScheduler(ctx), nil
}

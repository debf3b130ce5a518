// Package agent ties the subsystems into one running process: it loads
// and starts the plugins, bridges their events onto the cloud client,
// routes server-pushed tool tasks back into the plugin manager, and
// tears everything down in order on shutdown.
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"deviceagent/internal/api"
	"deviceagent/internal/bus"
	"deviceagent/internal/cloud"
	"deviceagent/internal/config"
	"deviceagent/internal/device"
	"deviceagent/internal/plugins"
	"deviceagent/pkg/plugin"
)

// Agent owns the process lifecycle. It holds no domain logic of its
// own; every piece of work is delegated to the manager, the cloud
// client, or the control API, with the bus carrying events between
// them.
type Agent struct {
	cfg     *config.Config
	bus     *bus.Bus
	manager *plugins.Manager
	cloud   *cloud.Client
	api     *api.Server
	logger  *zap.Logger

	runCtx  context.Context
	trigSub *bus.Subscription
	taskSub *bus.Subscription
}

// New assembles an agent from its already-constructed parts. apiServer
// may be nil when the local control API is disabled.
func New(cfg *config.Config, b *bus.Bus, manager *plugins.Manager, cloudClient *cloud.Client, apiServer *api.Server, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		bus:     b,
		manager: manager,
		cloud:   cloudClient,
		api:     apiServer,
		logger:  logger.Named("agent"),
	}
}

// Run brings every subsystem up and blocks until ctx is cancelled. A
// failed device link or control API leaves the agent running with
// whatever still works; only plugin discovery failing is fatal.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx = ctx
	a.logger.Info("Starting agent",
		zap.String("device_id", a.cfg.DeviceID),
		zap.String("server_url", a.cfg.ServerURL))

	if err := a.manager.Discover(); err != nil {
		return fmt.Errorf("plugin discovery failed: %w", err)
	}
	a.manager.InitializeAll()

	// Wire the bus before triggers start so the first event a trigger
	// fires already has a route to the cloud.
	a.trigSub = a.bus.Subscribe(bus.TopicPluginEvent, a.onPluginEvent)
	a.taskSub = a.bus.SubscribeAsync(bus.TopicServerTool, a.onServerTool)

	a.manager.StartTriggers()

	a.linkAndConnect(ctx)

	if a.api != nil {
		if err := a.api.Start(); err != nil {
			a.logger.Error("Control API failed to start", zap.Error(err))
		}
	}

	a.logger.Info("Agent running",
		zap.Int("triggers", len(a.manager.Triggers())),
		zap.Int("tools", len(a.manager.Tools())))

	<-ctx.Done()
	a.shutdown()
	return nil
}

// linkAndConnect registers the device and its capabilities with the
// server, then opens the streaming connection when auto-connect is on.
// A failed link keeps the agent offline but running; triggers keep
// firing and the control API keeps serving.
func (a *Agent) linkAndConnect(ctx context.Context) {
	info := device.Collect(a.cfg.DeviceID, a.cfg.DeviceName)
	manifest := a.manager.Capabilities()

	if err := a.cloud.LinkDevice(ctx, info, &manifest); err != nil {
		a.logger.Warn("Device link failed, staying offline", zap.Error(err))
		return
	}
	if !a.cfg.AutoConnect {
		a.logger.Info("Auto-connect disabled, not opening stream")
		return
	}
	if err := a.cloud.Connect(); err != nil {
		a.logger.Warn("Connect failed", zap.Error(err))
	}
}

// onPluginEvent forwards one trigger event to the cloud. Delivery runs
// on its own goroutine so a slow or retrying HTTP call never blocks
// the trigger that published the event.
func (a *Agent) onPluginEvent(data any) error {
	event, ok := data.(plugin.PluginEvent)
	if !ok {
		return fmt.Errorf("unexpected payload type %T on %s", data, bus.TopicPluginEvent)
	}

	payload := cloud.NewTriggerPayload(event.EventName, event.Data, a.cfg.DeviceID, config.SourceID)
	a.logger.Debug("Forwarding trigger event",
		zap.String("plugin", event.PluginID),
		zap.String("event", event.EventName))

	go a.cloud.SendTrigger(a.runCtx, payload)
	return nil
}

// onServerTool executes a tool task pushed by the server and publishes
// the result for local consumers.
func (a *Agent) onServerTool(data any) error {
	task, ok := data.(*cloud.ToolTask)
	if !ok {
		return fmt.Errorf("unexpected payload type %T on %s", data, bus.TopicServerTool)
	}

	result := a.manager.ExecuteTool(task.Type, task.Parameters)
	a.bus.Publish(bus.TopicToolResult, result)
	return nil
}

// shutdown stops subsystems in reverse start order: the control API
// first so no new work arrives, then the cloud link, then the
// triggers, and finally every plugin.
func (a *Agent) shutdown() {
	a.logger.Info("Shutting down agent")

	if a.api != nil {
		if err := a.api.Stop(); err != nil {
			a.logger.Warn("Control API shutdown failed", zap.Error(err))
		}
	}
	a.cloud.Disconnect()
	a.manager.StopTriggers()

	a.trigSub.Unsubscribe()
	a.taskSub.Unsubscribe()

	a.manager.ShutdownAll()
	a.logger.Info("Agent stopped")
}

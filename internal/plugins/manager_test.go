package plugins

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deviceagent/internal/bus"
	"deviceagent/internal/clock"
	"deviceagent/pkg/plugin"
)

type fakeTrigger struct {
	name          string
	initErr       error
	startErr      error
	initCalls     int
	startCalls    int
	stopCalls     int
	shutdownCalls int
	running       bool
	emit          plugin.EmitFunc
}

func (f *fakeTrigger) Name() string { return f.name }

func (f *fakeTrigger) Initialize() error {
	f.initCalls++
	return f.initErr
}

func (f *fakeTrigger) Shutdown() error {
	f.shutdownCalls++
	return nil
}

func (f *fakeTrigger) Capabilities() []plugin.Capability {
	return []plugin.Capability{{
		Name:        "desktop.trigger." + f.name + ".fired",
		Description: f.name + " fired",
	}}
}

func (f *fakeTrigger) Start(emit plugin.EmitFunc) error {
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.emit = emit
	f.running = true
	return nil
}

func (f *fakeTrigger) Stop() error {
	f.stopCalls++
	f.running = false
	return nil
}

func (f *fakeTrigger) Running() bool { return f.running }

type fakeTool struct {
	name      string
	tools     []string
	execErr   error
	panics    bool
	execCalls int
}

func (f *fakeTool) Name() string      { return f.name }
func (f *fakeTool) Initialize() error { return nil }
func (f *fakeTool) Shutdown() error   { return nil }

func (f *fakeTool) Capabilities() []plugin.Capability {
	caps := make([]plugin.Capability, 0, len(f.tools))
	for _, toolType := range f.tools {
		caps = append(caps, plugin.Capability{Name: toolType, Description: "handled by " + f.name})
	}
	return caps
}

func (f *fakeTool) SupportedTools() []string { return f.tools }

func (f *fakeTool) Execute(toolType string, params map[string]any) (*plugin.ToolResult, error) {
	f.execCalls++
	if f.panics {
		panic("tool exploded")
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	return plugin.SuccessResult(map[string]any{"owner": f.name, "tool": toolType}), nil
}

func registerTrigger(t *testing.T, id string, f *fakeTrigger) {
	t.Helper()
	require.NoError(t, plugin.Register(plugin.Info{
		Name: id,
		Kind: plugin.KindTrigger,
		Factory: func(ctx *plugin.Context) (plugin.Plugin, error) {
			return f, nil
		},
	}))
}

func registerTool(t *testing.T, id string, f *fakeTool) {
	t.Helper()
	require.NoError(t, plugin.Register(plugin.Info{
		Name: id,
		Kind: plugin.KindTool,
		Factory: func(ctx *plugin.Context) (plugin.Plugin, error) {
			return f, nil
		},
	}))
}

func writeInstall(t *testing.T, root, subdir, id, manifest string) {
	t.Helper()
	dir := filepath.Join(root, subdir, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o644))
}

func newTestManager(t *testing.T, dir string) (*Manager, *bus.Bus, *clock.Mock) {
	t.Helper()
	t.Cleanup(plugin.ClearGlobal)
	plugin.ClearGlobal()

	logger := zap.NewNop()
	b := bus.New(logger)
	clk := clock.NewMock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(dir, b, logger, clk), b, clk
}

func TestDiscoverLoadsRegisteredPlugins(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	trig := &fakeTrigger{name: "watcher"}
	tool := &fakeTool{name: "files", tools: []string{"desktop.tool.files.list"}}
	registerTrigger(t, "watcher", trig)
	registerTool(t, "files", tool)

	writeInstall(t, root, "triggers", "watcher", "enabled: true\n")
	writeInstall(t, root, "tools", "files", "settings:\n  base_dir: /tmp\n")

	require.NoError(t, m.Discover())

	require.Len(t, m.Triggers(), 1)
	require.Len(t, m.Tools(), 1)
	assert.Equal(t, StateLoaded, m.records["watcher"].State)
	assert.True(t, m.records["files"].Enabled, "enabled defaults to true when omitted")
	assert.Empty(t, m.FailedPlugins())

	manifest := m.Capabilities()
	assert.Contains(t, manifest.Triggers, "desktop.trigger.watcher.fired")
	assert.Contains(t, manifest.Tools, "desktop.tool.files.list")
}

func TestDiscoverPassesSettingsToFactory(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	var got *plugin.Context
	require.NoError(t, plugin.Register(plugin.Info{
		Name: "files",
		Kind: plugin.KindTool,
		Factory: func(ctx *plugin.Context) (plugin.Plugin, error) {
			got = ctx
			return &fakeTool{name: "files", tools: []string{"desktop.tool.files.list"}}, nil
		},
	}))
	writeInstall(t, root, "tools", "files", "settings:\n  base_dir: /srv/shared\n  max_results: 50\n")

	require.NoError(t, m.Discover())
	require.NotNil(t, got)
	assert.Equal(t, "/srv/shared", got.StringSetting("base_dir", ""))
	assert.Equal(t, 50, got.IntSetting("max_results", 0))
	assert.Equal(t, filepath.Join(root, "tools", "files"), got.Dir)
}

func TestDiscoverIsolatesFatalFailures(t *testing.T) {
	root := t.TempDir()
	m, _, clk := newTestManager(t, root)

	good := &fakeTool{name: "good", tools: []string{"desktop.tool.good.run"}}
	registerTool(t, "good", good)
	require.NoError(t, plugin.Register(plugin.Info{
		Name: "broken",
		Kind: plugin.KindTool,
		Factory: func(ctx *plugin.Context) (plugin.Plugin, error) {
			return nil, errors.New("missing native dependency")
		},
	}))
	require.NoError(t, plugin.Register(plugin.Info{
		Name: "panicky",
		Kind: plugin.KindTool,
		Factory: func(ctx *plugin.Context) (plugin.Plugin, error) {
			panic("constructor blew up")
		},
	}))

	writeInstall(t, root, "tools", "broken", "enabled: true\n")
	writeInstall(t, root, "tools", "good", "enabled: true\n")
	writeInstall(t, root, "tools", "panicky", "enabled: true\n")

	require.NoError(t, m.Discover())

	// The healthy sibling loads despite both failures.
	require.Len(t, m.Tools(), 1)
	assert.Equal(t, "good", m.Tools()[0].ID)

	failed := m.FailedPlugins()
	require.Len(t, failed, 2)
	assert.Contains(t, failed["broken"].Message, "missing native dependency")
	assert.Contains(t, failed["panicky"].Message, "panicked")
	assert.True(t, failed["broken"].Fatal)
	assert.Equal(t, clk.Now(), failed["broken"].Timestamp)

	// Fatally failed plugins are invisible to routing and capabilities.
	manifest := m.Capabilities()
	assert.Len(t, manifest.Tools, 1)
	result := m.ExecuteTool("desktop.tool.good.run", nil)
	assert.True(t, result.Success)
}

func TestDiscoverSkipsNonPlugins(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	// A bare directory with no entry point is not a candidate.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tools", "notes"), 0o755))
	// An install naming an unregistered plugin fails fatally.
	writeInstall(t, root, "tools", "ghost", "enabled: true\n")

	require.NoError(t, m.Discover())
	assert.Empty(t, m.Tools())

	failed := m.FailedPlugins()
	require.Len(t, failed, 1)
	assert.Contains(t, failed["ghost"].Message, "no registered plugin")
}

func TestDiscoverRejectsKindMismatch(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	registerTool(t, "files", &fakeTool{name: "files", tools: []string{"desktop.tool.files.list"}})
	writeInstall(t, root, "triggers", "files", "enabled: true\n")

	require.NoError(t, m.Discover())
	assert.Empty(t, m.Triggers())
	assert.Contains(t, m.FailedPlugins()["files"].Message, "registered as a tool")
}

func TestDisabledPluginStaysDormant(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	trig := &fakeTrigger{name: "watcher"}
	tool := &fakeTool{name: "files", tools: []string{"desktop.tool.files.list"}}
	registerTrigger(t, "watcher", trig)
	registerTool(t, "files", tool)

	writeInstall(t, root, "triggers", "watcher", "enabled: false\n")
	writeInstall(t, root, "tools", "files", "enabled: false\n")

	require.NoError(t, m.Discover())
	m.InitializeAll()
	m.StartTriggers()

	assert.Equal(t, 0, trig.initCalls)
	assert.Equal(t, 0, trig.startCalls)
	assert.False(t, trig.running)

	manifest := m.Capabilities()
	assert.Empty(t, manifest.Triggers)
	assert.Empty(t, manifest.Tools)

	result := m.ExecuteTool("desktop.tool.files.list", map[string]any{})
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "disabled")
	assert.Equal(t, 0, tool.execCalls)
}

func TestInitializeAllRecordsNonFatalErrors(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	flaky := &fakeTrigger{name: "flaky", initErr: errors.New("device not ready")}
	healthy := &fakeTrigger{name: "healthy"}
	registerTrigger(t, "flaky", flaky)
	registerTrigger(t, "healthy", healthy)

	writeInstall(t, root, "triggers", "flaky", "enabled: true\n")
	writeInstall(t, root, "triggers", "healthy", "enabled: true\n")

	require.NoError(t, m.Discover())
	m.InitializeAll()

	// The failure is recorded but the plugin stays registered.
	assert.Empty(t, m.FailedPlugins())
	require.Len(t, m.AllErrors(), 1)
	assert.Equal(t, ErrorInitialize, m.AllErrors()[0].Type)
	assert.False(t, m.AllErrors()[0].Fatal)
	assert.Len(t, m.Triggers(), 2)
	assert.Equal(t, StateInitialized, m.records["healthy"].State)
	assert.Equal(t, StateLoaded, m.records["flaky"].State)
}

func TestStartStopTriggersIdempotent(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	trig := &fakeTrigger{name: "watcher"}
	registerTrigger(t, "watcher", trig)
	writeInstall(t, root, "triggers", "watcher", "enabled: true\n")

	require.NoError(t, m.Discover())
	m.InitializeAll()

	m.StartTriggers()
	m.StartTriggers()
	assert.Equal(t, 1, trig.startCalls)
	assert.Equal(t, StateRunning, m.records["watcher"].State)

	m.StopTriggers()
	m.StopTriggers()
	assert.Equal(t, 1, trig.stopCalls)
	assert.Equal(t, StateStopped, m.records["watcher"].State)
}

func TestStartTriggersRecordsFailuresNonFatal(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	bad := &fakeTrigger{name: "bad", startErr: errors.New("port in use")}
	registerTrigger(t, "bad", bad)
	writeInstall(t, root, "triggers", "bad", "enabled: true\n")

	require.NoError(t, m.Discover())
	m.StartTriggers()

	assert.False(t, bad.running)
	assert.Empty(t, m.FailedPlugins())
	require.Len(t, m.AllErrors(), 1)
	assert.Equal(t, ErrorStart, m.AllErrors()[0].Type)

	// Still registered; a later start may succeed.
	bad.startErr = nil
	m.StartTriggers()
	assert.True(t, bad.running)
}

func TestExecuteToolFailures(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	tool := &fakeTool{name: "files", tools: []string{"desktop.tool.files.list"}}
	registerTool(t, "files", tool)
	writeInstall(t, root, "tools", "files", "enabled: true\n")
	require.NoError(t, m.Discover())

	t.Run("unknown type never errors out", func(t *testing.T) {
		result := m.ExecuteTool("unknown.type", map[string]any{})
		require.NotNil(t, result)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "no handler")

		result = m.ExecuteTool("unknown.type", nil)
		require.NotNil(t, result)
		assert.False(t, result.Success)
	})

	t.Run("handler error becomes result", func(t *testing.T) {
		tool.execErr = errors.New("permission denied")
		defer func() { tool.execErr = nil }()

		result := m.ExecuteTool("desktop.tool.files.list", map[string]any{"path": "/root"})
		require.NotNil(t, result)
		assert.False(t, result.Success)
		assert.Equal(t, "permission denied", result.Error)
	})

	t.Run("handler panic is contained", func(t *testing.T) {
		tool.panics = true
		defer func() { tool.panics = false }()

		var result *plugin.ToolResult
		assert.NotPanics(t, func() {
			result = m.ExecuteTool("desktop.tool.files.list", map[string]any{})
		})
		require.NotNil(t, result)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "panicked")

		// The plugin remains callable afterwards.
		result = m.ExecuteTool("desktop.tool.files.list", map[string]any{})
		assert.False(t, result.Success)
	})

	t.Run("success round trip", func(t *testing.T) {
		result := m.ExecuteTool("desktop.tool.files.list", map[string]any{})
		require.NotNil(t, result)
		assert.True(t, result.Success)
		assert.Equal(t, "files", result.Data["owner"])
	})
}

func TestToolRoutingLastRegistrationWins(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	shared := "desktop.tool.shared.run"
	alpha := &fakeTool{name: "alpha", tools: []string{shared}}
	beta := &fakeTool{name: "beta", tools: []string{shared}}
	registerTool(t, "alpha", alpha)
	registerTool(t, "beta", beta)

	writeInstall(t, root, "tools", "alpha", "enabled: true\n")
	writeInstall(t, root, "tools", "beta", "enabled: true\n")

	require.NoError(t, m.Discover())

	// Directory scan order is lexicographic, so beta declares last and owns
	// the colliding type.
	result := m.ExecuteTool(shared, nil)
	require.True(t, result.Success)
	assert.Equal(t, "beta", result.Data["owner"])
	assert.Equal(t, 0, alpha.execCalls)

	manifest := m.Capabilities()
	assert.Equal(t, "handled by beta", manifest.Tools[shared].Description)
}

func TestEmitPublishesPluginEvent(t *testing.T) {
	root := t.TempDir()
	m, b, _ := newTestManager(t, root)

	trig := &fakeTrigger{name: "watcher"}
	registerTrigger(t, "watcher", trig)
	writeInstall(t, root, "triggers", "watcher", "enabled: true\n")

	require.NoError(t, m.Discover())
	m.StartTriggers()
	require.NotNil(t, trig.emit)

	var events []plugin.PluginEvent
	b.Subscribe(bus.TopicPluginEvent, func(data any) error {
		events = append(events, data.(plugin.PluginEvent))
		return nil
	})

	trig.emit("device.test", map[string]any{"k": "v"})

	require.Len(t, events, 1)
	assert.Equal(t, "watcher", events[0].PluginID)
	assert.Equal(t, "device.test", events[0].EventName)
	assert.Equal(t, map[string]any{"k": "v"}, events[0].Data)

	trig.emit("device.empty", nil)
	require.Len(t, events, 2)
	assert.NotNil(t, events[1].Data)
}

func TestShutdownAllStopsEverything(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	trig := &fakeTrigger{name: "watcher"}
	tool := &fakeTool{name: "files", tools: []string{"desktop.tool.files.list"}}
	registerTrigger(t, "watcher", trig)
	registerTool(t, "files", tool)

	writeInstall(t, root, "triggers", "watcher", "enabled: true\n")
	writeInstall(t, root, "tools", "files", "enabled: true\n")

	require.NoError(t, m.Discover())
	m.InitializeAll()
	m.StartTriggers()
	require.True(t, trig.running)

	m.ShutdownAll()

	assert.Equal(t, 1, trig.stopCalls)
	assert.Equal(t, 1, trig.shutdownCalls)
	assert.False(t, trig.running)
	assert.Equal(t, StateShutdown, m.records["watcher"].State)
	assert.Equal(t, StateShutdown, m.records["files"].State)
}

func TestCapabilitiesBuiltFresh(t *testing.T) {
	root := t.TempDir()
	m, _, _ := newTestManager(t, root)

	registerTool(t, "files", &fakeTool{name: "files", tools: []string{"desktop.tool.files.list"}})
	writeInstall(t, root, "tools", "files", "enabled: true\n")
	require.NoError(t, m.Discover())

	first := m.Capabilities()
	first.Tools["injected"] = plugin.Capability{Name: "injected"}

	second := m.Capabilities()
	assert.NotContains(t, second.Tools, "injected")
}

// Package plugins turns a directory tree of capability-plugin installs into
// a safely isolated, routable set of live plugin instances. A single broken
// plugin never prevents the remaining plugins, or the agent itself, from
// operating.
package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"deviceagent/internal/bus"
	"deviceagent/internal/clock"
	"deviceagent/pkg/plugin"
)

// entryPointFile marks a subdirectory as a plugin install.
const entryPointFile = "plugin.yaml"

// State tracks a plugin's position in its lifecycle.
type State int

const (
	StateDiscovered State = iota
	StateLoaded
	StateInitialized
	StateRunning
	StateStopped
	StateFailed
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ErrorType classifies which operation a plugin failed in.
type ErrorType string

const (
	ErrorLoad       ErrorType = "load"
	ErrorInitialize ErrorType = "initialize"
	ErrorStart      ErrorType = "start"
	ErrorExecute    ErrorType = "execute"
)

// PluginError records one failed plugin operation. Fatal errors exclude the
// plugin from routing and capability aggregation for the process lifetime.
type PluginError struct {
	PluginID   string    `json:"pluginId"`
	PluginName string    `json:"pluginName"`
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Fatal      bool      `json:"fatal"`
}

// Record is the manager's book-keeping for one loaded plugin. ID is the
// install-directory name; Enabled comes from plugin.yaml at load time and is
// immutable for the process lifetime.
type Record struct {
	ID      string
	Kind    plugin.Kind
	Enabled bool
	State   State

	plugin plugin.Plugin
}

// Name returns the plugin's self-reported display name.
func (r *Record) Name() string {
	return r.plugin.Name()
}

// manifestFile is the schema of a plugin.yaml entry point.
type manifestFile struct {
	Enabled  *bool          `yaml:"enabled"`
	Settings map[string]any `yaml:"settings"`
}

// Manager owns discovery, lifecycle, and routing for all installed plugins.
// The records and routing tables are mutated only during Discover, before
// any concurrent access begins, so steady-state reads take no lock.
type Manager struct {
	dir    string
	bus    *bus.Bus
	logger *zap.Logger
	clk    clock.Clock

	records    map[string]*Record
	order      []string
	toolOwners map[string]string

	errMu  sync.Mutex
	errors []PluginError
}

// NewManager creates a manager rooted at dir, which holds the triggers/ and
// tools/ install trees.
func NewManager(dir string, b *bus.Bus, logger *zap.Logger, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Manager{
		dir:        dir,
		bus:        b,
		logger:     logger.Named("plugins"),
		clk:        clk,
		records:    make(map[string]*Record),
		toolOwners: make(map[string]string),
	}
}

// Discover scans the triggers/ and tools/ subdirectories one level deep and
// loads every candidate independently. One candidate's fatal failure never
// aborts discovery of its siblings.
func (m *Manager) Discover() error {
	roots := []struct {
		kind   plugin.Kind
		subdir string
	}{
		{plugin.KindTrigger, "triggers"},
		{plugin.KindTool, "tools"},
	}

	for _, root := range roots {
		dir := filepath.Join(m.dir, root.subdir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				m.logger.Debug("Plugin directory missing, skipping", zap.String("dir", dir))
				continue
			}
			m.logger.Warn("Failed to read plugin directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			m.loadCandidate(root.kind, filepath.Join(dir, entry.Name()), entry.Name())
		}
	}

	m.logger.Info("Plugin discovery complete",
		zap.Int("loaded", len(m.order)),
		zap.Int("failed", len(m.FailedPlugins())))
	return nil
}

// loadCandidate loads a single install directory. Any failure is fatal for
// this plugin only.
func (m *Manager) loadCandidate(kind plugin.Kind, dir, id string) {
	raw, err := os.ReadFile(filepath.Join(dir, entryPointFile))
	if err != nil {
		if os.IsNotExist(err) {
			// A bare directory, not a plugin install.
			return
		}
		m.recordError(id, "", ErrorLoad, fmt.Errorf("failed to read %s: %w", entryPointFile, err), true)
		return
	}

	if _, exists := m.records[id]; exists {
		m.logger.Error("Duplicate plugin id, ignoring candidate",
			zap.String("plugin", id), zap.String("dir", dir))
		return
	}

	var mf manifestFile
	if err := yaml.Unmarshal(raw, &mf); err != nil {
		m.recordError(id, "", ErrorLoad, fmt.Errorf("failed to parse %s: %w", entryPointFile, err), true)
		return
	}
	enabled := mf.Enabled == nil || *mf.Enabled

	info, ok := plugin.Lookup(id)
	if !ok {
		m.recordError(id, "", ErrorLoad, fmt.Errorf("no registered plugin named %q", id), true)
		return
	}
	if info.Kind != kind {
		m.recordError(id, info.Name, ErrorLoad,
			fmt.Errorf("plugin is registered as a %s but installed under %s/", info.Kind, kind+"s"), true)
		return
	}

	pctx := plugin.NewContext(m.logger.Named(id), mf.Settings, dir, m.clk)
	p, err := m.instantiate(info, pctx)
	if err != nil {
		m.recordError(id, info.Name, ErrorLoad, err, true)
		return
	}

	switch kind {
	case plugin.KindTrigger:
		if _, ok := p.(plugin.Trigger); !ok {
			m.recordError(id, p.Name(), ErrorLoad, errors.New("plugin does not implement the Trigger interface"), true)
			return
		}
	case plugin.KindTool:
		tool, ok := p.(plugin.Tool)
		if !ok {
			m.recordError(id, p.Name(), ErrorLoad, errors.New("plugin does not implement the Tool interface"), true)
			return
		}
		for _, toolType := range tool.SupportedTools() {
			if prev, taken := m.toolOwners[toolType]; taken {
				m.logger.Warn("Tool type already registered, overriding",
					zap.String("tool", toolType),
					zap.String("previous", prev),
					zap.String("owner", id))
			}
			m.toolOwners[toolType] = id
		}
	}

	m.records[id] = &Record{ID: id, Kind: kind, Enabled: enabled, State: StateLoaded, plugin: p}
	m.order = append(m.order, id)
	m.logger.Info("Plugin loaded",
		zap.String("plugin", id),
		zap.String("kind", string(kind)),
		zap.Bool("enabled", enabled))
}

// instantiate runs the registered factory, converting a panic into a load
// error.
func (m *Manager) instantiate(info plugin.Info, pctx *plugin.Context) (p plugin.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("factory panicked: %v", r)
		}
	}()

	p, err = info.Factory(pctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("factory returned nil plugin")
	}
	return p, nil
}

// InitializeAll calls Initialize on every enabled plugin. Failures are
// recorded non-fatal; the plugin stays registered.
func (m *Manager) InitializeAll() {
	for _, id := range m.order {
		rec := m.records[id]
		if !rec.Enabled {
			continue
		}
		if err := m.safeInitialize(rec); err != nil {
			m.recordError(rec.ID, rec.Name(), ErrorInitialize, err, false)
			continue
		}
		rec.State = StateInitialized
		m.logger.Info("Plugin initialized", zap.String("plugin", rec.ID))
	}
}

func (m *Manager) safeInitialize(rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize panicked: %v", r)
		}
	}()
	return rec.plugin.Initialize()
}

// StartTriggers starts every enabled trigger that is not already running.
// Starting a running trigger is a no-op, not an error.
func (m *Manager) StartTriggers() {
	for _, id := range m.order {
		rec := m.records[id]
		if rec.Kind != plugin.KindTrigger || !rec.Enabled {
			continue
		}
		trig := rec.plugin.(plugin.Trigger)
		if trig.Running() {
			continue
		}
		if err := m.safeStart(rec, trig); err != nil {
			m.recordError(rec.ID, rec.Name(), ErrorStart, err, false)
			continue
		}
		rec.State = StateRunning
		m.logger.Info("Trigger started", zap.String("plugin", rec.ID))
	}
}

func (m *Manager) safeStart(rec *Record, trig plugin.Trigger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start panicked: %v", r)
		}
	}()
	return trig.Start(m.emitFunc(rec))
}

// emitFunc builds the callback a trigger uses to hand events to the core.
// The event bus is the sole dispatch path out of a plugin.
func (m *Manager) emitFunc(rec *Record) plugin.EmitFunc {
	return func(eventName string, data map[string]any) {
		if data == nil {
			data = map[string]any{}
		}
		m.bus.Publish(bus.TopicPluginEvent, plugin.PluginEvent{
			PluginID:  rec.ID,
			EventName: eventName,
			Data:      data,
		})
	}
}

// StopTriggers stops every running trigger. Stopping a stopped trigger is a
// no-op, not an error.
func (m *Manager) StopTriggers() {
	for _, id := range m.order {
		rec := m.records[id]
		if rec.Kind != plugin.KindTrigger {
			continue
		}
		trig := rec.plugin.(plugin.Trigger)
		if !trig.Running() {
			continue
		}
		if err := m.safeStop(trig); err != nil {
			m.logger.Error("Failed to stop trigger", zap.String("plugin", rec.ID), zap.Error(err))
			continue
		}
		rec.State = StateStopped
		m.logger.Info("Trigger stopped", zap.String("plugin", rec.ID))
	}
}

func (m *Manager) safeStop(trig plugin.Trigger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stop panicked: %v", r)
		}
	}()
	return trig.Stop()
}

// ExecuteTool routes a tool invocation to its owning plugin. It never
// panics and never returns nil; every failure becomes a ToolResult.
func (m *Manager) ExecuteTool(toolType string, params map[string]any) *plugin.ToolResult {
	ownerID, ok := m.toolOwners[toolType]
	if !ok {
		m.logger.Warn("No handler for tool type", zap.String("tool", toolType))
		return plugin.ErrorResultf("no handler for %s", toolType)
	}

	rec := m.records[ownerID]
	if !rec.Enabled {
		m.logger.Warn("Tool handler is disabled",
			zap.String("tool", toolType), zap.String("plugin", ownerID))
		return plugin.ErrorResultf("handler %s is disabled", rec.Name())
	}

	result, err := m.safeExecute(rec, toolType, params)
	if err != nil {
		m.recordError(rec.ID, rec.Name(), ErrorExecute, err, false)
		return plugin.ErrorResult(err.Error())
	}
	if result == nil {
		return plugin.ErrorResultf("handler %s returned no result", rec.Name())
	}
	return result
}

func (m *Manager) safeExecute(rec *Record, toolType string, params map[string]any) (result *plugin.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	if params == nil {
		params = map[string]any{}
	}
	return rec.plugin.(plugin.Tool).Execute(toolType, params)
}

// Capabilities aggregates the manifest fresh from enabled plugins. Name
// collisions follow the same last-write-wins rule as tool routing.
func (m *Manager) Capabilities() plugin.Manifest {
	manifest := plugin.NewManifest()
	for _, id := range m.order {
		rec := m.records[id]
		if !rec.Enabled {
			continue
		}
		for _, c := range rec.plugin.Capabilities() {
			switch rec.Kind {
			case plugin.KindTrigger:
				manifest.Triggers[c.Name] = c
			case plugin.KindTool:
				manifest.Tools[c.Name] = c
			}
		}
	}
	return manifest
}

// ShutdownAll stops running triggers, then shuts every loaded plugin down.
// Each call is isolated; one plugin's failure never blocks another's
// shutdown.
func (m *Manager) ShutdownAll() {
	m.StopTriggers()
	for _, id := range m.order {
		rec := m.records[id]
		if err := m.safeShutdown(rec); err != nil {
			m.logger.Error("Failed to shut down plugin", zap.String("plugin", rec.ID), zap.Error(err))
			continue
		}
		rec.State = StateShutdown
		m.logger.Info("Plugin shut down", zap.String("plugin", rec.ID))
	}
}

func (m *Manager) safeShutdown(rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panicked: %v", r)
		}
	}()
	return rec.plugin.Shutdown()
}

// Triggers returns the loaded trigger records in discovery order.
func (m *Manager) Triggers() []*Record {
	return m.recordsOfKind(plugin.KindTrigger)
}

// Tools returns the loaded tool records in discovery order.
func (m *Manager) Tools() []*Record {
	return m.recordsOfKind(plugin.KindTool)
}

func (m *Manager) recordsOfKind(kind plugin.Kind) []*Record {
	var out []*Record
	for _, id := range m.order {
		if rec := m.records[id]; rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// SupportedTools returns every routable tool type.
func (m *Manager) SupportedTools() []string {
	out := make([]string, 0, len(m.toolOwners))
	for toolType := range m.toolOwners {
		out = append(out, toolType)
	}
	return out
}

// FailedPlugins returns the plugins excluded by fatal errors, keyed by
// plugin id.
func (m *Manager) FailedPlugins() map[string]PluginError {
	m.errMu.Lock()
	defer m.errMu.Unlock()

	failed := make(map[string]PluginError)
	for _, e := range m.errors {
		if e.Fatal {
			failed[e.PluginID] = e
		}
	}
	return failed
}

// AllErrors returns every recorded plugin error, fatal and non-fatal, in
// the order they happened.
func (m *Manager) AllErrors() []PluginError {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return append([]PluginError(nil), m.errors...)
}

func (m *Manager) recordError(id, name string, typ ErrorType, opErr error, fatal bool) {
	if name == "" {
		name = id
	}
	m.errMu.Lock()
	m.errors = append(m.errors, PluginError{
		PluginID:   id,
		PluginName: name,
		Type:       typ,
		Message:    opErr.Error(),
		Timestamp:  m.clk.Now(),
		Fatal:      fatal,
	})
	m.errMu.Unlock()

	if fatal {
		m.logger.Error("Plugin disabled by fatal error",
			zap.String("plugin", id),
			zap.String("type", string(typ)),
			zap.Error(opErr))
		return
	}
	m.logger.Warn("Plugin error",
		zap.String("plugin", id),
		zap.String("type", string(typ)),
		zap.Error(opErr))
}

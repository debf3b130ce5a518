// Package plugin defines the capability-plugin contract and the
// compile-time registry the agent loads plugins through. Plugin
// packages register a factory from init(); the manager decides which
// registered plugins actually load by scanning the on-disk plugin
// directories at startup.
package plugin

// Kind distinguishes the two plugin variants.
type Kind string

const (
	// KindTrigger plugins observe conditions and emit events.
	KindTrigger Kind = "trigger"

	// KindTool plugins execute named operations on demand.
	KindTool Kind = "tool"
)

// Plugin is the behavior common to both variants.
type Plugin interface {
	// Name returns the unique identifier for this plugin. It must
	// match the name the plugin registered under.
	Name() string

	// Initialize prepares the plugin for use. Called once after load,
	// before any Start or Execute. An error here is recorded but does
	// not unload the plugin.
	Initialize() error

	// Shutdown releases the plugin's resources. Called once at agent
	// shutdown.
	Shutdown() error

	// Capabilities returns the trigger events or tool operations this
	// plugin declares.
	Capabilities() []Capability
}

// Trigger is a plugin that watches for conditions and emits events.
type Trigger interface {
	Plugin

	// Start begins watching. emit is the only path by which the
	// trigger may hand events to the agent. Start must not block.
	Start(emit EmitFunc) error

	// Stop ceases watching and waits for background work to settle.
	// Stopping a trigger that is not running is a no-op.
	Stop() error

	// Running reports whether the trigger is currently started.
	Running() bool
}

// Tool is a plugin that executes named operations on demand.
type Tool interface {
	Plugin

	// SupportedTools returns the tool type names this plugin owns.
	SupportedTools() []string

	// Execute runs one operation. A failed operation may be reported
	// either through the returned error or through a ToolResult with
	// Success=false; the manager folds both into a failure result.
	Execute(toolType string, params map[string]any) (*ToolResult, error)
}

// Factory creates a plugin instance from its per-plugin context.
// Factories are registered from init() and invoked by the manager
// during discovery.
type Factory func(ctx *Context) (Plugin, error)

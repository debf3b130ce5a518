package plugin

import "fmt"

// Capability describes one trigger event or tool operation a plugin
// advertises. The aggregated set is what the agent reports to the
// cloud during registration and over the local API.
type Capability struct {
	Name        string   `json:"name"`
	Params      []string `json:"params"`
	Description string   `json:"description"`
}

// Manifest is the agent-wide capability set, keyed by capability name.
// It is always built fresh from currently enabled plugins, never cached.
type Manifest struct {
	Triggers map[string]Capability `json:"triggers"`
	Tools    map[string]Capability `json:"tools"`
}

// NewManifest returns an empty manifest with both maps allocated.
func NewManifest() Manifest {
	return Manifest{
		Triggers: make(map[string]Capability),
		Tools:    make(map[string]Capability),
	}
}

// ToolResult is the outcome of a tool execution. Error is populated
// only when Success is false.
type ToolResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// SuccessResult builds a successful ToolResult carrying data.
func SuccessResult(data map[string]any) *ToolResult {
	return &ToolResult{Success: true, Data: data}
}

// ErrorResult builds a failed ToolResult carrying msg.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{Success: false, Error: msg}
}

// ErrorResultf builds a failed ToolResult from a format string.
func ErrorResultf(format string, args ...any) *ToolResult {
	return ErrorResult(fmt.Sprintf(format, args...))
}

// PluginEvent is the record a trigger plugin emits when it observes a
// condition. Events are immutable once published.
type PluginEvent struct {
	PluginID  string         `json:"pluginId"`
	EventName string         `json:"eventName"`
	Data      map[string]any `json:"data"`
}

// EmitFunc is a trigger plugin's only callback into the agent. The
// manager wires it to the event bus when the trigger starts.
type EmitFunc func(eventName string, data map[string]any)

package plugin

import (
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"deviceagent/internal/clock"
)

// Context provides dependencies to a plugin at construction time. One
// Context is built per plugin by the manager, carrying that plugin's
// parsed settings and install directory.
type Context struct {
	// Logger is a structured logger already namespaced to the plugin.
	Logger *zap.Logger

	// Settings holds the plugin's own configuration, parsed from the
	// settings block of its plugin.yaml. Never nil.
	Settings map[string]any

	// Dir is the plugin's install directory on disk.
	Dir string

	// Clock supplies time to plugins with schedules or timeouts so
	// tests can drive it manually.
	Clock clock.Clock
}

// NewContext builds a Context, normalizing nil settings to an empty map
// and a nil clock to the real one.
func NewContext(logger *zap.Logger, settings map[string]any, dir string, clk clock.Clock) *Context {
	if settings == nil {
		settings = make(map[string]any)
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Context{
		Logger:   logger,
		Settings: settings,
		Dir:      dir,
		Clock:    clk,
	}
}

// StringSetting returns the string at key, or def when the key is
// absent or not a string.
func (c *Context) StringSetting(key, def string) string {
	if v, ok := c.Settings[key].(string); ok {
		return v
	}
	return def
}

// BoolSetting returns the bool at key, or def when absent or mistyped.
func (c *Context) BoolSetting(key string, def bool) bool {
	if v, ok := c.Settings[key].(bool); ok {
		return v
	}
	return def
}

// IntSetting returns the integer at key, or def when absent or
// mistyped. YAML decodes numbers as int or float64 depending on form;
// both are accepted.
func (c *Context) IntSetting(key string, def int) int {
	switch v := c.Settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// FloatSetting returns the float at key, or def when absent or mistyped.
func (c *Context) FloatSetting(key string, def float64) float64 {
	switch v := c.Settings[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// ListSetting returns the list at key as []any, or nil when absent.
func (c *Context) ListSetting(key string) []any {
	if v, ok := c.Settings[key].([]any); ok {
		return v
	}
	return nil
}

// StringListSetting returns the list at key with every element
// stringified, or nil when absent.
func (c *Context) StringListSetting(key string) []string {
	raw := c.ListSetting(key)
	if raw == nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprintf("%v", v))
	}
	return out
}

// DecodeSettings unmarshals the whole settings block into out, for
// plugins whose configuration is nested rather than flat keys. out
// should be a pointer to a struct with yaml tags.
func (c *Context) DecodeSettings(out any) error {
	raw, err := yaml.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("failed to re-encode settings: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	return nil
}

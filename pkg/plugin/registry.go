package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Info describes a registered plugin factory.
type Info struct {
	// Name is the unique identifier. It must match the plugin's
	// install-directory name for discovery to find it.
	Name string

	// Description is a human-readable summary used in logs and the
	// registration manifest.
	Description string

	// Kind declares which variant the factory produces. Discovery
	// refuses to load a plugin from the wrong section.
	Kind Kind

	// Factory creates new instances of the plugin.
	Factory Factory
}

// Registry holds plugin factories keyed by name. Registering the same
// name twice replaces the earlier entry; the later registration wins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Info
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Info),
	}
}

// Register adds a factory to the registry.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("plugin %s: factory cannot be nil", info.Name)
	}
	if info.Kind != KindTrigger && info.Kind != KindTool {
		return fmt.Errorf("plugin %s: unknown kind %q", info.Name, info.Kind)
	}

	if _, exists := r.plugins[info.Name]; !exists {
		r.order = append(r.order, info.Name)
	}
	r.plugins[info.Name] = info
	return nil
}

// Lookup returns the registered info for name.
func (r *Registry) Lookup(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.plugins[name]
	return info, ok
}

// Names returns all registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	sort.Strings(out)
	return out
}

// Clear removes all registered plugins. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plugins = make(map[string]Info)
	r.order = nil
}

// Global registry instance. Plugin packages register here from init().
var globalRegistry = NewRegistry()

// Register adds a plugin to the global registry. Typically called from
// init() in plugin packages; a blank import of the package is enough to
// make it loadable.
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// Lookup returns plugin info from the global registry.
func Lookup(name string) (Info, bool) {
	return globalRegistry.Lookup(name)
}

// Names returns all plugin names from the global registry.
func Names() []string {
	return globalRegistry.Names()
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}

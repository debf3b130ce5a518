// Package filewatcher is the trigger plugin that monitors directories
// for file changes. Each configured watch path carries its own glob
// patterns and event filter; matches are emitted as
// desktop.trigger.filewatcher.<event> events.
package filewatcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"deviceagent/pkg/plugin"
)

const (
	eventCreated  = "created"
	eventModified = "modified"
	eventDeleted  = "deleted"
)

// watchSpec is one entry of the watch_paths setting.
type watchSpec struct {
	Path      string   `yaml:"path"`
	Patterns  []string `yaml:"patterns"`
	Recursive bool     `yaml:"recursive"`
	Events    []string `yaml:"events"`
}

// matchesPatterns checks the filename against the configured globs.
// No patterns means everything matches.
func (s *watchSpec) matchesPatterns(filename string) bool {
	if len(s.Patterns) == 0 {
		return true
	}
	for _, pattern := range s.Patterns {
		if ok, err := filepath.Match(pattern, filename); err == nil && ok {
			return true
		}
	}
	return false
}

// wantsEvent checks whether the spec subscribed to this event type.
// An explicitly empty list means all events.
func (s *watchSpec) wantsEvent(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Watcher is the file watcher trigger plugin.
type Watcher struct {
	logger *zap.Logger
	ctx    *plugin.Context

	mu      sync.Mutex
	specs   []*watchSpec
	watcher *fsnotify.Watcher
	// roots maps every watched directory back to the spec that owns
	// it, so events from recursive subdirectories inherit the root's
	// filters and watch_path.
	roots   map[string]*watchSpec
	emit    plugin.EmitFunc
	running bool

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWatcher creates a file watcher from the plugin context. Settings
// are parsed later, during Initialize, so a malformed configuration is
// reported as a plugin error instead of failing the load.
func NewWatcher(ctx *plugin.Context) *Watcher {
	return &Watcher{
		logger: ctx.Logger,
		ctx:    ctx,
	}
}

func (w *Watcher) Name() string { return "filewatcher" }

// Initialize parses the watch_paths setting.
func (w *Watcher) Initialize() error {
	var cfg struct {
		WatchPaths []*watchSpec `yaml:"watch_paths"`
	}
	if err := w.ctx.DecodeSettings(&cfg); err != nil {
		return err
	}

	specs := make([]*watchSpec, 0, len(cfg.WatchPaths))
	for _, spec := range cfg.WatchPaths {
		if spec == nil || spec.Path == "" {
			w.logger.Warn("Ignoring watch path entry without a path")
			continue
		}
		// An omitted events list defaults to created only; an explicit
		// empty list subscribes to everything.
		if spec.Events == nil {
			spec.Events = []string{eventCreated}
		}
		spec.Path = expandHome(spec.Path)
		specs = append(specs, spec)
	}

	w.mu.Lock()
	w.specs = specs
	w.mu.Unlock()

	w.logger.Info("File watcher initialized", zap.Int("watch_paths", len(specs)))
	return nil
}

// Shutdown stops the watcher if it is still running.
func (w *Watcher) Shutdown() error {
	return w.Stop()
}

// Capabilities lists the file events this trigger can emit.
func (w *Watcher) Capabilities() []plugin.Capability {
	fields := []string{"path", "filename", "watch_path", "event_type", "size"}
	return []plugin.Capability{
		{Name: "desktop.trigger.filewatcher.created", Params: fields, Description: "A file was created in a watched directory"},
		{Name: "desktop.trigger.filewatcher.modified", Params: fields, Description: "A file was modified in a watched directory"},
		{Name: "desktop.trigger.filewatcher.deleted", Params: fields, Description: "A file was deleted from a watched directory"},
	}
}

// Start begins watching the configured directories.
func (w *Watcher) Start(emit plugin.EmitFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if len(w.specs) == 0 {
		w.logger.Warn("No watch paths configured, file watcher stays idle")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	roots := make(map[string]*watchSpec)
	watched := 0
	for _, spec := range w.specs {
		info, err := os.Stat(spec.Path)
		if err != nil || !info.IsDir() {
			w.logger.Warn("Watch path does not exist, skipping", zap.String("path", spec.Path))
			continue
		}

		if err := watcher.Add(spec.Path); err != nil {
			w.logger.Warn("Failed to watch path", zap.String("path", spec.Path), zap.Error(err))
			continue
		}
		roots[spec.Path] = spec
		watched++

		// Kernel watches are per directory, so recursive specs watch
		// every existing subdirectory as well.
		if spec.Recursive {
			w.addSubdirs(watcher, roots, spec)
		}

		w.logger.Info("Watching directory",
			zap.String("path", spec.Path),
			zap.Strings("patterns", spec.Patterns),
			zap.Bool("recursive", spec.Recursive))
	}

	w.watcher = watcher
	w.roots = roots
	w.emit = emit
	w.running = true
	w.stopChan = make(chan struct{})
	w.stoppedChan = make(chan struct{})

	go w.watchLoop(watcher, w.stopChan, w.stoppedChan)

	w.logger.Info("File watcher started", zap.Int("directories", watched))
	return nil
}

// Stop ceases watching and waits for the event loop to drain.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	watcher := w.watcher
	stopChan := w.stopChan
	stoppedChan := w.stoppedChan
	w.watcher = nil
	w.roots = nil
	w.running = false
	w.mu.Unlock()

	close(stopChan)
	watcher.Close()
	<-stoppedChan

	w.logger.Info("File watcher stopped")
	return nil
}

// Running reports whether the watcher is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// addSubdirs registers every subdirectory of the spec's root with the
// watcher.
func (w *Watcher) addSubdirs(watcher *fsnotify.Watcher, roots map[string]*watchSpec, spec *watchSpec) {
	filepath.WalkDir(spec.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == spec.Path {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch subdirectory", zap.String("path", path), zap.Error(err))
			return nil
		}
		roots[path] = spec
		return nil
	})
}

// watchLoop processes file system events until the watcher closes.
func (w *Watcher) watchLoop(watcher *fsnotify.Watcher, stopChan, stoppedChan chan struct{}) {
	defer close(stoppedChan)

	for {
		select {
		case <-stopChan:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", zap.Error(err))
		}
	}
}

// handleEvent maps one fsnotify event onto a plugin event and emits it
// if the owning spec's filters allow.
func (w *Watcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	w.mu.Lock()
	spec := w.roots[filepath.Dir(event.Name)]
	emit := w.emit
	w.mu.Unlock()
	if spec == nil || emit == nil {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New subdirectory under a recursive root: start watching
			// it, but directory events themselves are not emitted.
			if spec.Recursive {
				w.watchNewDir(watcher, event.Name, spec)
			}
			return
		}
		eventType = eventCreated

	case event.Op&fsnotify.Write == fsnotify.Write:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return
		}
		eventType = eventModified

	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		// A rename moves the file out from under the watch; report it
		// as a deletion of the old path.
		eventType = eventDeleted

	default:
		return
	}

	if !spec.wantsEvent(eventType) {
		return
	}
	filename := filepath.Base(event.Name)
	if !spec.matchesPatterns(filename) {
		return
	}

	data := map[string]any{
		"path":       event.Name,
		"filename":   filename,
		"watch_path": spec.Path,
		"event_type": eventType,
		"size":       fileSize(event.Name),
	}

	eventName := "desktop.trigger.filewatcher." + eventType
	w.logger.Info("File event", zap.String("event", eventName), zap.String("path", event.Name))
	emit(eventName, data)
}

// watchNewDir adds a directory created under a recursive root.
func (w *Watcher) watchNewDir(watcher *fsnotify.Watcher, path string, spec *watchSpec) {
	if err := watcher.Add(path); err != nil {
		w.logger.Warn("Failed to watch new subdirectory", zap.String("path", path), zap.Error(err))
		return
	}
	w.mu.Lock()
	if w.roots != nil {
		w.roots[path] = spec
	}
	w.mu.Unlock()
}

// fileSize returns the file's size in bytes, or 0 when it cannot be
// read (deleted files in particular).
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// expandHome resolves a leading ~ against the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

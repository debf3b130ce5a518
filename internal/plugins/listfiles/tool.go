// Package listfiles is the tool plugin that lists directory contents
// on request. Listing is confined to the configured target directory;
// requests for paths outside it are denied.
package listfiles

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"deviceagent/pkg/plugin"
)

const toolFilesList = "desktop.tool.files.list"

// Tool is the list-files tool plugin.
type Tool struct {
	logger *zap.Logger
	ctx    *plugin.Context
	base   string
}

// NewTool creates a list-files tool from the plugin context.
func NewTool(ctx *plugin.Context) *Tool {
	return &Tool{
		logger: ctx.Logger,
		ctx:    ctx,
	}
}

func (t *Tool) Name() string { return "listfiles" }

// Initialize resolves the configured target directory.
func (t *Tool) Initialize() error {
	target := t.ctx.StringSetting("target_directory", "")
	if target == "" {
		return errors.New("target_directory must not be empty")
	}

	base, err := filepath.Abs(expandHome(target))
	if err != nil {
		return err
	}
	t.base = base

	t.logger.Info("List files tool initialized", zap.String("target_directory", base))
	return nil
}

func (t *Tool) Shutdown() error {
	return nil
}

// Capabilities lists the single operation this tool owns.
func (t *Tool) Capabilities() []plugin.Capability {
	return []plugin.Capability{{
		Name:        toolFilesList,
		Params:      []string{"directory", "pattern"},
		Description: "List files with name, size, and modified date",
	}}
}

// SupportedTools returns the tool type names this plugin owns.
func (t *Tool) SupportedTools() []string {
	return []string{toolFilesList}
}

// Execute lists the requested directory. The directory parameter may
// name a subdirectory of the configured base; anything outside it is
// denied.
func (t *Tool) Execute(toolType string, params map[string]any) (*plugin.ToolResult, error) {
	if toolType != toolFilesList {
		return plugin.ErrorResultf("unsupported tool: %s", toolType), nil
	}
	if t.base == "" {
		return plugin.ErrorResult("target_directory is not configured"), nil
	}

	target := t.base
	if requested, ok := params["directory"].(string); ok && requested != "" {
		resolved, err := filepath.Abs(expandHome(requested))
		if err != nil {
			return plugin.ErrorResult(err.Error()), nil
		}
		if !underBase(t.base, resolved) {
			return plugin.ErrorResult("access denied: directory outside configured base"), nil
		}
		target = resolved
	}

	info, err := os.Stat(target)
	if err != nil {
		return plugin.ErrorResultf("directory not found: %s", target), nil
	}
	if !info.IsDir() {
		return plugin.ErrorResultf("not a directory: %s", target), nil
	}

	pattern, _ := params["pattern"].(string)

	entries, err := os.ReadDir(target)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return plugin.ErrorResultf("permission denied: %s", target), nil
		}
		return plugin.ErrorResult(err.Error()), nil
	}

	type fileEntry struct {
		data    map[string]any
		modTime time.Time
	}
	files := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		if pattern != "" {
			if ok, err := filepath.Match(pattern, entry.Name()); err != nil || !ok {
				continue
			}
		}
		fi, err := entry.Info()
		if err != nil {
			t.logger.Warn("Cannot stat entry", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		files = append(files, fileEntry{
			data: map[string]any{
				"name":        entry.Name(),
				"size":        fi.Size(),
				"is_dir":      entry.IsDir(),
				"modified_at": fi.ModTime().UTC().Format(time.RFC3339),
			},
			modTime: fi.ModTime(),
		})
	}

	// Newest first.
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	listed := make([]map[string]any, 0, len(files))
	for _, f := range files {
		listed = append(listed, f.data)
	}

	return plugin.SuccessResult(map[string]any{
		"directory": target,
		"count":     len(listed),
		"files":     listed,
	}), nil
}

// underBase reports whether target is base itself or inside it.
func underBase(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
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

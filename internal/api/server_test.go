package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deviceagent/internal/bus"
	"deviceagent/internal/cloud"
	"deviceagent/internal/plugins"
	"deviceagent/pkg/plugin"
)

type fakeManager struct {
	manifest   plugin.Manifest
	result     *plugin.ToolResult
	lastType   string
	lastParams map[string]any
	triggers   []*plugins.Record
	tools      []*plugins.Record
	failed     map[string]plugins.PluginError
}

func (f *fakeManager) Capabilities() plugin.Manifest { return f.manifest }

func (f *fakeManager) ExecuteTool(toolType string, params map[string]any) *plugin.ToolResult {
	f.lastType = toolType
	f.lastParams = params
	return f.result
}

func (f *fakeManager) Triggers() []*plugins.Record                  { return f.triggers }
func (f *fakeManager) Tools() []*plugins.Record                     { return f.tools }
func (f *fakeManager) FailedPlugins() map[string]plugins.PluginError { return f.failed }

type fakeConn struct {
	state cloud.State
}

func (f *fakeConn) State() cloud.State { return f.state }

func newTestServer(t *testing.T) (*Server, *fakeManager, *bus.Bus) {
	t.Helper()
	logger := zap.NewNop()
	b := bus.New(logger)
	manager := &fakeManager{
		manifest: plugin.NewManifest(),
		result:   plugin.SuccessResult(map[string]any{"ran": true}),
		triggers: []*plugins.Record{{ID: "watcher", Kind: plugin.KindTrigger, Enabled: true}},
		tools: []*plugins.Record{
			{ID: "files", Kind: plugin.KindTool, Enabled: true},
			{ID: "sysinfo", Kind: plugin.KindTool, Enabled: true},
		},
		failed: map[string]plugins.PluginError{
			"broken": {PluginID: "broken", Fatal: true},
		},
	}
	server := NewServer(manager, &fakeConn{state: cloud.StateConnected}, b, logger, "127.0.0.1", 0)
	return server, manager, b
}

func TestHandleHealth(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response struct {
		Status     string         `json:"status"`
		Connection string         `json:"connection"`
		Plugins    map[string]int `json:"plugins"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, "connected", response.Connection)
	assert.Equal(t, 1, response.Plugins["triggers"])
	assert.Equal(t, 2, response.Plugins["tools"])
	assert.Equal(t, 1, response.Plugins["failed"])
}

func TestHandleHealthMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleCapabilities(t *testing.T) {
	server, manager, _ := newTestServer(t)
	manager.manifest.Triggers["desktop.trigger.filewatcher.created"] = plugin.Capability{
		Name: "desktop.trigger.filewatcher.created",
	}
	manager.manifest.Tools["desktop.tool.files.list"] = plugin.Capability{
		Name: "desktop.tool.files.list",
	}

	req := httptest.NewRequest(http.MethodGet, "/api/capabilities", nil)
	w := httptest.NewRecorder()
	server.handleCapabilities(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var manifest plugin.Manifest
	require.NoError(t, json.NewDecoder(w.Body).Decode(&manifest))
	assert.Contains(t, manifest.Triggers, "desktop.trigger.filewatcher.created")
	assert.Contains(t, manifest.Tools, "desktop.tool.files.list")
}

func TestHandleExecuteTool(t *testing.T) {
	t.Run("runs the tool and returns its result", func(t *testing.T) {
		server, manager, _ := newTestServer(t)

		body := `{"type":"desktop.tool.files.list","parameters":{"directory":"/tmp"}}`
		req := httptest.NewRequest(http.MethodPost, "/api/tools/execute", strings.NewReader(body))
		w := httptest.NewRecorder()
		server.handleExecuteTool(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "desktop.tool.files.list", manager.lastType)
		assert.Equal(t, map[string]any{"directory": "/tmp"}, manager.lastParams)

		var result plugin.ToolResult
		require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
		assert.True(t, result.Success)
	})

	t.Run("failed executions are still 200", func(t *testing.T) {
		server, manager, _ := newTestServer(t)
		manager.result = plugin.ErrorResult("no handler for desktop.tool.nope")

		body := `{"type":"desktop.tool.nope"}`
		req := httptest.NewRequest(http.MethodPost, "/api/tools/execute", strings.NewReader(body))
		w := httptest.NewRecorder()
		server.handleExecuteTool(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var result plugin.ToolResult
		require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "no handler")
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		server, _, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/tools/execute", strings.NewReader("{nope"))
		w := httptest.NewRecorder()
		server.handleExecuteTool(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing type is 400", func(t *testing.T) {
		server, _, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/tools/execute", strings.NewReader(`{"parameters":{}}`))
		w := httptest.NewRecorder()
		server.handleExecuteTool(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandlePendingTriggers(t *testing.T) {
	server, _, _ := newTestServer(t)
	for i := 0; i < 5; i++ {
		server.bufferEvent(plugin.PluginEvent{
			PluginID:  "watcher",
			EventName: fmt.Sprintf("desktop.trigger.filewatcher.created.%d", i),
		})
	}

	// A bounded drain returns the oldest events and keeps the rest.
	req := httptest.NewRequest(http.MethodGet, "/api/triggers/pending?max=2", nil)
	w := httptest.NewRecorder()
	server.handlePendingTriggers(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var response struct {
		Events []plugin.PluginEvent `json:"events"`
		Count  int                  `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Equal(t, 2, response.Count)
	assert.Equal(t, "desktop.trigger.filewatcher.created.0", response.Events[0].EventName)
	assert.Equal(t, "desktop.trigger.filewatcher.created.1", response.Events[1].EventName)

	// The next drain continues where the last one stopped.
	w = httptest.NewRecorder()
	server.handlePendingTriggers(w, httptest.NewRequest(http.MethodGet, "/api/triggers/pending", nil))
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, 3, response.Count)
	assert.Equal(t, "desktop.trigger.filewatcher.created.2", response.Events[0].EventName)
}

func TestHandlePendingTriggersRejectsBadMax(t *testing.T) {
	server, _, _ := newTestServer(t)

	for _, q := range []string{"?max=abc", "?max=-1", "?max=0"} {
		req := httptest.NewRequest(http.MethodGet, "/api/triggers/pending"+q, nil)
		w := httptest.NewRecorder()
		server.handlePendingTriggers(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "query %s", q)
	}
}

func TestEventBufferDropsOldest(t *testing.T) {
	server, _, _ := newTestServer(t)

	for i := 0; i < pendingBufferSize+5; i++ {
		server.bufferEvent(plugin.PluginEvent{EventName: fmt.Sprintf("event.%d", i)})
	}

	events := server.drainEvents(pendingBufferSize)
	require.Len(t, events, pendingBufferSize)
	assert.Equal(t, "event.5", events[0].EventName, "oldest five were dropped")
	assert.Equal(t, fmt.Sprintf("event.%d", pendingBufferSize+4), events[len(events)-1].EventName)
}

func TestStartSubscribesToTriggerEvents(t *testing.T) {
	server, _, b := newTestServer(t)

	require.NoError(t, server.Start())
	defer server.Stop()

	b.Publish(bus.TopicPluginEvent, plugin.PluginEvent{
		PluginID:  "watcher",
		EventName: "desktop.trigger.filewatcher.created",
		Data:      map[string]any{"path": "/tmp/f"},
	})

	events := server.drainEvents(10)
	require.Len(t, events, 1)
	assert.Equal(t, "desktop.trigger.filewatcher.created", events[0].EventName)

	// After Stop the subscription is gone.
	require.NoError(t, server.Stop())
	b.Publish(bus.TopicPluginEvent, plugin.PluginEvent{EventName: "late"})
	assert.Empty(t, server.drainEvents(10))
}
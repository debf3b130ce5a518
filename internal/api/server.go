// Package api serves the agent's local control endpoints: health,
// capability listing, tool execution, and a small buffer of recent
// trigger events for local consumers to poll.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"deviceagent/internal/bus"
	"deviceagent/internal/cloud"
	"deviceagent/internal/plugins"
	"deviceagent/pkg/plugin"
)

// pendingBufferSize bounds the trigger event buffer; the oldest event
// is dropped when a new one arrives at capacity.
const pendingBufferSize = 100

// PluginService is the slice of the plugin manager the API consumes.
type PluginService interface {
	Capabilities() plugin.Manifest
	ExecuteTool(toolType string, params map[string]any) *plugin.ToolResult
	Triggers() []*plugins.Record
	Tools() []*plugins.Record
	FailedPlugins() map[string]plugins.PluginError
}

// ConnectionReporter exposes the cloud connection state for health
// reporting.
type ConnectionReporter interface {
	State() cloud.State
}

// Server provides the local HTTP control API.
type Server struct {
	manager PluginService
	conn    ConnectionReporter
	bus     *bus.Bus
	logger  *zap.Logger
	server  *http.Server

	eventsMu sync.Mutex
	events   []plugin.PluginEvent
	eventSub *bus.Subscription
}

// NewServer creates the control API server bound to host:port.
func NewServer(manager PluginService, conn ConnectionReporter, b *bus.Bus, logger *zap.Logger, host string, port int) *Server {
	s := &Server{
		manager: manager,
		conn:    conn,
		bus:     b,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/capabilities", s.handleCapabilities)
	mux.HandleFunc("/api/tools/execute", s.handleExecuteTool)
	mux.HandleFunc("/api/triggers/pending", s.handlePendingTriggers)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// handleHealth reports agent liveness, the cloud connection state, and
// plugin counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]any{
		"status":     "ok",
		"connection": s.conn.State().String(),
		"plugins": map[string]int{
			"triggers": len(s.manager.Triggers()),
			"tools":    len(s.manager.Tools()),
			"failed":   len(s.manager.FailedPlugins()),
		},
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleCapabilities returns the aggregated capability manifest.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.manager.Capabilities())
}

// executeRequest is the body of POST /api/tools/execute.
type executeRequest struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

// handleExecuteTool runs one tool and returns its result. Failed
// executions are still HTTP 200; only a malformed request is a 400.
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}
	if req.Type == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type is required",
		})
		return
	}

	result := s.manager.ExecuteTool(req.Type, req.Parameters)

	s.logger.Debug("Tool executed via API",
		zap.String("type", req.Type),
		zap.Bool("success", result.Success))
	s.writeJSON(w, http.StatusOK, result)
}

// handlePendingTriggers drains buffered trigger events, oldest first.
func (s *Server) handlePendingTriggers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	max := pendingBufferSize
	if raw := r.URL.Query().Get("max"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "max must be a positive integer",
			})
			return
		}
		if parsed < max {
			max = parsed
		}
	}

	events := s.drainEvents(max)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// bufferEvent appends a trigger event, dropping the oldest at capacity.
func (s *Server) bufferEvent(event plugin.PluginEvent) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	if len(s.events) >= pendingBufferSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, event)
}

// drainEvents removes and returns up to max buffered events in arrival
// order.
func (s *Server) drainEvents(max int) []plugin.PluginEvent {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	n := max
	if n > len(s.events) {
		n = len(s.events)
	}
	out := make([]plugin.PluginEvent, n)
	copy(out, s.events[:n])
	s.events = s.events[n:]
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Start subscribes to trigger events and begins serving requests.
func (s *Server) Start() error {
	s.eventSub = s.bus.Subscribe(bus.TopicPluginEvent, func(data any) error {
		event, ok := data.(plugin.PluginEvent)
		if !ok {
			return fmt.Errorf("unexpected event payload type %T", data)
		}
		s.bufferEvent(event)
		return nil
	})

	s.logger.Info("Starting control API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control API server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping control API server")

	if s.eventSub != nil {
		s.eventSub.Unsubscribe()
		s.eventSub = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown control API server: %w", err)
	}
	return nil
}

// Package testutil provides testing utilities for the device agent.
// This package contains a mock cloud server speaking both the HTTP API
// and the streaming protocol, plus helpers for writing integration
// tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex. The
// subscribed flag is guarded by the server's connsMu.
type connWrapper struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	subscribed bool
}

// MockCloudServer simulates the cloud: the trigger, token, and link
// HTTP endpoints plus the streaming WebSocket endpoint the agent
// subscribes to for tool tasks.
type MockCloudServer struct {
	server  *httptest.Server
	authKey string

	connsMu     sync.Mutex
	connections []*connWrapper

	mu             sync.Mutex
	channel        string
	connToken      string
	subToken       string
	triggers       []TriggerRecord
	links          []LinkRecord
	tokenRequests  int
	connectCount   int
	subscribeCount int
	pongCount      int
	triggerStatus  []int
	linkStatus     []int
	tokenStatus    []int
	refuseConnects int
}

// wire frame mirrors of the streaming protocol, kept local so the mock
// does not reach into the client's unexported types.
type mockClientFrame struct {
	ID      int `json:"id,omitempty"`
	Connect *struct {
		Token string `json:"token"`
	} `json:"connect,omitempty"`
	Subscribe *struct {
		Channel string `json:"channel"`
		Token   string `json:"token"`
	} `json:"subscribe,omitempty"`
	Unsubscribe *struct {
		Channel string `json:"channel"`
	} `json:"unsubscribe,omitempty"`
}

type mockServerFrame struct {
	ID        int             `json:"id,omitempty"`
	Error     *mockFrameError `json:"error,omitempty"`
	Connect   map[string]any  `json:"connect,omitempty"`
	Subscribe map[string]any  `json:"subscribe,omitempty"`
	Push      *mockPush       `json:"push,omitempty"`
}

type mockFrameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mockPush struct {
	Channel string   `json:"channel"`
	Pub     *mockPub `json:"pub,omitempty"`
}

type mockPub struct {
	Data json.RawMessage `json:"data"`
}

// NewMockCloudServer starts a mock server that accepts the given auth
// key. Always Close it when the test is done.
func NewMockCloudServer(authKey string) *MockCloudServer {
	s := &MockCloudServer{
		authKey:   authKey,
		connToken: "mock-connection-token",
		subToken:  "mock-subscription-token",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/device/trigger/new", s.handleTrigger)
	mux.HandleFunc("/device/centrifugo/token", s.handleToken)
	mux.HandleFunc("/device/registration/link", s.handleLink)
	mux.HandleFunc("/connection/websocket", s.handleWebSocket)

	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the server's base URL, usable as the agent's server_url.
func (s *MockCloudServer) URL() string {
	return s.server.URL
}

// Close drops every streaming connection and shuts the server down.
func (s *MockCloudServer) Close() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes all active streaming connections without
// stopping the server, simulating a network cut.
func (s *MockCloudServer) DropConnections() {
	s.connsMu.Lock()
	conns := s.connections
	s.connections = nil
	s.connsMu.Unlock()

	for _, wrapper := range conns {
		wrapper.conn.Close()
	}
}

// FailTriggers queues HTTP statuses for upcoming trigger posts, one
// status per request. Once the queue drains, posts succeed again.
func (s *MockCloudServer) FailTriggers(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerStatus = append(s.triggerStatus, statuses...)
}

// FailLinks queues HTTP statuses for upcoming link requests.
func (s *MockCloudServer) FailLinks(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkStatus = append(s.linkStatus, statuses...)
}

// FailTokens queues HTTP statuses for upcoming token requests.
func (s *MockCloudServer) FailTokens(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus = append(s.tokenStatus, statuses...)
}

// RefuseConnects makes the next n streaming connect commands fail with
// an error frame.
func (s *MockCloudServer) RefuseConnects(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuseConnects = n
}

func (s *MockCloudServer) authorized(r *http.Request) bool {
	return r.Header.Get("X-Device-Auth-Key") == s.authKey
}

// nextStatus pops the scripted status queue, defaulting to 200 OK.
func nextStatus(queue *[]int) int {
	if len(*queue) == 0 {
		return http.StatusOK
	}
	status := (*queue)[0]
	*queue = (*queue)[1:]
	return status
}

func (s *MockCloudServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		Name       string         `json:"name"`
		Source     string         `json:"source"`
		DeviceID   string         `json:"deviceId"`
		OccurredAt string         `json:"occurredAt"`
		Data       map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	status := nextStatus(&s.triggerStatus)
	s.triggers = append(s.triggers, TriggerRecord{
		Timestamp:  time.Now(),
		Status:     status,
		ID:         body.ID,
		Type:       body.Type,
		Name:       body.Name,
		Source:     body.Source,
		DeviceID:   body.DeviceID,
		OccurredAt: body.OccurredAt,
		Data:       body.Data,
	})
	s.mu.Unlock()

	w.WriteHeader(status)
}

func (s *MockCloudServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.tokenRequests++
	status := nextStatus(&s.tokenStatus)
	s.channel = fmt.Sprintf("device:%s:actions", body.DeviceID)
	channel := s.channel
	connToken := s.connToken
	subToken := s.subToken
	s.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/connection/websocket"
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"response": map[string]any{
			"connectionToken":   connToken,
			"subscriptionToken": subToken,
			"channel":           channel,
			"wsUrl":             wsURL,
		},
	})
}

func (s *MockCloudServer) handleLink(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body struct {
		DeviceID   string                    `json:"deviceId"`
		DeviceOS   string                    `json:"deviceOs"`
		DeviceName string                    `json:"deviceName"`
		Triggers   map[string]map[string]any `json:"triggers"`
		Tools      map[string]map[string]any `json:"tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	status := nextStatus(&s.linkStatus)
	s.links = append(s.links, LinkRecord{
		Timestamp:  time.Now(),
		Status:     status,
		DeviceID:   body.DeviceID,
		DeviceOS:   body.DeviceOS,
		DeviceName: body.DeviceName,
		Triggers:   body.Triggers,
		Tools:      body.Tools,
	})
	s.mu.Unlock()

	w.WriteHeader(status)
}

// handleWebSocket speaks the streaming protocol: a connect command, a
// subscribe command, pong replies to pings, and an unsubscribe before
// the client's goodbye.
func (s *MockCloudServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	for {
		var frame mockClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch {
		case frame.Connect != nil:
			s.handleConnectFrame(wrapper, frame)
		case frame.Subscribe != nil:
			s.handleSubscribeFrame(wrapper, frame)
		case frame.Unsubscribe != nil:
			s.write(wrapper, mockServerFrame{ID: frame.ID})
		case frame.ID == 0:
			// An empty frame is the client's pong.
			s.mu.Lock()
			s.pongCount++
			s.mu.Unlock()
		}
	}
}

func (s *MockCloudServer) handleConnectFrame(wrapper *connWrapper, frame mockClientFrame) {
	s.mu.Lock()
	refuse := s.refuseConnects > 0
	if refuse {
		s.refuseConnects--
	}
	connToken := s.connToken
	s.mu.Unlock()

	if refuse {
		s.write(wrapper, mockServerFrame{
			ID:    frame.ID,
			Error: &mockFrameError{Code: 100, Message: "internal server error"},
		})
		return
	}
	if frame.Connect.Token != connToken {
		s.write(wrapper, mockServerFrame{
			ID:    frame.ID,
			Error: &mockFrameError{Code: 109, Message: "token expired"},
		})
		return
	}

	s.mu.Lock()
	s.connectCount++
	s.mu.Unlock()
	s.write(wrapper, mockServerFrame{
		ID:      frame.ID,
		Connect: map[string]any{"client": "mock", "version": "0.0.0"},
	})
}

func (s *MockCloudServer) handleSubscribeFrame(wrapper *connWrapper, frame mockClientFrame) {
	s.mu.Lock()
	channel := s.channel
	subToken := s.subToken
	s.mu.Unlock()

	if frame.Subscribe.Token != subToken || frame.Subscribe.Channel != channel {
		s.write(wrapper, mockServerFrame{
			ID:    frame.ID,
			Error: &mockFrameError{Code: 103, Message: "permission denied"},
		})
		return
	}

	s.connsMu.Lock()
	wrapper.subscribed = true
	s.connsMu.Unlock()

	s.mu.Lock()
	s.subscribeCount++
	s.mu.Unlock()
	s.write(wrapper, mockServerFrame{ID: frame.ID, Subscribe: map[string]any{}})
}

func (s *MockCloudServer) write(wrapper *connWrapper, frame mockServerFrame) {
	wrapper.writeMu.Lock()
	defer wrapper.writeMu.Unlock()
	if err := wrapper.conn.WriteJSON(frame); err != nil {
		log.Printf("Failed to write frame: %v", err)
	}
}

// PushToolTask publishes a tool task on the streaming channel of every
// subscribed connection.
func (s *MockCloudServer) PushToolTask(toolType string, params map[string]any) error {
	data, err := json.Marshal(map[string]any{
		"type":       toolType,
		"parameters": params,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()

	s.connsMu.Lock()
	var wrappers []*connWrapper
	for _, wrapper := range s.connections {
		if wrapper.subscribed {
			wrappers = append(wrappers, wrapper)
		}
	}
	s.connsMu.Unlock()

	if len(wrappers) == 0 {
		return fmt.Errorf("no subscribed connections")
	}
	for _, wrapper := range wrappers {
		s.write(wrapper, mockServerFrame{
			Push: &mockPush{Channel: channel, Pub: &mockPub{Data: data}},
		})
	}
	return nil
}

// Ping sends an empty frame to every connection; the client answers
// each with an empty frame of its own.
func (s *MockCloudServer) Ping() {
	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.writeMu.Lock()
		if err := wrapper.conn.WriteJSON(struct{}{}); err != nil {
			log.Printf("Failed to write ping: %v", err)
		}
		wrapper.writeMu.Unlock()
	}
}

// Triggers returns a copy of every recorded trigger post, including
// ones answered with scripted failure statuses.
func (s *MockCloudServer) Triggers() []TriggerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TriggerRecord, len(s.triggers))
	copy(out, s.triggers)
	return out
}

// TriggerCount returns the number of trigger posts received so far.
func (s *MockCloudServer) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

// AcceptedTriggerCount returns the number of trigger posts answered
// with 200 OK.
func (s *MockCloudServer) AcceptedTriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.triggers {
		if rec.Status == http.StatusOK {
			count++
		}
	}
	return count
}

// FindTrigger returns the most recent recorded trigger with the given
// event name, or nil.
func (s *MockCloudServer) FindTrigger(name string) *TriggerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.triggers) - 1; i >= 0; i-- {
		if s.triggers[i].Name == name {
			rec := s.triggers[i]
			return &rec
		}
	}
	return nil
}

// Links returns a copy of every recorded link request.
func (s *MockCloudServer) Links() []LinkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LinkRecord, len(s.links))
	copy(out, s.links)
	return out
}

// LinkCount returns the number of link requests received so far.
func (s *MockCloudServer) LinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// TokenRequests returns the number of token requests received so far.
func (s *MockCloudServer) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// ConnectCount returns the number of accepted streaming connects.
func (s *MockCloudServer) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCount
}

// SubscribeCount returns the number of accepted channel subscriptions.
func (s *MockCloudServer) SubscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeCount
}

// PongCount returns the number of ping replies received from clients.
func (s *MockCloudServer) PongCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongCount
}

// ActiveConnections returns the number of open streaming connections.
func (s *MockCloudServer) ActiveConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// SubscribedConnections returns the number of connections that have
// completed the channel subscription. Tests should wait for this to be
// nonzero before pushing tool tasks.
func (s *MockCloudServer) SubscribedConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	count := 0
	for _, wrapper := range s.connections {
		if wrapper.subscribed {
			count++
		}
	}
	return count
}

// ClearTriggers resets the recorded trigger log.
func (s *MockCloudServer) ClearTriggers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = nil
}

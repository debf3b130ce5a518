// Package cloud implements the agent's relationship with the cloud service:
// a fire-and-forget HTTP path for outbound trigger events and a single
// persistent, token-authenticated streaming subscription that delivers tool
// invocations back to the agent.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"deviceagent/internal/bus"
	"deviceagent/internal/clock"
	"deviceagent/internal/retry"
)

// maxReconnectDelay caps the exponential reconnect backoff.
const maxReconnectDelay = 60 * time.Second

// State describes the streaming connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateError is entered when the reconnect ceiling is exhausted. It is
	// terminal until Connect is called again.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds the connection settings for a Client.
type Config struct {
	ServerURL string
	AuthKey   string
	DeviceID  string

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HTTPTimeout          time.Duration

	// Retry governs outbound HTTP calls. Zero means retry.DefaultConfig.
	Retry retry.Config
}

// Client owns the streaming connection and the outbound HTTP path. All state
// transitions are announced on the event bus; nothing here ever panics into
// the caller.
type Client struct {
	cfg      Config
	bus      *bus.Bus
	logger   *zap.Logger
	clock    clock.Clock
	retryCfg retry.Config

	httpMu     sync.Mutex
	httpClient *http.Client

	mu         sync.RWMutex
	state      State
	connecting bool
	desired    bool
	attempts   int
	conn       *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc

	reconnectTimer clock.Timer
	reconnectGen   uint64

	connToken string
	subToken  string
	channel   string
	streamURL string

	msgID     int
	msgIDMu   sync.Mutex
	pending   map[int]chan serverFrame
	pendingMu sync.Mutex
	writeMu   sync.Mutex // Protects websocket writes
}

// NewClient creates a client. A nil clk falls back to the real clock.
func NewClient(cfg Config, b *bus.Bus, logger *zap.Logger, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.NewReal()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		clock:    clk,
		retryCfg: retryCfg,
		pending:  make(map[int]chan serverFrame),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// Connect runs the full token/connect/subscribe sequence. A connect already
// in progress, or an established connection, short-circuits. Calling Connect
// from the Error state resets the attempt counter and starts over.
func (c *Client) Connect() error {
	c.mu.Lock()

	if c.connecting || c.state == StateConnected {
		c.mu.Unlock()
		c.logger.Debug("Connect skipped, already connecting or connected")
		return nil
	}
	if c.cfg.ServerURL == "" || c.cfg.AuthKey == "" {
		c.mu.Unlock()
		return errors.New("server URL and auth key are required to connect")
	}

	c.desired = true
	c.attempts = 0
	c.connecting = true
	c.state = StateConnecting
	c.resetContextLocked()
	c.mu.Unlock()

	return c.establish()
}

// establish performs one pass of the connect sequence. On failure it moves
// the state machine to Disconnected and schedules a retry.
func (c *Client) establish() error {
	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()

	if err := c.ensureTokens(ctx); err != nil {
		return c.failConnect(fmt.Errorf("failed to prepare streaming session: %w", err))
	}

	c.mu.RLock()
	streamURL := c.streamURL
	connToken := c.connToken
	subToken := c.subToken
	channel := c.channel
	c.mu.RUnlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HTTPTimeout}
	conn, resp, err := dialer.DialContext(ctx, streamURL, nil)
	if resp != nil && err != nil {
		resp.Body.Close()
	}
	if err != nil {
		return c.failConnect(fmt.Errorf("failed to dial %s: %w", streamURL, err))
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Start background frame receiver
	go c.readLoop(conn)

	if _, err := c.request(ctx, &clientFrame{Connect: &connectRequest{Token: connToken}}); err != nil {
		return c.failConnect(fmt.Errorf("streaming connect rejected: %w", err))
	}
	if _, err := c.request(ctx, &clientFrame{Subscribe: &subscribeRequest{Channel: channel, Token: subToken}}); err != nil {
		return c.failConnect(fmt.Errorf("failed to subscribe to %s: %w", channel, err))
	}

	c.mu.Lock()
	c.state = StateConnected
	c.connecting = false
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("Connected to server", zap.String("channel", channel))
	c.bus.Publish(bus.TopicServerConnected, map[string]any{"channel": channel})
	return nil
}

// ensureTokens fetches the token pair when both cached tokens are empty and
// fills in the channel and stream URL, deriving a default URL from the server
// base when the token response does not supply one.
func (c *Client) ensureTokens(ctx context.Context) error {
	c.mu.RLock()
	haveTokens := c.connToken != "" || c.subToken != ""
	c.mu.RUnlock()

	if !haveTokens {
		tokens, err := c.fetchTokens(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.connToken = tokens.ConnectionToken
		c.subToken = tokens.SubscriptionToken
		if tokens.Channel != "" {
			c.channel = tokens.Channel
		}
		if tokens.WSURL != "" {
			c.streamURL = tokens.WSURL
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == "" {
		c.channel = fmt.Sprintf("device:%s:actions", c.cfg.DeviceID)
	}
	if c.streamURL == "" {
		derived, err := DeriveStreamURL(c.cfg.ServerURL)
		if err != nil {
			return err
		}
		c.streamURL = derived
	}
	return nil
}

// failConnect records a failed connect attempt: close the half-open
// connection, announce the drop, and let the reconnect scheduler decide
// whether to retry or give up.
func (c *Client) failConnect(err error) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	var se *streamError
	if errors.As(err, &se) {
		// The server rejected a token; drop the cached pair so the next
		// attempt fetches fresh ones.
		c.connToken = ""
		c.subToken = ""
	}
	c.connecting = false
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Warn("Connection attempt failed", zap.Error(err))
	c.bus.Publish(bus.TopicServerDisconnected, map[string]any{"reason": err.Error()})
	c.scheduleReconnect()
	return err
}

// Disconnect tears the connection down deliberately: cancel any pending
// reconnect, clear cached tokens and endpoint, and stay down until Connect
// is called again.
func (c *Client) Disconnect() {
	c.mu.Lock()

	c.desired = false
	c.reconnectGen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}

	conn := c.conn
	channel := c.channel
	c.conn = nil
	c.attempts = 0
	c.connToken = ""
	c.subToken = ""
	c.channel = ""
	c.streamURL = ""

	wasIdle := conn == nil && !c.connecting && c.state == StateDisconnected
	c.connecting = false
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		// Best-effort goodbye; the server drops the subscription either way.
		c.writeMu.Lock()
		if channel != "" {
			conn.WriteJSON(&clientFrame{ID: c.nextMsgID(), Unsubscribe: &unsubscribeRequest{Channel: channel}})
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}

	if wasIdle {
		return
	}
	c.logger.Info("Disconnected from server")
	c.bus.Publish(bus.TopicServerDisconnected, map[string]any{"reason": "client disconnect"})
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the streaming subscription is established.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected
}

// nextMsgID returns the next frame ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// request sends a command frame and waits for the server's reply.
func (c *Client) request(ctx context.Context, frame *clientFrame) (*serverFrame, error) {
	frame.ID = c.nextMsgID()

	respChan := make(chan serverFrame, 1)
	c.pendingMu.Lock()
	c.pending[frame.ID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, frame.ID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, errors.New("not connected")
	}

	// Send frame (protected by writeMu to prevent concurrent writes)
	c.writeMu.Lock()
	err := conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send frame: %w", err)
	}

	expired := make(chan struct{})
	timer := c.clock.AfterFunc(c.cfg.HTTPTimeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, errors.New("connection closed")
		}
		if resp.Error != nil {
			return nil, &streamError{code: resp.Error.Code, message: resp.Error.Message}
		}
		return &resp, nil
	case <-expired:
		return nil, errors.New("timeout waiting for server reply")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop handles incoming frames in the background.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.failPending()

	for {
		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		if frame.isPing() {
			// Answer pings with an empty frame to keep the session alive.
			c.writeMu.Lock()
			if err := conn.WriteJSON(struct{}{}); err != nil {
				c.logger.Warn("Failed to answer ping", zap.Error(err))
			}
			c.writeMu.Unlock()
			continue
		}

		// Route replies to the waiting goroutine
		if frame.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[frame.ID]; ok {
				select {
				case ch <- frame:
				default:
					c.logger.Warn("Reply channel full", zap.Int("frame_id", frame.ID))
				}
			}
			c.pendingMu.Unlock()
			continue
		}

		if frame.Push != nil && frame.Push.Pub != nil {
			// Hand the publication off so a slow handler cannot stall
			// subsequent message delivery.
			go c.dispatch(frame.Push.Pub.Data)
		}
	}
}

// dispatch decodes a publication and fans it out on the event bus. Decode
// failures are dropped; they never tear down the subscription.
func (c *Client) dispatch(data json.RawMessage) {
	task, err := DecodeToolTask(data)
	if err != nil {
		c.logger.Warn("Dropping undecodable tool task", zap.Error(err))
		return
	}
	c.logger.Debug("Tool task received", zap.String("type", task.Type))
	c.bus.PublishAsync(bus.TopicServerTool, task)
}

// failPending closes all outstanding reply channels so waiters fail fast
// instead of timing out.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// handleDisconnect handles connection loss observed by the read loop.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection owns the client; this loop is stale.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasConnected := c.state == StateConnected
	if wasConnected {
		c.state = StateDisconnected
	}
	desired := c.desired
	c.mu.Unlock()

	if !wasConnected || !desired {
		return
	}

	c.logger.Warn("Connection lost", zap.Error(err))
	c.bus.Publish(bus.TopicServerDisconnected, map[string]any{"reason": "connection lost"})
	c.scheduleReconnect()
}

// scheduleReconnect books a single retry of the connect sequence, or gives up
// and enters the Error state once the attempt ceiling is reached. No-op when
// a retry is already pending or reconnection is no longer desired.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()

	if !c.desired {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		// A retry is already pending.
		c.mu.Unlock()
		return
	}

	c.attempts++
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.desired = false
		c.state = StateError
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Error("Reconnect attempts exhausted", zap.Int("attempts", attempts))
		c.bus.Publish(bus.TopicServerError, map[string]any{"reason": "max_retries"})
		return
	}

	delay := c.reconnectDelay(c.attempts)
	gen := c.reconnectGen
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.onReconnectTimer(gen) })
	c.logger.Info("Reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", c.attempts),
		zap.Int("max_attempts", c.cfg.MaxReconnectAttempts))
	c.mu.Unlock()
}

// reconnectDelay doubles the base interval per attempt, capped at
// maxReconnectDelay.
func (c *Client) reconnectDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

// onReconnectTimer runs a scheduled reconnect, unless it was cancelled or a
// connect is already underway.
func (c *Client) onReconnectTimer(gen uint64) {
	c.mu.Lock()
	if gen != c.reconnectGen || !c.desired {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	if c.connecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info("Attempting to reconnect...")
	if err := c.establish(); err != nil {
		c.logger.Error("Reconnection failed", zap.Error(err))
		return
	}
	c.logger.Info("Reconnected successfully")
}

// streamError is an error frame returned by the streaming server.
type streamError struct {
	code    int
	message string
}

func (e *streamError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.code, e.message)
}

package chatkit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for all server-sent realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// MessageNewPayload is broadcast when a new message lands in one of the
// current user's conversations.
type MessageNewPayload struct {
	Conversation Conversation `json:"conversation"`
	Message      Message      `json:"message"`
}

// RoomReadPayload is broadcast when a user marks a conversation read from
// any of their sessions.
type RoomReadPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// SendAck is the acknowledgement for a message:send command.
type SendAck struct {
	RequestID    string        `json:"requestId"`
	OK           bool          `json:"ok"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Message      *Message      `json:"message,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection.
type RealtimeConfig struct {
	Token                string // defaults to the client token
	AutoReconnect        bool
	MaxReconnectAttempts int // 0 means unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic event callback type. Domain events are passed
// through unmodified; handlers run on the read loop, so delivery order
// matches arrival order.
type EventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]EventHandler
	onMessageNew   []func(MessageNewPayload)
	onRoomRead     []func(RoomReadPayload)
	onConnected    []func()
	onDisconnected []func(reason string)
	onConnectError []func(err error)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]EventHandler),
	}
}

// dispatch fans an envelope out to typed then generic handlers. Handlers are
// invoked synchronously: unread accounting and merge must observe events in
// arrival order.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "message:new":
		var p MessageNewPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageNew {
				h(p)
			}
		}
	case "room:read":
		var p RoomReadPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onRoomRead {
				h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) emitConnectError(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onConnectError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A minute of stable connection resets the backoff curve.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Realtime
// ============================================================================

// Realtime owns the persistent bidirectional connection for one session.
// Connect errors never surface as fatal: they flip the connectivity flag and
// the transport retries with backoff. Callers observe state through the
// connected/disconnected meta-events and the State accessor.
type Realtime struct {
	baseURL string
	config  *RealtimeConfig
	log     *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector

	pendingMu   sync.Mutex
	pendingAcks map[string]chan SendAck
}

// Realtime creates the realtime client for this API client. Call Connect to
// establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *Realtime {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	cfg.defaults()
	return &Realtime{
		baseURL:     c.baseURL,
		config:      &cfg,
		log:         cfg.Logger,
		state:       StateDisconnected,
		dispatcher:  newEventDispatcher(),
		recon:       newReconnector(&cfg),
		pendingAcks: make(map[string]chan SendAck),
	}
}

// OnMessageNew registers a handler for message broadcasts.
func (rt *Realtime) OnMessageNew(h func(MessageNewPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessageNew = append(rt.dispatcher.onMessageNew, h)
	rt.dispatcher.mu.Unlock()
}

// OnRoomRead registers a handler for cross-session read events.
func (rt *Realtime) OnRoomRead(h func(RoomReadPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onRoomRead = append(rt.dispatcher.onRoomRead, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *Realtime) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *Realtime) OnDisconnected(h func(reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnectError registers a handler for connect failures.
func (rt *Realtime) OnConnectError(h func(err error)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnectError = append(rt.dispatcher.onConnectError, h)
	rt.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (rt *Realtime) On(eventType string, h EventHandler) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.generic[eventType] = append(rt.dispatcher.generic[eventType], h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *Realtime) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connected reports whether the persistent connection is established.
func (rt *Realtime) Connected() bool {
	return rt.State() == StateConnected
}

// Connect establishes the WebSocket connection. On failure the connectivity
// flag stays down, the connectError meta-event fires, and when AutoReconnect
// is on the transport keeps retrying in the background.
func (rt *Realtime) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()

		rt.log.Debug("realtime connect failed", zap.Error(err))
		rt.dispatcher.emitConnectError(err)
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			go rt.scheduleReconnect()
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The caller's ctx governs the dial only; the connection outlives it.
	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	if rt.cancelFn != nil {
		rt.cancelFn()
	}
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.log.Debug("realtime connected")
	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection. Safe to call repeatedly.
func (rt *Realtime) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	wasConnected := rt.state == StateConnected
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingAcks()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		if wasConnected {
			rt.dispatcher.emitDisconnected("client disconnect")
		}
		return err
	}
	return nil
}

// SendMessageWithAck sends a message over the persistent connection and
// waits for the server's acknowledgement. The ack timeout is owned by the
// transport config; on timeout the caller is expected to fall back to the
// request/response channel.
func (rt *Realtime) SendMessageWithAck(ctx context.Context, req SendRequest) (*SendAck, error) {
	requestID := uuid.NewString()

	ch := make(chan SendAck, 1)
	rt.pendingMu.Lock()
	rt.pendingAcks[requestID] = ch
	rt.pendingMu.Unlock()

	err := rt.send(ctx, &Command{
		Type:      "message:send",
		Payload:   req,
		RequestID: requestID,
	})
	if err != nil {
		rt.dropPendingAck(requestID)
		return nil, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &ack, nil
	case <-time.After(rt.config.AckTimeout):
		rt.dropPendingAck(requestID)
		return nil, fmt.Errorf("message:send ack timeout after %s", rt.config.AckTimeout)
	case <-ctx.Done():
		rt.dropPendingAck(requestID)
		return nil, ctx.Err()
	}
}

func (rt *Realtime) send(ctx context.Context, cmd *Command) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rt *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if rt.conn == conn {
				rt.state = StateDisconnected
				rt.conn = nil
			}
			rt.mu.Unlock()

			rt.clearPendingAcks()
			if intentional {
				return
			}

			rt.log.Debug("realtime read failed", zap.Error(err))
			rt.dispatcher.emitDisconnected(err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "message:ack" {
			var ack SendAck
			if json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pendingAcks[ack.RequestID]
				if ok {
					delete(rt.pendingAcks, ack.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- ack
				}
			}
			continue
		}

		rt.dispatcher.dispatch(env)
	}
}

func (rt *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force the read loop to observe the failure and reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *Realtime) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.state = StateReconnecting
	rt.mu.Unlock()

	rt.log.Debug("realtime reconnecting", zap.Int("attempt", rt.recon.attempt), zap.Duration("delay", delay))

	time.Sleep(delay)

	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.state = StateDisconnected
	rt.mu.Unlock()

	// Connect schedules the next attempt itself on failure.
	rt.Connect(context.Background()) //nolint:errcheck
}

func (rt *Realtime) dropPendingAck(requestID string) {
	rt.pendingMu.Lock()
	delete(rt.pendingAcks, requestID)
	rt.pendingMu.Unlock()
}

func (rt *Realtime) clearPendingAcks() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingAcks {
		close(ch)
		delete(rt.pendingAcks, k)
	}
	rt.pendingMu.Unlock()
}

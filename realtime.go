package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent when a realtime connection is authenticated.
type AuthenticatedPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// MessageEventPayload is sent for message.new, message.updated and
// message.deleted events in a joined session.
type MessageEventPayload struct {
	SessionID string  `json:"sessionId"`
	Message   Message `json:"message"`
}

// ReactionEventPayload is sent for reaction.added and reaction.removed
// events. Users, when present, is the full post-change user set for the
// emoji and is authoritative.
type ReactionEventPayload struct {
	SessionID string   `json:"sessionId"`
	MessageID string   `json:"messageId"`
	Emoji     string   `json:"emoji"`
	UserID    string   `json:"userId"`
	Users     []string `json:"users,omitempty"`
}

// ActivityEventPayload is sent when a participant's activity changes.
type ActivityEventPayload struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	Activity  Activity `json:"activity"`
}

// ParticipantEventPayload is sent when a participant joins or leaves.
type ParticipantEventPayload struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Language    string `json:"language,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]RealtimeEventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onMessageNew    []func(MessageEventPayload)
	onMessageUpd    []func(MessageEventPayload)
	onMessageDel    []func(MessageEventPayload)
	onReactionAdd   []func(ReactionEventPayload)
	onReactionDel   []func(ReactionEventPayload)
	onActivity      []func(ActivityEventPayload)
	onParticipantIn []func(ParticipantEventPayload)
	onParticipantGo []func(ParticipantEventPayload)
	onError         []func(RealtimeErrorPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

// dispatch routes one envelope to its handlers. Typed handlers run
// synchronously, in registration order, so session changes are observed in
// the order the server sent them. Handlers must not register new handlers
// from within a callback.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope, logger *slog.Logger) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Typed handlers
	switch env.Type {
	case "authenticated":
		var p AuthenticatedPayload
		if unmarshalPayload(env, &p, logger) {
			for _, h := range d.onAuthenticated {
				h(p)
			}
		}
	case "message.new":
		var p MessageEventPayload
		if unmarshalPayload(env, &p, logger) {
			for _, h := range d.onMessageNew {
				h(p)
			}
		}
	case "message.updated":
		var p MessageEventPayload
		if unmarshalPayload(env, &p, logger) {
			for _, h := range d.onMessageUpd {
				h(p)
			}
		}
	case "message.deleted":
		var p MessageEventPayload
		if unmarshalPayload(env, &p, logger) {
			for _, h := range d.onMessageDel {
				h(p)
			}
		}
	case "reaction.added":
		var p ReactionEventPayload
		if unmarshalPayload(env, &p, logger) {
			for _, h := range d.onReactionAdd {
				h(p)
			}
		}
	case "reaction.removed":
		var p ReactionEventPayload
		if unmarshalPayload(env, &p, logger) {
			for _, h := range d.onReactionDel {
				h(p)
			}
		}
	case "activity.changed":
		var p ActivityEventPayload
		if unmarshalPayload(env, &p, logger) {
			for _, h := range d.onActivity {
				h(p)
			}
		}
	case "participant.joined":
		var p ParticipantEventPayload
		if unmarshalPayload(env, &p, logger) {
			for _, h := range d.onParticipantIn {
				h(p)
			}
		}
	case "participant.left":
		var p ParticipantEventPayload
		if unmarshalPayload(env, &p, logger) {
			for _, h := range d.onParticipantGo {
				h(p)
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if unmarshalPayload(env, &p, logger) {
			for _, h := range d.onError {
				h(p)
			}
		}
	}

	// Generic handlers
	for _, h := range d.generic[env.Type] {
		handler := h // capture
		handler(env.Type, env.Payload)
	}
}

func unmarshalPayload(env RealtimeEnvelope, v interface{}, logger *slog.Logger) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		logger.Warn("realtime: bad event payload", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
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
	// A connection that held for a minute counts as recovered, so the
	// next drop starts the backoff over.
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

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket subscription to session change feeds, with
// auto-reconnect and heartbeat. After a reconnect the previously joined
// session is re-joined automatically.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	logger           *slog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	joinedSession    string
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// Realtime returns a realtime client for the API this client points at.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	if config.Token == "" {
		config.Token = c.token
	}
	if config.Logger == nil {
		config.Logger = c.logger
	}
	config.defaults()
	return &RealtimeClient{
		baseURL:      c.baseURL,
		config:       config,
		logger:       config.Logger,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(config),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnAuthenticated registers a handler for the authenticated event.
func (ws *RealtimeClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onAuthenticated = append(ws.dispatcher.onAuthenticated, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageNew registers a handler for new messages.
func (ws *RealtimeClient) OnMessageNew(h func(MessageEventPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessageNew = append(ws.dispatcher.onMessageNew, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageUpdated registers a handler for message edits.
func (ws *RealtimeClient) OnMessageUpdated(h func(MessageEventPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessageUpd = append(ws.dispatcher.onMessageUpd, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageDeleted registers a handler for message deletions.
func (ws *RealtimeClient) OnMessageDeleted(h func(MessageEventPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessageDel = append(ws.dispatcher.onMessageDel, h)
	ws.dispatcher.mu.Unlock()
}

// OnReactionAdded registers a handler for added reactions.
func (ws *RealtimeClient) OnReactionAdded(h func(ReactionEventPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReactionAdd = append(ws.dispatcher.onReactionAdd, h)
	ws.dispatcher.mu.Unlock()
}

// OnReactionRemoved registers a handler for removed reactions.
func (ws *RealtimeClient) OnReactionRemoved(h func(ReactionEventPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReactionDel = append(ws.dispatcher.onReactionDel, h)
	ws.dispatcher.mu.Unlock()
}

// OnActivity registers a handler for participant activity changes.
func (ws *RealtimeClient) OnActivity(h func(ActivityEventPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onActivity = append(ws.dispatcher.onActivity, h)
	ws.dispatcher.mu.Unlock()
}

// OnParticipantJoined registers a handler for participants joining.
func (ws *RealtimeClient) OnParticipantJoined(h func(ParticipantEventPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onParticipantIn = append(ws.dispatcher.onParticipantIn, h)
	ws.dispatcher.mu.Unlock()
}

// OnParticipantLeft registers a handler for participants leaving.
func (ws *RealtimeClient) OnParticipantLeft(h func(ParticipantEventPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onParticipantGo = append(ws.dispatcher.onParticipantGo, h)
	ws.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (ws *RealtimeClient) OnError(h func(RealtimeErrorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[eventType] = append(ws.dispatcher.generic[eventType], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection and waits for the
// authentication ack. A previously joined session is re-joined.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(ws.config.Token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Read first message (should be "authenticated")
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	// The connection outlives the dial context; it is torn down by
	// Disconnect or a read error, not by the caller's deadline.
	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	joined := ws.joinedSession
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.logger.Info("realtime: connected")
	ws.dispatcher.dispatch(env, ws.logger)
	ws.dispatcher.emitConnected()

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)

	if joined != "" {
		if err := ws.JoinSession(ctx, joined); err != nil {
			ws.logger.Warn("realtime: rejoin session", "session", joined, "error", err)
		}
	}
	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// JoinSession subscribes the connection to one session's change feed.
func (ws *RealtimeClient) JoinSession(ctx context.Context, sessionID string) error {
	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "session.join",
		Payload: map[string]string{"sessionId": sessionID},
	})
	if err != nil {
		return err
	}
	ws.mu.Lock()
	ws.joinedSession = sessionID
	ws.mu.Unlock()
	return nil
}

// LeaveSession unsubscribes from a session's change feed.
func (ws *RealtimeClient) LeaveSession(ctx context.Context, sessionID string) error {
	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "session.leave",
		Payload: map[string]string{"sessionId": sessionID},
	})
	if err != nil {
		return err
	}
	ws.mu.Lock()
	if ws.joinedSession == sessionID {
		ws.joinedSession = ""
	}
	ws.mu.Unlock()
	return nil
}

// SetActivity reports the local participant's activity to the session.
func (ws *RealtimeClient) SetActivity(ctx context.Context, sessionID string, activity Activity) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type: "activity.set",
		Payload: map[string]string{
			"sessionId": sessionID,
			"activity":  string(activity),
		},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	ws.pendingMu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ch := make(chan PongPayload, 1)
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeClient) setState(state RealtimeState) {
	ws.mu.Lock()
	ws.state = state
	ws.mu.Unlock()
}

func (ws *RealtimeClient) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.clearPendingPings()
			if intentional {
				return
			}

			ws.logger.Warn("realtime: connection lost", "error", err)
			ws.dispatcher.emitDisconnected(0, err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.logger.Warn("realtime: bad envelope", "error", err)
			continue
		}

		// Resolve pending pings
		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		ws.dispatcher.dispatch(env, ws.logger)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}

			if _, err := ws.Ping(ctx); err != nil {
				// Force close so readLoop notices and reconnects.
				ws.logger.Warn("realtime: heartbeat failed", "error", err)
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect() {
	for {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.logger.Info("realtime: reconnecting", "attempt", ws.recon.attempt, "delay", delay)
		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

		time.Sleep(delay)

		ws.mu.Lock()
		intentional := ws.intentionalClose
		ws.mu.Unlock()
		if intentional {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := ws.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.logger.Warn("realtime: reconnect failed", "error", err)
		if !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			ws.logger.Error("realtime: reconnect attempts exhausted")
			return
		}
	}
}

func (ws *RealtimeClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

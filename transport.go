package omnibox

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures the push transport.
type TransportConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *TransportConfig) defaults() {
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
}

// ConnState represents the push connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// TransportOption configures a Transport at construction.
type TransportOption func(*Transport)

// WithTransportLogger attaches a structured logger to the transport.
func WithTransportLogger(l *zap.Logger) TransportOption {
	return func(t *Transport) { t.logger = l }
}

// ============================================================================
// Event Sink
// ============================================================================

// eventSink holds the registered handlers for the closed set of push events.
// Handlers run synchronously on the read loop so that events reach the merge
// layer in arrival order; keep them fast.
type eventSink struct {
	mu                   sync.RWMutex
	onNewMessage         []func(NewMessageEvent)
	onMessageStatus      []func(MessageStatusEvent)
	onConversationUpdate []func(ConversationUpdateEvent)
	onUnreadCount        []func(UnreadCountEvent)
	onConversationRead   []func(ConversationReadEvent)
	onTyping             []func(TypingEvent)
	onConnected          []func(resumed bool)
	onDisconnected       []func(code int, reason string)
	onReconnecting       []func(attempt int, delay time.Duration)
	onTransportError     []func(err error)
}

func (s *eventSink) dispatch(env Envelope, logger *zap.Logger) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch env.Type {
	case EventNewMessage:
		var p NewMessageEvent
		if err := decodeEvent(env, &p, (&p).validate); err != nil {
			logger.Warn("dropping malformed push event", zap.String("type", string(env.Type)), zap.Error(err))
			return
		}
		for _, h := range s.onNewMessage {
			h(p)
		}
	case EventMessageStatus:
		var p MessageStatusEvent
		if err := decodeEvent(env, &p, (&p).validate); err != nil {
			logger.Warn("dropping malformed push event", zap.String("type", string(env.Type)), zap.Error(err))
			return
		}
		for _, h := range s.onMessageStatus {
			h(p)
		}
	case EventConversationUpdate:
		var p ConversationUpdateEvent
		if err := decodeEvent(env, &p, (&p).validate); err != nil {
			logger.Warn("dropping malformed push event", zap.String("type", string(env.Type)), zap.Error(err))
			return
		}
		for _, h := range s.onConversationUpdate {
			h(p)
		}
	case EventUnreadCount:
		var p UnreadCountEvent
		if err := decodeEvent(env, &p, (&p).validate); err != nil {
			logger.Warn("dropping malformed push event", zap.String("type", string(env.Type)), zap.Error(err))
			return
		}
		for _, h := range s.onUnreadCount {
			h(p)
		}
	case EventConversationRead:
		var p ConversationReadEvent
		if err := decodeEvent(env, &p, (&p).validate); err != nil {
			logger.Warn("dropping malformed push event", zap.String("type", string(env.Type)), zap.Error(err))
			return
		}
		for _, h := range s.onConversationRead {
			h(p)
		}
	case EventUserTyping:
		var p TypingEvent
		if err := decodeEvent(env, &p, (&p).validate); err != nil {
			logger.Warn("dropping malformed push event", zap.String("type", string(env.Type)), zap.Error(err))
			return
		}
		for _, h := range s.onTyping {
			h(p)
		}
	default:
		logger.Warn("dropping push event of unknown type", zap.String("type", string(env.Type)))
	}
}

func decodeEvent[T any](env Envelope, out *T, validate func() error) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return err
	}
	return validate()
}

func (s *eventSink) emitConnected(resumed bool) {
	s.mu.RLock()
	handlers := append([]func(bool){}, s.onConnected...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(resumed)
	}
}

func (s *eventSink) emitDisconnected(code int, reason string) {
	s.mu.RLock()
	handlers := append([]func(int, string){}, s.onDisconnected...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (s *eventSink) emitReconnecting(attempt int, delay time.Duration) {
	s.mu.RLock()
	handlers := append([]func(int, time.Duration){}, s.onReconnecting...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (s *eventSink) emitError(err error) {
	s.mu.RLock()
	handlers := append([]func(error){}, s.onTransportError...)
	s.mu.RUnlock()
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

func newReconnector(config *TransportConfig) *reconnector {
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
// Transport
// ============================================================================

// Transport maintains the single authenticated WebSocket push channel of a
// session. Connection errors are surfaced as state and through OnTransportError,
// never returned to event consumers.
type Transport struct {
	session *Session
	baseURL string
	config  *TransportConfig
	logger  *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	everConnected    bool
	lastErr          error
	cancelFn         context.CancelFunc

	sink  *eventSink
	recon *reconnector
}

func newTransport(session *Session, baseURL string, cfg *TransportConfig) *Transport {
	return &Transport{
		session: session,
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  cfg,
		state:   StateDisconnected,
		sink:    &eventSink{},
		recon:   newReconnector(cfg),
	}
}

// OnNewMessage registers a handler for inbound message events.
func (t *Transport) OnNewMessage(h func(NewMessageEvent)) {
	t.sink.mu.Lock()
	t.sink.onNewMessage = append(t.sink.onNewMessage, h)
	t.sink.mu.Unlock()
}

// OnMessageStatus registers a handler for delivery-state changes.
func (t *Transport) OnMessageStatus(h func(MessageStatusEvent)) {
	t.sink.mu.Lock()
	t.sink.onMessageStatus = append(t.sink.onMessageStatus, h)
	t.sink.mu.Unlock()
}

// OnConversationUpdate registers a handler for metadata patches.
func (t *Transport) OnConversationUpdate(h func(ConversationUpdateEvent)) {
	t.sink.mu.Lock()
	t.sink.onConversationUpdate = append(t.sink.onConversationUpdate, h)
	t.sink.mu.Unlock()
}

// OnUnreadCount registers a handler for aggregate unread reports.
func (t *Transport) OnUnreadCount(h func(UnreadCountEvent)) {
	t.sink.mu.Lock()
	t.sink.onUnreadCount = append(t.sink.onUnreadCount, h)
	t.sink.mu.Unlock()
}

// OnConversationRead registers a handler for read acknowledgments.
func (t *Transport) OnConversationRead(h func(ConversationReadEvent)) {
	t.sink.mu.Lock()
	t.sink.onConversationRead = append(t.sink.onConversationRead, h)
	t.sink.mu.Unlock()
}

// OnTyping registers a handler for typing indicators.
func (t *Transport) OnTyping(h func(TypingEvent)) {
	t.sink.mu.Lock()
	t.sink.onTyping = append(t.sink.onTyping, h)
	t.sink.mu.Unlock()
}

// OnConnected registers a handler for the connected transition. resumed is
// true when the connection re-established after a drop: events missed during
// the gap are not replayed, so consumers trigger a catch-up fetch on it.
func (t *Transport) OnConnected(h func(resumed bool)) {
	t.sink.mu.Lock()
	t.sink.onConnected = append(t.sink.onConnected, h)
	t.sink.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected transition.
func (t *Transport) OnDisconnected(h func(code int, reason string)) {
	t.sink.mu.Lock()
	t.sink.onDisconnected = append(t.sink.onDisconnected, h)
	t.sink.mu.Unlock()
}

// OnReconnecting registers a handler for reconnect attempts.
func (t *Transport) OnReconnecting(h func(attempt int, delay time.Duration)) {
	t.sink.mu.Lock()
	t.sink.onReconnecting = append(t.sink.onReconnecting, h)
	t.sink.mu.Unlock()
}

// OnTransportError registers a handler for connection errors. Errors arrive
// here as state, suitable for a passive connectivity badge.
func (t *Transport) OnTransportError(h func(err error)) {
	t.sink.mu.Lock()
	t.sink.onTransportError = append(t.sink.onTransportError, h)
	t.sink.mu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns the most recent connection error, if any.
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Connect establishes the push channel, authenticating with the session's
// bearer token at the handshake. Calling Connect while connected or
// connecting is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	header := http.Header{}
	if token := t.session.TokenValue(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		t.mu.Lock()
		t.state = StateDisconnected
		t.lastErr = terr
		t.mu.Unlock()
		t.sink.emitError(terr)
		return terr
	}

	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.lastErr = nil
	resumed := t.everConnected
	t.everConnected = true
	t.mu.Unlock()
	t.recon.markConnected()

	t.logger.Info("push channel connected", zap.Bool("resumed", resumed))
	t.sink.emitConnected(resumed)

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	// Stop the previous connection's read and heartbeat loops; after an
	// unclean drop they are still parked on the old context.
	if t.cancelFn != nil {
		t.cancelFn()
	}
	t.cancelFn = cancel
	t.mu.Unlock()

	go t.readLoop(connCtx)
	go t.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the push channel.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		t.sink.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
		return err
	}
	return nil
}

// MarkAsRead notifies the push channel that a conversation was read locally.
func (t *Transport) MarkAsRead(ctx context.Context, conversationID string) error {
	return t.send(ctx, &Intent{
		Type:    "mark_as_read",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Typing publishes this session's typing indicator for a conversation.
func (t *Transport) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	return t.send(ctx, &Intent{
		Type: "typing",
		Payload: map[string]interface{}{
			"conversationId": conversationID,
			"isTyping":       isTyping,
		},
	})
}

func (t *Transport) send(ctx context.Context, intent *Intent) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return &TransportError{Op: "send", Err: errNotConnected}
	}
	data, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *Transport) readLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleReadFailure(ctx, err)
			return
		}

		var env Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
			t.logger.Warn("dropping undecodable push frame", zap.Error(jsonErr))
			continue
		}
		t.sink.dispatch(env, t.logger)
	}
}

func (t *Transport) handleReadFailure(ctx context.Context, err error) {
	t.mu.Lock()
	intentional := t.intentionalClose
	t.mu.Unlock()
	if intentional {
		return
	}

	terr := &TransportError{Op: "read", Err: err}
	t.mu.Lock()
	t.state = StateDisconnected
	t.conn = nil
	t.lastErr = terr
	t.mu.Unlock()

	t.logger.Warn("push channel dropped", zap.Error(err))
	t.sink.emitError(terr)
	t.sink.emitDisconnected(0, err.Error())

	if t.config.AutoReconnect && t.recon.shouldReconnect() {
		go t.scheduleReconnect(ctx)
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			state := t.state
			t.mu.Unlock()
			if state != StateConnected || conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Half-open connection: force the read loop to fail so the
				// normal reconnect path takes over.
				t.logger.Warn("heartbeat failed, closing connection", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (t *Transport) scheduleReconnect(ctx context.Context) {
	for t.config.AutoReconnect && t.recon.shouldReconnect() {
		t.mu.Lock()
		if t.intentionalClose {
			t.mu.Unlock()
			return
		}
		t.state = StateReconnecting
		t.mu.Unlock()

		delay := t.recon.nextDelay()
		t.sink.emitReconnecting(t.recon.attempt, delay)
		t.logger.Info("reconnecting push channel",
			zap.Int("attempt", t.recon.attempt), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := t.Connect(context.Background()); err == nil {
			return
		}
	}

	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()
}

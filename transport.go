package chatterbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event names
// ============================================================================

const (
	EventInitiateChat     = "initiate-chat"
	EventJoinConversation = "join:conversation"
	EventSendMessage      = "send-message"
	EventChatMessage      = "chat-message"
	EventMessageReceived  = "message:received"
	EventReadUpTo         = "messages:readUpTo"
	EventMessageDelivered = "message:delivered"
	EventMessagesRead     = "messages:read"
	EventTypingSent       = "typing:sent"
	EventTypingReceived   = "typing:received"
	EventPresenceUpdate   = "presence:update"
	EventVisibility       = "presence:visibility"
	EventCallOffer        = "call:offer"
	EventCallIncoming     = "call:incoming"
	EventCallAnswer       = "webrtc:answer"
	EventICECandidate     = "webrtc:ice-candidate"
	EventCallEnd          = "call:end"
	EventCreateGroup      = "create:group"
	EventStatusNew        = "status:new"
	EventStatusIncoming   = "status:incoming"

	eventAuthenticated = "authenticated"
	eventAck           = "ack"
	eventPing          = "ping"
)

// ============================================================================
// Wire format
// ============================================================================

// Frame is the wire format for every event in both directions. Outgoing
// frames that expect an acknowledgement carry an AckID; the server answers
// with an "ack" frame carrying the same AckID.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// AuthenticatedPayload is the first frame sent by the server after dialing.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

type visibilityPayload struct {
	UserID  string `json:"userId,omitempty"`
	Visible bool   `json:"visible"`
}

// EventHandler receives pushed events.
type EventHandler func(event string, data json.RawMessage)

// Transport is the subset of the channel used by the messaging and call
// components. *Channel implements it.
type Transport interface {
	Connected() bool
	Emit(ctx context.Context, event string, payload any) error
	// EmitWithAck blocks until the remote acknowledges or ctx ends. Callers
	// apply their own timeout: a disconnect never resolves a pending ack.
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
	Subscribe(event string, handler EventHandler) (unsubscribe func())
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	Token string
	// TokenSource, when set, is consulted on every dial instead of Token so
	// reconnects pick up a refreshed token.
	TokenSource          func() string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	// Hidden starts the channel with the visibility signal set to false.
	Hidden     bool
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	Clock      clock.Clock
	Metrics    *Metrics
}

func (c *ChannelConfig) defaults() {
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
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Subscriptions
// ============================================================================

type subscription struct {
	id      uint64
	handler EventHandler
}

type stateSubscription struct {
	id      uint64
	handler func(ConnState)
}

type subscriptions struct {
	mu     sync.RWMutex
	next   uint64
	events map[string][]subscription
	state  []stateSubscription
	logger logrus.FieldLogger
}

func newSubscriptions(logger logrus.FieldLogger) *subscriptions {
	return &subscriptions{
		events: make(map[string][]subscription),
		logger: logger,
	}
}

func (s *subscriptions) add(event string, h EventHandler) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.events[event] = append(s.events[event], subscription{id: id, handler: h})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.events[event]
			for i, sub := range subs {
				if sub.id == id {
					s.events[event] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(s.events[event]) == 0 {
				delete(s.events, event)
			}
		})
	}
}

func (s *subscriptions) addState(h func(ConnState)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.state = append(s.state, stateSubscription{id: id, handler: h})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.state {
				if sub.id == id {
					s.state = append(s.state[:i:i], s.state[i+1:]...)
					break
				}
			}
		})
	}
}

// dispatch runs handlers serially in registration order.
func (s *subscriptions) dispatch(event string, data json.RawMessage) {
	s.mu.RLock()
	handlers := append([]subscription(nil), s.events[event]...)
	s.mu.RUnlock()
	for _, sub := range handlers {
		s.safeCall(event, func() { sub.handler(event, data) })
	}
}

func (s *subscriptions) dispatchState(state ConnState) {
	s.mu.RLock()
	handlers := append([]stateSubscription(nil), s.state...)
	s.mu.RUnlock()
	for _, sub := range handlers {
		s.safeCall(string(state), func() { sub.handler(state) })
	}
}

func (s *subscriptions) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{"event": event, "panic": r}).Error("event handler panicked")
		}
	}()
	fn()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	clock       clock.Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		clock:       config.Clock,
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAt = r.clock.Now()
}

// nextDelay returns the wait before the next attempt and that attempt's
// number.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && r.clock.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the persistent bidirectional connection to the backend. It is
// shared by every component; only the session owner may Disconnect it.
type Channel struct {
	baseURL string
	config  *ChannelConfig
	logger  logrus.FieldLogger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	userID           string
	visible          bool
	intentionalClose bool
	cancelFn         context.CancelFunc

	subs  *subscriptions
	recon *reconnector

	ackCounter  uint64
	pendingMu   sync.Mutex
	pendingAcks map[string]chan json.RawMessage
}

// NewChannel creates a channel for baseURL (http(s) scheme). Call Connect to
// establish the connection.
func NewChannel(baseURL string, config *ChannelConfig) *Channel {
	cfg := ChannelConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	logger := componentLogger(cfg.Logger, "transport")
	return &Channel{
		baseURL:     strings.TrimRight(baseURL, "/"),
		config:      &cfg,
		logger:      logger,
		state:       ConnDisconnected,
		visible:     !cfg.Hidden,
		subs:        newSubscriptions(logger),
		recon:       newReconnector(&cfg),
		pendingAcks: make(map[string]chan json.RawMessage),
	}
}

// URL returns the WebSocket URL including the token.
func (c *Channel) URL() string {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"
	if token := c.token(); token != "" {
		wsURL += "?token=" + url.QueryEscape(token)
	}
	return wsURL
}

func (c *Channel) token() string {
	if c.config.TokenSource != nil {
		if token := c.config.TokenSource(); token != "" {
			return token
		}
	}
	return c.config.Token
}

// State returns the current connection state.
func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel is live.
func (c *Channel) Connected() bool {
	return c.State() == ConnConnected
}

// UserID returns the identity confirmed by the server on the last connect.
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Subscribe registers a push-event handler and returns its disposer.
// Handlers run on the read loop and must not block.
func (c *Channel) Subscribe(event string, handler EventHandler) func() {
	return c.subs.add(event, handler)
}

// OnStateChange registers a connection-state observer.
func (c *Channel) OnStateChange(handler func(ConnState)) func() {
	return c.subs.addState(handler)
}

func (c *Channel) setState(state ConnState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed {
		c.subs.dispatchState(state)
	}
}

// Connect establishes the WebSocket connection and waits for the server's
// authenticated frame.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ConnConnected || c.state == ConnConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = ConnConnecting
	c.intentionalClose = false
	c.mu.Unlock()
	c.subs.dispatchState(ConnConnecting)
	return c.dial(ctx)
}

// errClosedWhileDialing reports a Disconnect that raced an in-flight dial.
var errClosedWhileDialing = newError(ErrCodeNotReady, "channel closed while connecting")

// dial opens a connection and installs it unless Disconnect was called in
// the meantime. It leaves intentionalClose untouched.
func (c *Channel) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.URL(), &websocket.DialOptions{HTTPClient: c.config.HTTPClient})
	if err != nil {
		c.setState(ConnDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(ConnDisconnected)
		return fmt.Errorf("read auth frame: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event != eventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(ConnDisconnected)
		return fmt.Errorf("expected %q, got %q", eventAuthenticated, frame.Event)
	}
	var auth AuthenticatedPayload
	_ = json.Unmarshal(frame.Data, &auth)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.setState(ConnDisconnected)
		return errClosedWhileDialing
	}
	if c.conn != nil {
		// A concurrent Connect and reconnect both dialed; keep the first.
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		c.setState(ConnConnected)
		return nil
	}
	prevCancel := c.cancelFn
	c.conn = conn
	c.userID = auth.UserID
	c.cancelFn = cancel
	c.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}
	c.recon.markConnected()
	c.setState(ConnConnected)

	c.logger.WithField("user_id", maskID(auth.UserID)).Info("channel connected")

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx, conn)

	c.emitVisibility()
	return nil
}

// Disconnect closes the connection without reconnecting.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.dropPendingAcks()
	c.recon.reset()
	c.setState(ConnDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// SetVisible records whether the host is foregrounded and re-emits the
// visibility signal when the value changes while connected.
func (c *Channel) SetVisible(visible bool) {
	c.mu.Lock()
	changed := c.visible != visible
	c.visible = visible
	connected := c.state == ConnConnected
	c.mu.Unlock()
	if changed && connected {
		c.emitVisibility()
	}
}

func (c *Channel) emitVisibility() {
	c.mu.Lock()
	payload := visibilityPayload{UserID: c.userID, Visible: c.visible}
	c.mu.Unlock()
	if err := c.Emit(context.Background(), EventVisibility, payload); err != nil {
		c.logger.WithError(err).Debug("visibility signal not sent")
	}
}

// Emit sends an event without waiting for an acknowledgement.
func (c *Channel) Emit(ctx context.Context, event string, payload any) error {
	return c.write(ctx, event, payload, "")
}

// EmitWithAck sends an event and waits for its acknowledgement payload.
func (c *Channel) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	ackID := strconv.FormatUint(atomic.AddUint64(&c.ackCounter, 1), 10)
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pendingAcks[ackID] = ch
	c.pendingMu.Unlock()

	if err := c.write(ctx, event, payload, ackID); err != nil {
		c.forgetAck(ackID)
		return nil, err
	}

	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		c.forgetAck(ackID)
		return nil, ctx.Err()
	}
}

func (c *Channel) write(ctx context.Context, event string, payload any, ackID string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return newError(ErrCodeNotReady, "channel not connected")
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data, AckID: ackID})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (c *Channel) forgetAck(ackID string) {
	c.pendingMu.Lock()
	delete(c.pendingAcks, ackID)
	c.pendingMu.Unlock()
}

func (c *Channel) resolveAck(ackID string, data json.RawMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pendingAcks[ackID]
	if ok {
		delete(c.pendingAcks, ackID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- data
	}
}

// dropPendingAcks forgets every outstanding ack without resolving it.
func (c *Channel) dropPendingAcks() {
	c.pendingMu.Lock()
	for k := range c.pendingAcks {
		delete(c.pendingAcks, k)
	}
	c.pendingMu.Unlock()
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			current := c.conn == conn
			var stopHeartbeat context.CancelFunc
			if current {
				c.conn = nil
				stopHeartbeat = c.cancelFn
				c.cancelFn = nil
			}
			c.mu.Unlock()
			if stopHeartbeat != nil {
				stopHeartbeat()
			}
			if intentional || !current {
				return
			}

			c.logger.WithError(err).Warn("channel read failed")
			c.dropPendingAcks()
			c.setState(ConnDisconnected)

			if c.config.AutoReconnect && c.recon.shouldReconnect() {
				c.reconnectLoop()
			}
			return
		}

		var frame Frame
		if json.Unmarshal(data, &frame) != nil {
			c.logger.Debug("dropping malformed frame")
			continue
		}
		if frame.Event == eventAck {
			c.resolveAck(frame.AckID, frame.Data)
			continue
		}
		c.config.Metrics.pushEvent(frame.Event)
		c.subs.dispatch(frame.Event, frame.Data)
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := c.config.Clock.Ticker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Connected() {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, c.config.HeartbeatTimeout)
			_, err := c.EmitWithAck(pingCtx, eventPing, nil)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Warn("heartbeat failed, closing connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Channel) reconnectLoop() {
	for c.config.AutoReconnect && c.recon.shouldReconnect() {
		delay, attempt := c.recon.nextDelay()
		c.setState(ConnReconnecting)
		c.config.Metrics.reconnect()
		c.logger.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("reconnecting")

		c.config.Clock.Sleep(delay)
		if c.closing() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		if c.closing() {
			return
		}
		c.logger.WithError(err).Warn("reconnect attempt failed")
	}
	c.setState(ConnDisconnected)
}

func (c *Channel) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intentionalClose
}

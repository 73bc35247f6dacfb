package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is one open push channel connection.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens push channel transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WSDialer dials the push channel over WebSocket.
type WSDialer struct {
	URL        string
	HTTPClient *http.Client
	Header     http.Header
}

// NewWSDialer returns a dialer for the /ws endpoint under baseURL.
func NewWSDialer(baseURL string) *WSDialer {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return &WSDialer{URL: u + "/ws"}
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the ConnectionManager.
type RealtimeConfig struct {
	Credential           string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatDeadline    time.Duration
	AuthTimeout          time.Duration
	Logger               zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatDeadline == 0 {
		c.HeartbeatDeadline = 60 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
}

// ConnState is the push channel connection state.
type ConnState string

const (
	StateDisconnected   ConnState = "disconnected"
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateSubscribed     ConnState = "subscribed"
	StateReconnecting   ConnState = "reconnecting"
)

// StateChange describes one transition of the connection state machine.
// Err is set when the transition was caused by a failure; on a terminal
// Disconnected it is an *AuthError or wraps ErrReconnectExhausted.
type StateChange struct {
	From    ConnState
	To      ConnState
	Attempt int
	Delay   time.Duration
	Err     error
}

// Terminal reports whether the change leaves the manager stopped until a
// manual Reconnect. A Disconnected change that is followed by Reconnecting
// carries the transport error but is not terminal.
func (c StateChange) Terminal() bool {
	if c.To != StateDisconnected || c.Err == nil {
		return false
	}
	var authErr *AuthError
	return errors.As(c.Err, &authErr) || errors.Is(c.Err, ErrReconnectExhausted)
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu              sync.RWMutex
	onNewMessage    []func(NewMessageEvent)
	onMessageStatus []func(MessageStatusEvent)
	onChannelStatus []func(ChannelStatusEvent)
	onStateChange   []func(StateChange)
	logger          zerolog.Logger
}

// dispatch runs handlers synchronously, in frame order, on the reader
// goroutine. A panicking handler is logged and skipped.
func (d *eventDispatcher) dispatch(ev ServerEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch ev := ev.(type) {
	case NewMessageEvent:
		for _, h := range d.onNewMessage {
			d.call(ev.EventType(), func() { h(ev) })
		}
	case MessageStatusEvent:
		for _, h := range d.onMessageStatus {
			d.call(ev.EventType(), func() { h(ev) })
		}
	case ChannelStatusEvent:
		for _, h := range d.onChannelStatus {
			d.call(ev.EventType(), func() { h(ev) })
		}
	case PongEvent:
		d.logger.Debug().Str("request_id", ev.RequestID).Msg("pong")
	case AuthenticatedEvent, AuthErrorEvent:
		d.logger.Warn().Str("type", ev.EventType()).Msg("unexpected auth frame after subscribe")
	}
}

func (d *eventDispatcher) emitState(c StateChange) {
	d.mu.RLock()
	handlers := append([]func(StateChange){}, d.onStateChange...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call("state", func() { h(c) })
	}
}

func (d *eventDispatcher) call(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("event", kind).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn()
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector counts consecutive failed sessions. A session that reaches
// Subscribed resets it.
type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// fail records a failed session and returns the delay before the next dial,
// or false once the attempt cap is reached.
func (r *reconnector) fail() (int, time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt++
	if r.attempt >= r.maxAttempts {
		return r.attempt, 0, false
	}
	delay := r.baseDelay << (r.attempt - 1)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	return r.attempt, delay, true
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// ============================================================================
// ConnectionManager
// ============================================================================

var errHeartbeatTimeout = errors.New("no transport activity before heartbeat deadline")

// ConnectionManager owns the push channel: it connects, authenticates,
// joins the watched rooms, keeps the transport alive with heartbeats and
// reconnects with exponential backoff. It is shared by all conversations.
type ConnectionManager struct {
	dialer     Dialer
	config     RealtimeConfig
	logger     zerolog.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	mu            sync.Mutex
	state         ConnState
	lastErr       error
	transport     Transport
	rooms         map[string]struct{}
	pendingLeaves map[string]struct{}
	cancel        context.CancelFunc
	done          chan struct{}

	writeMu sync.Mutex
}

// NewConnectionManager creates a manager that dials through dialer.
func NewConnectionManager(dialer Dialer, config RealtimeConfig) *ConnectionManager {
	config.defaults()
	return &ConnectionManager{
		dialer:        dialer,
		config:        config,
		logger:        config.Logger,
		dispatcher:    &eventDispatcher{logger: config.Logger},
		recon:         newReconnector(&config),
		state:         StateDisconnected,
		rooms:         make(map[string]struct{}),
		pendingLeaves: make(map[string]struct{}),
	}
}

// OnNewMessage registers a handler for pushed messages.
func (m *ConnectionManager) OnNewMessage(h func(NewMessageEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onNewMessage = append(m.dispatcher.onNewMessage, h)
	m.dispatcher.mu.Unlock()
}

// OnMessageStatus registers a handler for delivery status updates.
func (m *ConnectionManager) OnMessageStatus(h func(MessageStatusEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onMessageStatus = append(m.dispatcher.onMessageStatus, h)
	m.dispatcher.mu.Unlock()
}

// OnChannelStatus registers a handler for messaging channel status changes.
func (m *ConnectionManager) OnChannelStatus(h func(ChannelStatusEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onChannelStatus = append(m.dispatcher.onChannelStatus, h)
	m.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (m *ConnectionManager) OnStateChange(h func(StateChange)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onStateChange = append(m.dispatcher.onStateChange, h)
	m.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error behind the last failure transition, if any.
func (m *ConnectionManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Attempts returns the number of consecutive failed sessions.
func (m *ConnectionManager) Attempts() int {
	return m.recon.attempts()
}

// Start begins connecting in the background. It is a no-op when the manager
// is already running.
func (m *ConnectionManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.done)
}

// Reconnect stops any running loop, resets the attempt counter and backoff,
// and starts connecting again.
func (m *ConnectionManager) Reconnect(ctx context.Context) {
	m.stop()
	m.recon.reset()
	m.logger.Info().Msg("manual reconnect")
	m.Start(ctx)
}

// Close stops the manager and closes the transport.
func (m *ConnectionManager) Close() error {
	m.stop()
	m.setState(StateDisconnected, 0, 0, nil)
	return nil
}

// Wait blocks until the run loop exits or ctx is done.
func (m *ConnectionManager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ConnectionManager) stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Watch adds a conversation room. The room is joined right away when
// subscribed and rejoined after every reconnect.
func (m *ConnectionManager) Watch(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	_, already := m.rooms[conversationID]
	m.rooms[conversationID] = struct{}{}
	delete(m.pendingLeaves, conversationID)
	t, state := m.transport, m.state
	m.mu.Unlock()

	if already || t == nil || state != StateSubscribed {
		return nil
	}
	return m.send(ctx, t, JoinRoomCommand{RoomID: conversationID})
}

// Unwatch drops a conversation room. The leave is sent on the next
// heartbeat tick, so membership may lag by one interval.
func (m *ConnectionManager) Unwatch(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[conversationID]; !ok {
		return
	}
	delete(m.rooms, conversationID)
	m.pendingLeaves[conversationID] = struct{}{}
}

// Rooms returns the watched conversation ids.
func (m *ConnectionManager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

func (m *ConnectionManager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := m.session(ctx)
		if ctx.Err() != nil {
			m.setState(StateDisconnected, 0, 0, nil)
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			m.logger.Error().Err(err).Msg("push channel authentication failed")
			m.setState(StateDisconnected, 0, 0, err)
			return
		}

		attempt, delay, retry := m.recon.fail()
		if !retry {
			err = fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
			m.logger.Error().Err(err).Msg("giving up on push channel")
			m.setState(StateDisconnected, attempt, 0, err)
			return
		}

		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("push channel lost, reconnecting")
		m.setState(StateDisconnected, attempt, 0, err)
		m.setState(StateReconnecting, attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateDisconnected, 0, 0, nil)
			return
		case <-timer.C:
		}
	}
}

// session runs one connect/authenticate/subscribe cycle and returns when
// the transport fails or ctx is cancelled.
func (m *ConnectionManager) session(ctx context.Context) error {
	m.setState(StateConnecting, m.recon.attempts(), 0, nil)

	t, err := m.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer t.Close()

	m.setState(StateAuthenticating, m.recon.attempts(), 0, nil)
	if err := m.authenticate(ctx, t); err != nil {
		return err
	}

	m.mu.Lock()
	m.transport = t
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	m.pendingLeaves = make(map[string]struct{})
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()
	}()

	for _, id := range rooms {
		if err := m.send(ctx, t, JoinRoomCommand{RoomID: id}); err != nil {
			return err
		}
	}

	m.recon.reset()
	m.setState(StateSubscribed, 0, 0, nil)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	var timedOut atomic.Bool

	go m.heartbeat(sessCtx, t, &lastActivity, &timedOut)

	for {
		data, err := t.Read(sessCtx)
		if err != nil {
			if timedOut.Load() {
				return errHeartbeatTimeout
			}
			return err
		}
		lastActivity.Store(time.Now().UnixNano())

		ev, err := DecodeServerEvent(data)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping malformed push frame")
			continue
		}
		m.dispatcher.dispatch(ev)
	}
}

func (m *ConnectionManager) authenticate(ctx context.Context, t Transport) error {
	if err := m.send(ctx, t, AuthenticateCommand{Credential: m.config.Credential}); err != nil {
		return err
	}

	authCtx, cancel := context.WithTimeout(ctx, m.config.AuthTimeout)
	defer cancel()
	data, err := t.Read(authCtx)
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}

	ev, err := DecodeServerEvent(data)
	if err != nil {
		return fmt.Errorf("auth reply: %w", err)
	}
	switch ev := ev.(type) {
	case AuthenticatedEvent:
		if !ev.Success {
			return &AuthError{Reason: "credential rejected"}
		}
		return nil
	case AuthErrorEvent:
		return &AuthError{Reason: ev.Reason}
	default:
		return fmt.Errorf("expected %q, got %q", typeAuthenticated, ev.EventType())
	}
}

// heartbeat pings on the heartbeat interval, flushes queued room leaves and
// closes the transport when nothing has been read for longer than the
// deadline.
func (m *ConnectionManager) heartbeat(ctx context.Context, t Transport, lastActivity *atomic.Int64, timedOut *atomic.Bool) {
	ping := time.NewTicker(m.config.HeartbeatInterval)
	defer ping.Stop()
	watch := time.NewTicker(m.config.HeartbeatDeadline / 4)
	defer watch.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watch.C:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle > m.config.HeartbeatDeadline {
				m.logger.Warn().Dur("idle", idle).Msg("heartbeat deadline exceeded")
				timedOut.Store(true)
				t.Close()
				return
			}
		case <-ping.C:
			m.flushLeaves(ctx, t)
			if err := m.send(ctx, t, PingCommand{RequestID: uuid.NewString()}); err != nil {
				m.logger.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

func (m *ConnectionManager) flushLeaves(ctx context.Context, t Transport) {
	m.mu.Lock()
	leaves := make([]string, 0, len(m.pendingLeaves))
	for id := range m.pendingLeaves {
		if _, watched := m.rooms[id]; !watched {
			leaves = append(leaves, id)
		}
	}
	m.pendingLeaves = make(map[string]struct{})
	m.mu.Unlock()

	for _, id := range leaves {
		if err := m.send(ctx, t, LeaveRoomCommand{RoomID: id}); err != nil {
			m.logger.Debug().Err(err).Str("room", id).Msg("leave failed")
		}
	}
}

func (m *ConnectionManager) send(ctx context.Context, t Transport, cmd ClientCommand) error {
	data, err := Encode(cmd)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return t.Write(ctx, data)
}

func (m *ConnectionManager) setState(to ConnState, attempt int, delay time.Duration, err error) {
	m.mu.Lock()
	from := m.state
	if from == to && err == nil {
		m.mu.Unlock()
		return
	}
	m.state = to
	if err != nil {
		m.lastErr = err
	} else if to == StateSubscribed {
		m.lastErr = nil
	}
	m.mu.Unlock()

	m.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("push channel state")
	m.dispatcher.emitState(StateChange{From: from, To: to, Attempt: attempt, Delay: delay, Err: err})
}

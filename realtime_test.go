package chatsync

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Fake push server
// ============================================================================

type fakeTransport struct {
	srv    *fakeServer
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	commands []ClientCommand
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.inbox:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	cmd, err := DecodeClientCommand(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.commands = append(t.commands, cmd)
	t.mu.Unlock()
	if _, ok := cmd.(AuthenticateCommand); ok {
		t.push(t.srv.authReply())
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) push(ev ServerEvent) {
	frame, _ := Encode(ev)
	t.inbox <- frame
}

func (t *fakeTransport) joined() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var rooms []string
	for _, c := range t.commands {
		if j, ok := c.(JoinRoomCommand); ok {
			rooms = append(rooms, j.RoomID)
		}
	}
	return rooms
}

type fakeServer struct {
	mu         sync.Mutex
	dials      int
	failDials  int
	rejectAuth bool
	transports []*fakeTransport
}

func (s *fakeServer) Dial(ctx context.Context) (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dials <= s.failDials {
		return nil, errors.New("connection refused")
	}
	t := &fakeTransport{srv: s, inbox: make(chan []byte, 64), closed: make(chan struct{})}
	s.transports = append(s.transports, t)
	return t, nil
}

func (s *fakeServer) authReply() ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectAuth {
		return AuthErrorEvent{Reason: "bad token"}
	}
	return AuthenticatedEvent{Success: true}
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) transport(i int) *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.transports) {
		return nil
	}
	return s.transports[i]
}

func (s *fakeServer) setFailDials(n int) {
	s.mu.Lock()
	s.failDials = n
	s.mu.Unlock()
}

// ============================================================================
// Test Helpers
// ============================================================================

func testRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		Credential:         "tok",
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  4 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
		HeartbeatDeadline:  time.Hour,
		Logger:             zerolog.Nop(),
	}
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) record(c StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *stateRecorder) find(match func(StateChange) bool) (StateChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if match(c) {
			return c, true
		}
	}
	return StateChange{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, m *ConnectionManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("manager did not stop: %v", err)
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

func TestConnectionManagerGivesUp(t *testing.T) {
	srv := &fakeServer{failDials: 1000}
	cfg := testRealtimeConfig()
	cfg.MaxReconnectAttempts = 5
	m := NewConnectionManager(srv, cfg)
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	defer m.Close()

	m.Start(context.Background())
	waitDone(t, m)

	if srv.dialCount() != 5 {
		t.Errorf("dials = %d, want 5", srv.dialCount())
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %s", m.State())
	}
	if !errors.Is(m.Err(), ErrReconnectExhausted) {
		t.Errorf("err = %v, want ErrReconnectExhausted", m.Err())
	}
	if _, ok := rec.find(StateChange.Terminal); !ok {
		t.Error("no terminal state change emitted")
	}

	t.Run("manual reconnect starts fresh", func(t *testing.T) {
		srv.setFailDials(0)
		m.Reconnect(context.Background())
		waitFor(t, "subscribed", func() bool { return m.State() == StateSubscribed })
		if m.Attempts() != 0 {
			t.Errorf("attempts = %d, want 0", m.Attempts())
		}
		if m.Err() != nil {
			t.Errorf("err = %v after subscribe", m.Err())
		}
	})
}

func TestConnectionManagerAuthErrorIsTerminal(t *testing.T) {
	srv := &fakeServer{rejectAuth: true}
	m := NewConnectionManager(srv, testRealtimeConfig())
	defer m.Close()

	m.Start(context.Background())
	waitDone(t, m)

	var authErr *AuthError
	if !errors.As(m.Err(), &authErr) || authErr.Reason != "bad token" {
		t.Fatalf("err = %v, want AuthError", m.Err())
	}
	if srv.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", srv.dialCount())
	}
}

func TestConnectionManagerRejoinsRooms(t *testing.T) {
	srv := &fakeServer{}
	m := NewConnectionManager(srv, testRealtimeConfig())
	defer m.Close()

	if err := m.Watch(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	m.Start(context.Background())
	waitFor(t, "first session", func() bool { return m.State() == StateSubscribed && srv.transport(0) != nil })

	if err := m.Watch(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	first := srv.transport(0)
	waitFor(t, "live join", func() bool { return len(first.joined()) == 2 })

	first.Close()
	waitFor(t, "second session", func() bool {
		second := srv.transport(1)
		return second != nil && len(second.joined()) == 2 && m.State() == StateSubscribed
	})
}

func (r *stateRecorder) path() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnState, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func TestConnectionManagerDropPassesThroughDisconnected(t *testing.T) {
	srv := &fakeServer{}
	m := NewConnectionManager(srv, testRealtimeConfig())
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	defer m.Close()

	m.Start(context.Background())
	waitFor(t, "first session", func() bool { return m.State() == StateSubscribed && srv.transport(0) != nil })

	srv.transport(0).Close()
	waitFor(t, "second session", func() bool { return srv.transport(1) != nil && m.State() == StateSubscribed })

	want := []ConnState{StateConnecting, StateAuthenticating, StateSubscribed, StateDisconnected, StateReconnecting, StateConnecting}
	got := rec.path()
	if len(got) < len(want) {
		t.Fatalf("path = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("path = %v, want prefix %v", got, want)
		}
	}

	drop, _ := rec.find(func(c StateChange) bool { return c.To == StateDisconnected })
	if drop.Err == nil || drop.From != StateSubscribed {
		t.Errorf("drop = %+v, want an error from subscribed", drop)
	}
	if drop.Terminal() {
		t.Error("a retried drop must not be terminal")
	}
	if _, ok := rec.find(StateChange.Terminal); ok {
		t.Error("terminal change emitted for a recoverable drop")
	}
}

func TestConnectionManagerHeartbeatDeadline(t *testing.T) {
	srv := &fakeServer{}
	cfg := testRealtimeConfig()
	cfg.HeartbeatDeadline = 40 * time.Millisecond
	m := NewConnectionManager(srv, cfg)
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	defer m.Close()

	m.Start(context.Background())
	waitFor(t, "heartbeat timeout", func() bool {
		_, ok := rec.find(func(c StateChange) bool {
			return c.To == StateReconnecting && errors.Is(c.Err, errHeartbeatTimeout)
		})
		return ok
	})
	first := srv.transport(0)
	select {
	case <-first.closed:
	default:
		t.Error("silent transport was not closed")
	}
}

func TestConnectionManagerDispatch(t *testing.T) {
	srv := &fakeServer{}
	m := NewConnectionManager(srv, testRealtimeConfig())
	defer m.Close()

	got := make(chan NewMessageEvent, 1)
	m.OnNewMessage(func(NewMessageEvent) { panic("listener bug") })
	m.OnNewMessage(func(ev NewMessageEvent) { got <- ev })

	m.Start(context.Background())
	waitFor(t, "subscribed", func() bool { return m.State() == StateSubscribed && srv.transport(0) != nil })

	tr := srv.transport(0)
	tr.inbox <- []byte(`{"type":"new_message","payload":{"conversationId":"c1"}}`)
	tr.push(NewMessageEvent{ConversationID: "c1", Message: msg("m1", 10, "hello")})

	select {
	case ev := <-got:
		if ev.Message.ID != "m1" {
			t.Errorf("message = %+v", ev.Message)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
	if m.State() != StateSubscribed {
		t.Errorf("malformed frame dropped the session: %s", m.State())
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    5 * time.Second,
		MaxReconnectAttempts: 5,
	})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		attempt, delay, ok := r.fail()
		if !ok || attempt != i+1 || delay != w {
			t.Fatalf("fail %d = (%d, %v, %v), want (%d, %v, true)", i, attempt, delay, ok, i+1, w)
		}
	}
	if _, _, ok := r.fail(); ok {
		t.Fatal("fifth failure must stop retrying")
	}
	r.reset()
	if r.attempts() != 0 {
		t.Errorf("attempts = %d after reset", r.attempts())
	}
}

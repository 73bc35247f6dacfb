package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
)

func realtimeConfig(credential string) chatsync.RealtimeConfig {
	return chatsync.RealtimeConfig{
		Credential:           credential,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		HeartbeatInterval:    time.Hour,
		HeartbeatDeadline:    time.Hour,
		AuthTimeout:          2 * time.Second,
		Logger:               zerolog.Nop(),
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type pushRecorder struct {
	mu       sync.Mutex
	messages []chatsync.NewMessageEvent
	statuses []chatsync.MessageStatusEvent
	channel  []chatsync.ChannelStatusEvent
	states   []chatsync.StateChange
}

func (r *pushRecorder) attach(m *chatsync.ConnectionManager) {
	m.OnNewMessage(func(ev chatsync.NewMessageEvent) {
		r.mu.Lock()
		r.messages = append(r.messages, ev)
		r.mu.Unlock()
	})
	m.OnMessageStatus(func(ev chatsync.MessageStatusEvent) {
		r.mu.Lock()
		r.statuses = append(r.statuses, ev)
		r.mu.Unlock()
	})
	m.OnChannelStatus(func(ev chatsync.ChannelStatusEvent) {
		r.mu.Lock()
		r.channel = append(r.channel, ev)
		r.mu.Unlock()
	})
	m.OnStateChange(func(c chatsync.StateChange) {
		r.mu.Lock()
		r.states = append(r.states, c)
		r.mu.Unlock()
	})
}

func (r *pushRecorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages), len(r.statuses), len(r.channel)
}

func (r *pushRecorder) terminal() (chatsync.StateChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.states {
		if c.Terminal() {
			return c, true
		}
	}
	return chatsync.StateChange{}, false
}

// ============================================================================
// Push channel
// ============================================================================

func TestPushChannelDelivery(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := context.Background()

	m := chatsync.NewConnectionManager(chatsync.NewWSDialer(ts.URL), realtimeConfig(testToken))
	rec := &pushRecorder{}
	rec.attach(m)
	m.Start(ctx)
	defer m.Close()

	if err := m.Watch(ctx, "c1"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	eventually(t, "room membership", func() bool { return len(srv.Hub().Subscribers("c1")) == 1 })
	eventually(t, "subscribed", func() bool { return m.State() == chatsync.StateSubscribed })

	if _, err := srv.Ingest(ctx, inbound("c1", "w1", 1000, "hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Ingest(ctx, inbound("c2", "w2", 1000, "other room")); err != nil {
		t.Fatal(err)
	}
	sent, err := srv.Ingest(ctx, chatsync.Message{ConversationID: "c1", Body: "reply", Direction: chatsync.Outbound, Status: chatsync.StatusSent})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.UpdateStatus(ctx, "c1", sent.ID, chatsync.StatusDelivered); err != nil {
		t.Fatal(err)
	}
	srv.ChannelStatus(ctx, "connected")

	eventually(t, "pushed events", func() bool {
		msgs, statuses, channel := rec.counts()
		return msgs == 2 && statuses >= 1 && channel == 1
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, ev := range rec.messages {
		if ev.ConversationID != "c1" {
			t.Errorf("received message from room %s", ev.ConversationID)
		}
	}
	last := rec.statuses[len(rec.statuses)-1]
	if last.MessageID != sent.ID || last.Status != chatsync.StatusDelivered {
		t.Errorf("status event = %+v", last)
	}
	if rec.channel[0].State != "connected" {
		t.Errorf("channel state = %s", rec.channel[0].State)
	}
}

func TestPushChannelRejectsCredential(t *testing.T) {
	_, ts := newTestServer(t)

	m := chatsync.NewConnectionManager(chatsync.NewWSDialer(ts.URL), realtimeConfig("wrong"))
	rec := &pushRecorder{}
	rec.attach(m)
	m.Start(context.Background())
	defer m.Close()

	eventually(t, "terminal state", func() bool {
		_, ok := rec.terminal()
		return ok
	})
	c, _ := rec.terminal()
	var authErr *chatsync.AuthError
	if !errors.As(c.Err, &authErr) {
		t.Fatalf("terminal err = %v, want AuthError", c.Err)
	}
	if !strings.Contains(authErr.Reason, ErrUnauthorized.Error()) {
		t.Errorf("reason = %q", authErr.Reason)
	}
}

func TestPushChannelRequiresAuthentication(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame, _ := chatsync.Encode(chatsync.JoinRoomCommand{RoomID: "c1"})
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ev, err := chatsync.DecodeServerEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if ae, ok := ev.(chatsync.AuthErrorEvent); !ok || ae.Reason != "not authenticated" {
		t.Fatalf("reply = %#v", ev)
	}
	if n := len(srv.Hub().Subscribers("c1")); n != 0 {
		t.Fatalf("unauthenticated join landed: %d subscribers", n)
	}

	frame, _ = chatsync.Encode(chatsync.AuthenticateCommand{Credential: testToken, ConversationID: "c1"})
	conn.Write(ctx, websocket.MessageText, frame)
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ev, _ = chatsync.DecodeServerEvent(data)
	if ae, _ := ev.(chatsync.AuthenticatedEvent); !ae.Success {
		t.Fatalf("reply = %#v", ev)
	}
	eventually(t, "join with authenticate", func() bool { return len(srv.Hub().Subscribers("c1")) == 1 })

	frame, _ = chatsync.Encode(chatsync.PingCommand{RequestID: "p1"})
	conn.Write(ctx, websocket.MessageText, frame)
	_, data, _ = conn.Read(ctx)
	ev, _ = chatsync.DecodeServerEvent(data)
	if pong, ok := ev.(chatsync.PongEvent); !ok || pong.RequestID != "p1" {
		t.Fatalf("reply = %#v", ev)
	}
}

// ============================================================================
// End to end
// ============================================================================

func TestEngineReceivesWebhookMessage(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := context.Background()

	client := newAPIClient(ts, testToken)
	engine := chatsync.NewEngine(client, chatsync.NewCacheStore(chatsync.NewMemoryBackend(0), nil), &chatsync.EngineOptions{
		Dialer:                   chatsync.NewWSDialer(ts.URL),
		Realtime:                 realtimeConfig(testToken),
		PollInterval:             time.Hour,
		ConversationPollInterval: time.Hour,
		Logger:                   zerolog.Nop(),
	})
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Destroy()

	const conv = "5511999990000@c.us"
	if err := engine.OpenConversation(ctx, conv); err != nil {
		t.Fatalf("open: %v", err)
	}
	eventually(t, "room membership", func() bool { return len(srv.Hub().Subscribers(conv)) == 1 })

	body := makeTestPayloadString()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/channel", strings.NewReader(body))
	req.Header.Set(SignatureHeader, makeTestSignature(body, testSecret))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	eventually(t, "pushed message in view", func() bool {
		for _, m := range engine.View(conv) {
			if m.ID == "wamid-001" {
				return m.Timestamp == 1700000000000
			}
		}
		return false
	})
}

package hub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
)

type fakeConn struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Enqueue(frame []byte) error {
	if c.fail {
		return errors.New("queue full")
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newMessageEvent(conv string) chatsync.NewMessageEvent {
	return chatsync.NewMessageEvent{
		ConversationID: conv,
		Message: chatsync.Message{
			ID: "m1", ConversationID: conv, Body: "hi", Timestamp: 1, Direction: chatsync.Inbound,
		},
	}
}

func TestPublish(t *testing.T) {
	h := New(zerolog.Nop())
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b", fail: true}
	c := &fakeConn{id: "c"}
	other := &fakeConn{id: "other"}
	for _, conn := range []*fakeConn{a, b, c, other} {
		h.Register(conn)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := h.Join(id, "c1"); err != nil {
			t.Fatal(err)
		}
	}
	h.Join("other", "c2")

	n := h.Publish(context.Background(), "c1", newMessageEvent("c1"))
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if a.received() != 1 || c.received() != 1 {
		t.Error("healthy subscribers missed the event")
	}
	if other.received() != 0 {
		t.Error("event leaked to another room")
	}

	subs := h.Subscribers("c1")
	if len(subs) != 2 || subs[0] != "a" || subs[1] != "c" {
		t.Errorf("subscribers = %v, want [a c]", subs)
	}
	if h.Len() != 3 {
		t.Errorf("len = %d, want 3 after dropping the failed conn", h.Len())
	}

	frame := a.frames[0]
	ev, err := chatsync.DecodeServerEvent(frame)
	if err != nil {
		t.Fatal(err)
	}
	if ev.(chatsync.NewMessageEvent).Message.ID != "m1" {
		t.Errorf("frame = %s", frame)
	}
}

func TestPublishEmptyRoom(t *testing.T) {
	h := New(zerolog.Nop())
	if n := h.Publish(context.Background(), "nobody", newMessageEvent("nobody")); n != 0 {
		t.Errorf("delivered = %d", n)
	}
}

func TestBroadcast(t *testing.T) {
	h := New(zerolog.Nop())
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	h.Register(a)
	h.Register(b)
	h.Join("a", "c1")

	if n := h.Broadcast(context.Background(), chatsync.ChannelStatusEvent{State: "qr_required"}); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if b.received() != 1 {
		t.Error("connection without rooms missed the broadcast")
	}
}

func TestJoinLeave(t *testing.T) {
	h := New(zerolog.Nop())
	if err := h.Join("ghost", "c1"); !errors.Is(err, ErrUnknownConn) {
		t.Fatalf("err = %v, want ErrUnknownConn", err)
	}

	h.Register(&fakeConn{id: "a"})
	h.Join("a", "c1")
	h.Join("a", "c2")
	h.Join("a", "c1")
	if rooms := h.Rooms("a"); len(rooms) != 2 {
		t.Fatalf("rooms = %v", rooms)
	}

	h.Leave("a", "c1")
	h.Leave("a", "never-joined")
	if rooms := h.Rooms("a"); len(rooms) != 1 || rooms[0] != "c2" {
		t.Errorf("rooms = %v, want [c2]", rooms)
	}

	h.Unregister("a")
	if len(h.Subscribers("c2")) != 0 || h.Len() != 0 {
		t.Error("unregister left state behind")
	}
}

func TestConcurrentPublish(t *testing.T) {
	h := New(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		h.Register(&fakeConn{id: id})
		h.Join(id, "c1")
	}
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Publish(context.Background(), "c1", newMessageEvent("c1"))
		}()
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%20))
			h.Leave(id, "c1")
			h.Join(id, "c1")
		}(i)
	}
	wg.Wait()
}

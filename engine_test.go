package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Fake REST backend
// ============================================================================

// fakeFetcher serves pages from an in-memory history kept oldest first.
type fakeFetcher struct {
	mu       sync.Mutex
	history  map[string][]Message
	fetches  map[string]int
	sent     int
	read     []string
	onFetch  func(ctx context.Context)
	fetchErr error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{history: make(map[string][]Message), fetches: make(map[string]int)}
}

func (f *fakeFetcher) add(conversationID string, msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		m.ConversationID = conversationID
		f.history[conversationID] = append(f.history[conversationID], m)
	}
}

func (f *fakeFetcher) fetchCount(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[conversationID]
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, conversationID string, limit int, beforeID string) (*Page, error) {
	f.mu.Lock()
	f.fetches[conversationID]++
	hook, fetchErr := f.onFetch, f.fetchErr
	all := append([]Message(nil), f.history[conversationID]...)
	f.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	end := len(all)
	if beforeID != "" {
		end = -1
		for i, m := range all {
			if m.ID == beforeID {
				end = i
			}
		}
		if end < 0 {
			return nil, &APIError{Code: "NOT_FOUND", Message: "unknown cursor", Status: 404}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return &Page{Messages: all[start:end], HasMore: start > 0, KnownTotal: len(all)}, nil
}

func (f *fakeFetcher) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ConversationSummary
	for id, msgs := range f.history {
		s := ConversationSummary{ConversationID: id, UnreadCount: 1}
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			s.LastMessage = &last
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeFetcher) Send(ctx context.Context, conversationID, body string, opts *SendOptions) (*SendResult, error) {
	f.mu.Lock()
	f.sent++
	id := fmt.Sprintf("sent-%d", f.sent)
	f.mu.Unlock()
	m := Message{ID: id, ConversationID: conversationID, Body: body, Timestamp: 1000, Direction: Outbound, Status: StatusSent}
	f.add(conversationID, m)
	return &SendResult{MessageID: id, Message: &m}, nil
}

func (f *fakeFetcher) MarkRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	f.read = append(f.read, conversationID)
	f.mu.Unlock()
	return nil
}

// ============================================================================
// Test Helpers
// ============================================================================

func newTestEngine(t *testing.T, fetcher *fakeFetcher, dialer Dialer) *Engine {
	t.Helper()
	opts := &EngineOptions{
		PollInterval:             time.Hour,
		ConversationPollInterval: time.Hour,
		PageLimit:                2,
		Logger:                   zerolog.Nop(),
	}
	if dialer != nil {
		opts.Dialer = dialer
		opts.Realtime = testRealtimeConfig()
	}
	e := NewEngine(fetcher, NewCacheStore(NewMemoryBackend(0), nil), opts)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Destroy)
	return e
}

func viewHas(e *Engine, conversationID, messageID string) bool {
	for _, m := range e.View(conversationID) {
		if m.ID == messageID {
			return true
		}
	}
	return false
}

// ============================================================================
// Engine
// ============================================================================

func TestEngineOpenConversation(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", msg("m1", 10, "1"), msg("m2", 20, "2"), msg("m3", 30, "3"))
	e := newTestEngine(t, f, nil)

	updates := make(chan ViewUpdate, 8)
	e.On(EventViewUpdated, func(_ string, p any) { updates <- p.(ViewUpdate) })

	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	assertIDs(t, e.View("c1"), "m2", "m3")

	for found := false; !found; {
		select {
		case u := <-updates:
			if u.Source != "fetch" {
				continue
			}
			found = true
			if u.ConversationID != "c1" || u.KnownTotal != 3 || u.Size != 2 {
				t.Errorf("update = %+v", u)
			}
		case <-time.After(time.Second):
			t.Fatal("no view update")
		}
	}

	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if n := f.fetchCount("c1"); n != 1 {
		t.Errorf("reopening an open conversation fetched again: %d", n)
	}
}

func TestEngineLoadOlder(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", msg("m1", 10, "1"), msg("m2", 20, "2"), msg("m3", 30, "3"), msg("m4", 40, "4"))
	e := newTestEngine(t, f, nil)
	ctx := context.Background()

	if err := e.OpenConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	res, err := e.LoadOlder(ctx, "c1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, res.Messages, "m1", "m2")
	if res.HasMore || e.HasMoreHistory("c1") {
		t.Error("history should be exhausted")
	}
	assertIDs(t, e.View("c1"), "m1", "m2", "m3", "m4")

	res, err = e.LoadOlder(ctx, "c1", "", 0)
	if err != nil || len(res.Messages) != 0 {
		t.Fatalf("exhausted load = %+v, %v", res, err)
	}

	if err := e.Resync(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if !e.HasMoreHistory("c1") {
		t.Error("resync should re-enable paging")
	}
}

func TestEngineLoadOlderSkipsMessagesWithoutID(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", msg("m1", 10, "1"), msg("m2", 20, "2"), msg("m3", 30, "3"), msg("m4", 40, "4"))
	e := newTestEngine(t, f, nil)
	ctx := context.Background()

	if err := e.OpenConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.reconciler.Apply(ctx, "c1", []Message{msg("", 25, "no id yet")}, 0); err != nil {
		t.Fatal(err)
	}
	if v := e.View("c1"); v[0].ID != "" {
		t.Fatalf("oldest view message = %q, want the one without id", v[0].ID)
	}

	res, err := e.LoadOlder(ctx, "c1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, res.Messages, "m1", "m2")
	if !viewHas(e, "c1", "m1") {
		t.Error("older page not in view")
	}
}

func TestEngineSendAndMarkRead(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", msg("m1", 10, "1"))
	e := newTestEngine(t, f, nil)
	ctx := context.Background()

	e.OpenConversation(ctx, "c1")
	sent, err := e.Send(ctx, "c1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !viewHas(e, "c1", sent.ID) {
		t.Errorf("sent message %s not in view", sent.ID)
	}

	if _, err := e.SyncConversations(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkRead(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	for _, c := range e.Conversations() {
		if c.ConversationID == "c1" && c.UnreadCount != 0 {
			t.Errorf("unread = %d after MarkRead", c.UnreadCount)
		}
	}
}

func TestEngineSyncErrorEvent(t *testing.T) {
	f := newFakeFetcher()
	f.fetchErr = &APIError{Code: "INTERNAL", Status: 500}
	e := newTestEngine(t, f, nil)

	errs := make(chan SyncError, 4)
	e.On(EventSyncError, func(_ string, p any) { errs <- p.(SyncError) })

	if err := e.OpenConversation(context.Background(), "c1"); err == nil {
		t.Fatal("expected error")
	}
	select {
	case se := <-errs:
		if se.ConversationID != "c1" {
			t.Errorf("sync error = %+v", se)
		}
	case <-time.After(time.Second):
		t.Fatal("no sync error event")
	}
}

func TestEngineCloseConversationCancelsFetch(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", msg("m1", 10, "1"), msg("m2", 20, "2"), msg("m3", 30, "3"))
	e := newTestEngine(t, f, nil)
	ctx := context.Background()
	e.OpenConversation(ctx, "c1")

	started := make(chan struct{})
	var once sync.Once
	f.mu.Lock()
	f.onFetch = func(ctx context.Context) {
		once.Do(func() { close(started) })
		<-ctx.Done()
	}
	f.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := e.LoadOlder(ctx, "c1", "", 0)
		done <- err
	}()
	<-started
	e.CloseConversation("c1")

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("fetch not cancelled")
	}
	assertIDs(t, e.View("c1"), "m2", "m3")
}

func TestEnginePushAndResync(t *testing.T) {
	f := newFakeFetcher()
	f.add("c1", msg("m1", 10, "1"))
	srv := &fakeServer{}
	e := newTestEngine(t, f, srv)
	ctx := context.Background()

	waitFor(t, "subscribed", func() bool { return e.Connection().State() == StateSubscribed })
	if err := e.OpenConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	first := srv.transport(0)
	waitFor(t, "room joined", func() bool { return len(first.joined()) == 1 })

	out := msg("m2", 20, "2")
	out.Direction = Outbound
	out.Status = StatusSent
	first.push(NewMessageEvent{ConversationID: "c1", Message: out})
	waitFor(t, "pushed message", func() bool { return viewHas(e, "c1", "m2") })

	first.push(MessageStatusEvent{MessageID: "m2", Status: StatusRead})
	waitFor(t, "status update", func() bool {
		v := e.View("c1")
		return len(v) == 2 && v[1].Status == StatusRead
	})

	// Missed while the push channel is down; only the resync brings it in.
	f.add("c1", msg("m3", 30, "3"))
	first.Close()
	waitFor(t, "resync after reconnect", func() bool { return viewHas(e, "c1", "m3") })
	if e.Disconnected() {
		t.Error("engine reports disconnected after recovery")
	}
}

func TestEngineConnectionLost(t *testing.T) {
	srv := &fakeServer{rejectAuth: true}
	f := newFakeFetcher()
	lost := make(chan any, 1)

	e := NewEngine(f, NewCacheStore(NewMemoryBackend(0), nil), &EngineOptions{
		Dialer:                   srv,
		Realtime:                 testRealtimeConfig(),
		PollInterval:             time.Hour,
		ConversationPollInterval: time.Hour,
		Logger:                   zerolog.Nop(),
	})
	e.On(EventConnectionLost, func(_ string, p any) { lost <- p })
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Destroy()

	select {
	case p := <-lost:
		if _, ok := p.(*AuthError); !ok {
			t.Errorf("payload = %T, want *AuthError", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connection.lost not emitted")
	}
	if !e.Disconnected() {
		t.Error("Disconnected() = false")
	}
}

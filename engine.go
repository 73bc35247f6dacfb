package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Engine Types
// ============================================================================

// Fetcher is the REST collaborator the engine pulls from. *Client
// implements it.
type Fetcher interface {
	PageFetcher
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	Send(ctx context.Context, conversationID, body string, opts *SendOptions) (*SendResult, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Engine event names.
const (
	EventViewUpdated          = "view.updated"
	EventSyncError            = "sync.error"
	EventConversationsUpdated = "conversations.updated"
	EventConnectionState      = "connection.state"
	EventConnectionLost       = "connection.lost"
	EventChannelStatus        = "channel.status"
)

// ViewUpdate is the payload of EventViewUpdated.
type ViewUpdate struct {
	ConversationID string
	Size           int
	KnownTotal     int
	Source         string
}

// SyncError is the payload of EventSyncError.
type SyncError struct {
	ConversationID string
	Err            error
}

// EngineOptions configures the Engine.
type EngineOptions struct {
	// Dialer enables the push channel. Without it the engine only polls.
	Dialer                   Dialer
	Realtime                 RealtimeConfig
	PollInterval             time.Duration
	ConversationPollInterval time.Duration
	PageLimit                int
	Logger                   zerolog.Logger
}

func (o *EngineOptions) defaults() {
	if o.PollInterval == 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.ConversationPollInterval == 0 {
		o.ConversationPollInterval = 60 * time.Second
	}
	if o.PageLimit == 0 {
		o.PageLimit = DefaultPageLimit
	}
}

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles engine events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	logger    zerolog.Logger
}

// On registers a handler for an engine event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Str("event", event).Interface("panic", r).Msg("listener panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Engine
// ============================================================================

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Engine owns every conversation view and the machinery that keeps them
// fresh. Callers refer to conversations by id only; views handed out are
// copies.
type Engine struct {
	emitter
	store      *CacheStore
	reconciler *Reconciler
	pager      *HistoryPager
	conn       *ConnectionManager
	fetcher    Fetcher
	opts       EngineOptions
	logger     zerolog.Logger

	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	sessions       map[string]*session
	conversations  []ConversationSummary
	subscribedOnce bool
	disconnected   bool
	wg             sync.WaitGroup
}

// NewEngine wires a cache, reconciler, pager and optional push channel
// around fetcher.
func NewEngine(fetcher Fetcher, store *CacheStore, opts *EngineOptions) *Engine {
	var o EngineOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	e := &Engine{
		emitter:  emitter{listeners: make(map[string][]EventHandler), logger: o.Logger},
		store:    store,
		fetcher:  fetcher,
		opts:     o,
		logger:   o.Logger,
		sessions: make(map[string]*session),
	}
	e.reconciler = NewReconciler(store, o.Logger)
	e.pager = NewHistoryPager(e.reconciler, fetcher, o.Logger)
	if o.Dialer != nil {
		rt := o.Realtime
		rt.Logger = o.Logger
		e.conn = NewConnectionManager(o.Dialer, rt)
	}
	return e
}

// Start restores the local cache, connects the push channel and starts the
// conversation list poll.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.ctx != nil {
		e.mu.Unlock()
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	if err := e.store.Open(runCtx); err != nil {
		e.logger.Warn().Err(err).Msg("local cache restore failed, starting empty")
	}

	if e.conn != nil {
		e.conn.OnNewMessage(e.handleNewMessage)
		e.conn.OnMessageStatus(e.handleMessageStatus)
		e.conn.OnChannelStatus(func(ev ChannelStatusEvent) { e.emit(EventChannelStatus, ev) })
		e.conn.OnStateChange(e.handleState)
		e.conn.Start(runCtx)
	}

	e.wg.Add(1)
	go e.pollConversations(runCtx)
	return nil
}

// Destroy stops all background work, closes the push channel and the cache.
func (e *Engine) Destroy() {
	e.mu.Lock()
	cancel := e.cancel
	e.sessions = make(map[string]*session)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if e.conn != nil {
		e.conn.Close()
	}
	e.wg.Wait()
	if err := e.store.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("closing local cache")
	}
	e.removeAll()
}

// Connection returns the push channel manager, or nil when polling only.
func (e *Engine) Connection() *ConnectionManager { return e.conn }

// Disconnected reports whether the push channel is in a terminal state that
// should be shown to the user.
func (e *Engine) Disconnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disconnected
}

// Reconnect manually restarts the push channel with a fresh backoff.
func (e *Engine) Reconnect() {
	if e.conn == nil {
		return
	}
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	go e.conn.Reconnect(ctx)
}

// ── Conversations ────────────────────────────────────────

// OpenConversation starts a session for the conversation: it joins the push
// room, syncs the newest page right away and then polls periodically until
// CloseConversation.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	if e.ctx == nil {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.sessions[conversationID]; ok {
		e.mu.Unlock()
		return nil
	}
	sessCtx, cancel := context.WithCancel(e.ctx)
	s := &session{ctx: sessCtx, cancel: cancel}
	e.sessions[conversationID] = s
	e.mu.Unlock()

	if e.conn != nil {
		if err := e.conn.Watch(ctx, conversationID); err != nil {
			e.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("join room failed, will rejoin on reconnect")
		}
	}

	e.wg.Add(1)
	go e.pollLoop(sessCtx, conversationID)

	syncCtx, done := withSession(ctx, s)
	defer done()
	return e.Sync(syncCtx, conversationID)
}

// CloseConversation cancels the conversation's pending fetches and poll.
// The shared push channel stays up; the room is left on the next heartbeat.
func (e *Engine) CloseConversation(conversationID string) {
	e.mu.Lock()
	s, ok := e.sessions[conversationID]
	delete(e.sessions, conversationID)
	e.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	if e.conn != nil {
		e.conn.Unwatch(conversationID)
	}
}

// OpenConversations returns the ids of conversations with an active session.
func (e *Engine) OpenConversations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// View returns a copy of the merged, ordered messages of a conversation.
func (e *Engine) View(conversationID string) []Message {
	entry := e.store.Get(context.Background(), conversationID)
	if entry == nil {
		return nil
	}
	return entry.Messages
}

// Entry returns a copy of the conversation's cache entry.
func (e *Engine) Entry(conversationID string) *CacheEntry {
	return e.store.Get(context.Background(), conversationID)
}

// Conversations returns the last fetched conversation list.
func (e *Engine) Conversations() []ConversationSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ConversationSummary(nil), e.conversations...)
}

// ── Sync ─────────────────────────────────────────────────

// Sync fetches the newest page of a conversation and merges it.
func (e *Engine) Sync(ctx context.Context, conversationID string) error {
	page, err := e.fetcher.FetchMessages(ctx, conversationID, e.opts.PageLimit, "")
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("sync failed")
			e.emit(EventSyncError, SyncError{ConversationID: conversationID, Err: err})
		}
		return err
	}
	entry, err := e.reconciler.Apply(ctx, conversationID, page.Messages, page.KnownTotal)
	if err != nil {
		return err
	}
	e.emitView(entry, "fetch")
	return nil
}

// Resync re-enables backward pagination and syncs the newest page.
func (e *Engine) Resync(ctx context.Context, conversationID string) error {
	e.pager.Reset(conversationID)
	return e.Sync(ctx, conversationID)
}

// LoadOlder loads one page of history older than beforeMessageID. An empty
// beforeMessageID pages from the oldest message in the view that has an id.
// Closing the conversation cancels the fetch.
func (e *Engine) LoadOlder(ctx context.Context, conversationID, beforeMessageID string, limit int) (*OlderResult, error) {
	if beforeMessageID == "" {
		for _, m := range e.View(conversationID) {
			if m.ID != "" {
				beforeMessageID = m.ID
				break
			}
		}
	}
	if limit <= 0 {
		limit = e.opts.PageLimit
	}

	e.mu.Lock()
	s := e.sessions[conversationID]
	e.mu.Unlock()
	if s != nil {
		var done func()
		ctx, done = withSession(ctx, s)
		defer done()
	}

	res, err := e.pager.LoadOlder(ctx, conversationID, beforeMessageID, limit)
	if err != nil {
		return nil, err
	}
	if len(res.Messages) > 0 {
		e.emitView(e.store.Get(ctx, conversationID), "history")
	}
	return res, nil
}

// HasMoreHistory reports whether older history may still be loaded.
func (e *Engine) HasMoreHistory(conversationID string) bool {
	return !e.pager.Exhausted(conversationID)
}

// SyncConversations refreshes the conversation list and merges each last
// message into views that already exist.
func (e *Engine) SyncConversations(ctx context.Context) ([]ConversationSummary, error) {
	list, err := e.fetcher.ListConversations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn().Err(err).Msg("conversation list sync failed")
			e.emit(EventSyncError, SyncError{Err: err})
		}
		return nil, err
	}

	e.mu.Lock()
	e.conversations = list
	e.mu.Unlock()

	for _, c := range list {
		if c.LastMessage == nil || e.store.Get(ctx, c.ConversationID) == nil {
			continue
		}
		entry, err := e.reconciler.Apply(ctx, c.ConversationID, []Message{*c.LastMessage}, 0)
		if err != nil {
			return list, err
		}
		e.emitView(entry, "list")
	}
	e.emit(EventConversationsUpdated, list)
	return list, nil
}

// ── Writes ───────────────────────────────────────────────

// Send sends a message and merges the confirmed message into the view.
func (e *Engine) Send(ctx context.Context, conversationID, body string, opts *SendOptions) (*Message, error) {
	res, err := e.fetcher.Send(ctx, conversationID, body, opts)
	if err != nil {
		return nil, err
	}

	msg := res.Message
	if msg == nil {
		msg = &Message{
			ID:             res.MessageID,
			ConversationID: conversationID,
			Body:           body,
			Timestamp:      time.Now().UnixMilli(),
			Direction:      Outbound,
			Type:           TypeText,
			Status:         StatusSent,
		}
		if opts != nil {
			if opts.Type != "" {
				msg.Type = opts.Type
			}
			msg.Attachment = opts.Attachment
		}
	}

	entry, err := e.reconciler.Apply(ctx, conversationID, []Message{*msg}, 0)
	if err != nil {
		return msg, err
	}
	e.emitView(entry, "send")
	return msg, nil
}

// MarkRead clears the unread counter of a conversation.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	if err := e.fetcher.MarkRead(ctx, conversationID); err != nil {
		return err
	}
	e.mu.Lock()
	for i := range e.conversations {
		if e.conversations[i].ConversationID == conversationID {
			e.conversations[i].UnreadCount = 0
		}
	}
	e.mu.Unlock()
	return nil
}

// ── Push handlers ────────────────────────────────────────

func (e *Engine) handleNewMessage(ev NewMessageEvent) {
	ctx := e.runContext()
	entry, err := e.reconciler.Apply(ctx, ev.ConversationID, []Message{ev.Message}, 0)
	if err != nil {
		return
	}
	e.emitView(entry, "push")
}

func (e *Engine) handleMessageStatus(ev MessageStatusEvent) {
	ctx := e.runContext()
	candidates := []string{ev.ConversationID}
	if ev.ConversationID == "" {
		candidates = e.OpenConversations()
	}
	for _, conv := range candidates {
		found, err := e.reconciler.ApplyStatus(ctx, conv, ev.MessageID, ev.Status)
		if err != nil {
			return
		}
		if found {
			e.emitView(e.store.Get(ctx, conv), "status")
			return
		}
	}
}

func (e *Engine) handleState(c StateChange) {
	e.emit(EventConnectionState, c)

	e.mu.Lock()
	resync := false
	switch {
	case c.Terminal():
		e.disconnected = true
	case c.To == StateSubscribed:
		e.disconnected = false
		resync = e.subscribedOnce
		e.subscribedOnce = true
	}
	e.mu.Unlock()

	if c.Terminal() {
		e.logger.Error().Err(c.Err).Msg("push channel disconnected")
		e.emit(EventConnectionLost, c.Err)
	}
	if resync {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.syncOpen()
		}()
	}
}

// syncOpen catches up every open conversation after the push channel comes
// back, since pushes sent while it was down are lost.
func (e *Engine) syncOpen() {
	e.mu.Lock()
	sessions := make(map[string]*session, len(e.sessions))
	for id, s := range e.sessions {
		sessions[id] = s
	}
	e.mu.Unlock()

	for id, s := range sessions {
		if s.ctx.Err() != nil {
			continue
		}
		_ = e.Sync(s.ctx, id)
	}
}

// ── Scheduling ───────────────────────────────────────────

func (e *Engine) pollLoop(ctx context.Context, conversationID string) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = e.Sync(ctx, conversationID)
		}
	}
}

func (e *Engine) pollConversations(ctx context.Context) {
	defer e.wg.Done()
	_, _ = e.SyncConversations(ctx)

	ticker := time.NewTicker(e.opts.ConversationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.SyncConversations(ctx)
		}
	}
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) emitView(entry *CacheEntry, source string) {
	if entry == nil {
		return
	}
	e.emit(EventViewUpdated, ViewUpdate{
		ConversationID: entry.ConversationID,
		Size:           len(entry.Messages),
		KnownTotal:     entry.KnownTotal,
		Source:         source,
	})
}

// withSession derives a context that is also cancelled when the session
// ends.
func withSession(ctx context.Context, s *session) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

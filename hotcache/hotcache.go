// Package hotcache keeps the newest window of recently read conversations in
// memory in front of the persistence gateway.
package hotcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
	"github.com/rppbarbosa/whatsapp-crm-sub002/internal/metrics"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultWindow     = 50
	DefaultMaxEntries = 10000
)

// Backend is the durable store the cache reads through and writes through.
type Backend interface {
	AppendMessage(ctx context.Context, msg chatsync.Message) (chatsync.Message, error)
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*chatsync.Page, error)
	UpdateStatus(ctx context.Context, conversationID, messageID string, status chatsync.DeliveryStatus) (chatsync.Message, error)
}

type Options struct {
	TTL        time.Duration
	Window     int
	MaxEntries int
	Logger     zerolog.Logger
	Now        func() time.Time
}

type entry struct {
	messages   []chatsync.Message
	hasMore    bool
	knownTotal int
	expires    time.Time
}

// load tracks writes made while a read-through is in flight.
type load struct {
	refs     int
	appended []chatsync.Message
	statuses []chatsync.Message
}

// Cache is a read-through, write-through cache of conversation tails.
type Cache struct {
	backend    Backend
	ttl        time.Duration
	window     int
	maxEntries int
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	loading map[string]*load
}

// New creates a cache in front of backend. A nil opts uses the defaults.
func New(backend Backend, opts *Options) *Cache {
	c := &Cache{
		backend:    backend,
		ttl:        DefaultTTL,
		window:     DefaultWindow,
		maxEntries: DefaultMaxEntries,
		logger:     zerolog.Nop(),
		now:        time.Now,
		entries:    make(map[string]*entry),
		loading:    make(map[string]*load),
	}
	if opts != nil {
		if opts.TTL > 0 {
			c.ttl = opts.TTL
		}
		if opts.Window > 0 {
			c.window = opts.Window
		}
		if opts.MaxEntries > 0 {
			c.maxEntries = opts.MaxEntries
		}
		if opts.Now != nil {
			c.now = opts.Now
		}
		c.logger = opts.Logger
	}
	return c
}

// Get returns the newest window of a conversation, loading it from the
// backend when it is missing or expired.
func (c *Cache) Get(ctx context.Context, conversationID string) (*chatsync.Page, error) {
	c.mu.Lock()
	e, ok := c.entries[conversationID]
	if ok && c.now().Before(e.expires) {
		page := e.page()
		c.mu.Unlock()
		metrics.HotCacheLookups.WithLabelValues("hit").Inc()
		return page, nil
	}
	if ok {
		delete(c.entries, conversationID)
	}
	l := c.loading[conversationID]
	if l == nil {
		l = &load{}
		c.loading[conversationID] = l
	}
	l.refs++
	c.mu.Unlock()
	metrics.HotCacheLookups.WithLabelValues("miss").Inc()

	page, err := c.backend.ListMessages(ctx, conversationID, "", c.window)

	c.mu.Lock()
	defer c.mu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(c.loading, conversationID)
	}
	if err != nil {
		return nil, err
	}

	// Writes that landed while the backend was read may be missing from
	// the loaded page.
	msgs, total := page.Messages, page.KnownTotal
	if len(l.appended) > 0 {
		res := chatsync.Merge(msgs, l.appended, total, 0)
		msgs, total = res.Messages, total+res.Added
	}
	for _, st := range l.statuses {
		if res := chatsync.Merge(msgs, []chatsync.Message{st}, total, 0); res.Added == 0 {
			msgs = res.Messages
		}
	}

	if cur, ok := c.entries[conversationID]; ok {
		res := chatsync.Merge(cur.messages, msgs, cur.knownTotal, total)
		cur.set(res.Messages, cur.hasMore || page.HasMore, res.KnownTotal, c.window)
		return cur.page(), nil
	}
	e = &entry{expires: c.now().Add(c.ttl)}
	e.set(msgs, page.HasMore, total, c.window)
	c.entries[conversationID] = e
	c.evictLocked()
	return e.page(), nil
}

// Page serves a page older than beforeID. The newest page comes from the
// cached window when it covers limit; everything else goes to the backend.
func (c *Cache) Page(ctx context.Context, conversationID, beforeID string, limit int) (*chatsync.Page, error) {
	if limit <= 0 {
		limit = chatsync.DefaultPageLimit
	}
	if beforeID != "" || limit > c.window {
		return c.backend.ListMessages(ctx, conversationID, beforeID, limit)
	}

	page, err := c.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if n := len(page.Messages); n > limit {
		page.Messages = page.Messages[n-limit:]
		page.HasMore = true
	}
	return page, nil
}

// Append persists msg and then merges the stored copy into the cached
// window, so a reader that polls after the push sees at least as much.
// Conversations that are not cached are left to the next read-through.
func (c *Cache) Append(ctx context.Context, msg chatsync.Message) (chatsync.Message, error) {
	stored, err := c.backend.AppendMessage(ctx, msg)
	if err != nil {
		return stored, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.loading[stored.ConversationID]; ok {
		l.appended = append(l.appended, stored)
	}
	if e, ok := c.entries[stored.ConversationID]; ok {
		res := chatsync.Merge(e.messages, []chatsync.Message{stored}, e.knownTotal, 0)
		e.set(res.Messages, e.hasMore, e.knownTotal+res.Added, c.window)
	}
	return stored, nil
}

// ApplyStatus advances a message's status in the backend and in the cached
// window.
func (c *Cache) ApplyStatus(ctx context.Context, conversationID, messageID string, status chatsync.DeliveryStatus) (chatsync.Message, error) {
	stored, err := c.backend.UpdateStatus(ctx, conversationID, messageID, status)
	if err != nil {
		return stored, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.loading[conversationID]; ok {
		l.statuses = append(l.statuses, stored)
	}
	if e, ok := c.entries[conversationID]; ok {
		res := chatsync.Merge(e.messages, []chatsync.Message{stored}, e.knownTotal, 0)
		if res.Added == 0 {
			e.messages = res.Messages
		}
	}
	return stored, nil
}

// Invalidate drops a cached conversation.
func (c *Cache) Invalidate(conversationID string) {
	c.mu.Lock()
	delete(c.entries, conversationID)
	c.mu.Unlock()
}

// Len returns the number of cached conversations, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxEntries {
		var (
			victim string
			soon   time.Time
		)
		for id, e := range c.entries {
			if victim == "" || e.expires.Before(soon) {
				victim, soon = id, e.expires
			}
		}
		delete(c.entries, victim)
		metrics.HotCacheEvictions.Inc()
		c.logger.Debug().Str("conversation_id", victim).Msg("hot cache eviction")
	}
}

// set stores msgs trimmed to the newest window.
func (e *entry) set(msgs []chatsync.Message, hasMore bool, knownTotal, window int) {
	if n := len(msgs); n > window {
		msgs = msgs[n-window:]
		hasMore = true
	}
	e.messages = msgs
	e.hasMore = hasMore
	if knownTotal < len(msgs) {
		knownTotal = len(msgs)
	}
	e.knownTotal = knownTotal
}

func (e *entry) page() *chatsync.Page {
	out := make([]chatsync.Message, len(e.messages))
	copy(out, e.messages)
	return &chatsync.Page{Messages: out, HasMore: e.hasMore, KnownTotal: e.knownTotal}
}

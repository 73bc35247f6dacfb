// Package gateway persists conversation messages on the server side. It has
// interchangeable drivers for memory, MongoDB, PostgreSQL and Redis.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
	"github.com/rppbarbosa/whatsapp-crm-sub002/internal/metrics"
)

// Gateway is the durable store of record for messages.
type Gateway interface {
	// AppendMessage stores msg, assigning an id and timestamp when missing.
	// Appending an id that already exists returns the stored message.
	AppendMessage(ctx context.Context, msg chatsync.Message) (chatsync.Message, error)
	// ListMessages returns up to limit messages strictly older than the
	// cursor message, oldest first. An empty cursor returns the newest page.
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*chatsync.Page, error)
	ListConversations(ctx context.Context, limit int) ([]chatsync.ConversationSummary, error)
	MarkRead(ctx context.Context, conversationID string) error
	// UpdateStatus advances a message's delivery status. It never moves
	// a status backwards.
	UpdateStatus(ctx context.Context, conversationID, messageID string, status chatsync.DeliveryStatus) (chatsync.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver    string // "memory", "mongo", "postgres" or "redis"
	URL       string
	Database  string
	Retention time.Duration
}

// Open connects the configured driver and wraps it with latency metrics.
func Open(ctx context.Context, cfg Config) (Gateway, error) {
	var (
		g   Gateway
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		g = NewMemory()
	case "mongo":
		g, err = NewMongo(ctx, cfg.URL, cfg.Database)
	case "postgres":
		g, err = NewPostgres(ctx, cfg.URL)
	case "redis":
		g, err = NewRedis(ctx, cfg.URL, cfg.Retention)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%s gateway: %w", cfg.Driver, err)
	}
	return Instrument(g, cfg.Driver), nil
}

// prepare fills in server-assigned fields and validates the result.
func prepare(msg chatsync.Message) (chatsync.Message, error) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.Type == "" {
		msg.Type = chatsync.TypeText
	}
	if msg.ConversationID == "" {
		return msg, fmt.Errorf("%w: message without conversation", chatsync.ErrMalformedEvent)
	}
	return msg, msg.Validate()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return chatsync.DefaultPageLimit
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// ============================================================================
// Memory
// ============================================================================

type memConversation struct {
	messages []chatsync.Message
	unread   int
}

// Memory is an in-process Gateway for development and tests.
type Memory struct {
	mu    sync.RWMutex
	convs map[string]*memConversation
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{convs: make(map[string]*memConversation)}
}

func (m *Memory) AppendMessage(_ context.Context, msg chatsync.Message) (chatsync.Message, error) {
	msg, err := prepare(msg)
	if err != nil {
		return msg, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[msg.ConversationID]
	if !ok {
		c = &memConversation{}
		m.convs[msg.ConversationID] = c
	}
	for _, existing := range c.messages {
		if existing.ID == msg.ID {
			return existing, nil
		}
	}

	i := sort.Search(len(c.messages), func(i int) bool { return less(msg, c.messages[i]) })
	c.messages = append(c.messages, chatsync.Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = msg
	if msg.Direction == chatsync.Inbound {
		c.unread++
	}
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID, cursor string, limit int) (*chatsync.Page, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.convs[conversationID]
	if !ok {
		if cursor != "" {
			return nil, fmt.Errorf("cursor %s: %w", cursor, chatsync.ErrNotFound)
		}
		return &chatsync.Page{Messages: []chatsync.Message{}}, nil
	}

	end := len(c.messages)
	if cursor != "" {
		end = -1
		for i := range c.messages {
			if c.messages[i].ID == cursor {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("cursor %s: %w", cursor, chatsync.ErrNotFound)
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]chatsync.Message, end-start)
	copy(out, c.messages[start:end])
	return &chatsync.Page{Messages: out, HasMore: start > 0, KnownTotal: len(c.messages)}, nil
}

func (m *Memory) ListConversations(_ context.Context, limit int) ([]chatsync.ConversationSummary, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]chatsync.ConversationSummary, 0, len(m.convs))
	for id, c := range m.convs {
		s := chatsync.ConversationSummary{ConversationID: id, UnreadCount: c.unread}
		if n := len(c.messages); n > 0 {
			last := c.messages[n-1]
			s.LastMessage = &last
		}
		out = append(out, s)
	}
	sortSummaries(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[conversationID]; ok {
		c.unread = 0
	}
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, conversationID, messageID string, status chatsync.DeliveryStatus) (chatsync.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[conversationID]; ok {
		for i := range c.messages {
			if c.messages[i].ID != messageID {
				continue
			}
			if status.Advances(c.messages[i].Status) {
				c.messages[i].Status = status
			}
			return c.messages[i], nil
		}
	}
	return chatsync.Message{}, fmt.Errorf("message %s: %w", messageID, chatsync.ErrNotFound)
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func less(a, b chatsync.Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

func sortSummaries(s []chatsync.ConversationSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		var ti, tj int64
		if s[i].LastMessage != nil {
			ti = s[i].LastMessage.Timestamp
		}
		if s[j].LastMessage != nil {
			tj = s[j].LastMessage.Timestamp
		}
		if ti != tj {
			return ti > tj
		}
		return s[i].ConversationID < s[j].ConversationID
	})
}

// ============================================================================
// Instrumentation
// ============================================================================

type instrumented struct {
	Gateway
	driver string
}

// Instrument records the latency of every gateway call.
func Instrument(g Gateway, driver string) Gateway {
	if driver == "" {
		driver = "memory"
	}
	return &instrumented{Gateway: g, driver: driver}
}

func (g *instrumented) observe(op string, start time.Time) {
	metrics.GatewayLatency.WithLabelValues(g.driver, op).Observe(time.Since(start).Seconds())
}

func (g *instrumented) AppendMessage(ctx context.Context, msg chatsync.Message) (chatsync.Message, error) {
	defer g.observe("append", time.Now())
	return g.Gateway.AppendMessage(ctx, msg)
}

func (g *instrumented) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*chatsync.Page, error) {
	defer g.observe("list_messages", time.Now())
	return g.Gateway.ListMessages(ctx, conversationID, cursor, limit)
}

func (g *instrumented) ListConversations(ctx context.Context, limit int) ([]chatsync.ConversationSummary, error) {
	defer g.observe("list_conversations", time.Now())
	return g.Gateway.ListConversations(ctx, limit)
}

func (g *instrumented) UpdateStatus(ctx context.Context, conversationID, messageID string, status chatsync.DeliveryStatus) (chatsync.Message, error) {
	defer g.observe("update_status", time.Now())
	return g.Gateway.UpdateStatus(ctx, conversationID, messageID, status)
}

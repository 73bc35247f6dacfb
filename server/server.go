// Package server exposes the conversation backend: the REST endpoints the
// sync client fetches from, the push channel endpoint and the channel
// provider webhook.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
	"github.com/rppbarbosa/whatsapp-crm-sub002/gateway"
	"github.com/rppbarbosa/whatsapp-crm-sub002/hotcache"
	"github.com/rppbarbosa/whatsapp-crm-sub002/hub"
)

const (
	DefaultIdleTimeout = 90 * time.Second
	DefaultQueueSize   = 256
	recentSendsLimit   = 4096
)

// ErrUnauthorized is returned by an Authenticator for a rejected credential.
var ErrUnauthorized = errors.New("invalid credential")

// Authenticator checks a push channel or REST credential and returns the
// subject it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// StaticTokens accepts a fixed set of tokens. An empty set accepts any
// non-empty credential, which is only meant for development.
type StaticTokens []string

func (s StaticTokens) Authenticate(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrUnauthorized
	}
	if len(s) == 0 {
		return "agent", nil
	}
	for i, tok := range s {
		if tok == credential {
			return "agent-" + strconv.Itoa(i), nil
		}
	}
	return "", ErrUnauthorized
}

type Options struct {
	Gateway        gateway.Gateway
	Cache          *hotcache.Cache
	Hub            *hub.Hub
	Authenticator  Authenticator
	WebhookSecret  string
	IdleTimeout    time.Duration
	QueueSize      int
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// Server ties the gateway, hot cache and broadcast hub together.
type Server struct {
	gw          gateway.Gateway
	cache       *hotcache.Cache
	hub         *hub.Hub
	auth        Authenticator
	webhook     *Webhook
	idleTimeout time.Duration
	queueSize   int
	origins     []string
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendMu      sync.Mutex
	recentSends map[string]string
	sendOrder   []string
}

// New creates a server. Cache and Hub are created when nil.
func New(opts Options) *Server {
	s := &Server{
		gw:          opts.Gateway,
		cache:       opts.Cache,
		hub:         opts.Hub,
		auth:        opts.Authenticator,
		idleTimeout: opts.IdleTimeout,
		queueSize:   opts.QueueSize,
		origins:     opts.AllowedOrigins,
		logger:      opts.Logger,
		recentSends: make(map[string]string),
	}
	if s.cache == nil {
		s.cache = hotcache.New(s.gw, &hotcache.Options{Logger: opts.Logger})
	}
	if s.hub == nil {
		s.hub = hub.New(opts.Logger)
	}
	if s.auth == nil {
		s.auth = StaticTokens(nil)
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	if s.queueSize <= 0 {
		s.queueSize = DefaultQueueSize
	}
	if opts.WebhookSecret != "" {
		s.webhook, _ = NewWebhook(opts.WebhookSecret, s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Hub returns the broadcast hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Cache returns the hot cache.
func (s *Server) Cache() *hotcache.Cache { return s.cache }

// Ingest persists a new message and publishes it to the conversation room.
// The hot cache is updated before the publish so a client that misses the
// push and polls instead sees at least the pushed view.
func (s *Server) Ingest(ctx context.Context, msg chatsync.Message) (chatsync.Message, error) {
	stored, err := s.cache.Append(ctx, msg)
	if err != nil {
		return stored, err
	}
	n := s.hub.Publish(ctx, stored.ConversationID, chatsync.NewMessageEvent{
		ConversationID: stored.ConversationID,
		Message:        stored,
	})
	s.logger.Debug().
		Str("conversation_id", stored.ConversationID).
		Str("message_id", stored.ID).
		Int("delivered", n).
		Msg("message ingested")
	return stored, nil
}

// UpdateStatus advances a message's delivery status and publishes it.
func (s *Server) UpdateStatus(ctx context.Context, conversationID, messageID string, status chatsync.DeliveryStatus) (chatsync.Message, error) {
	stored, err := s.cache.ApplyStatus(ctx, conversationID, messageID, status)
	if err != nil {
		return stored, err
	}
	s.hub.Publish(ctx, conversationID, chatsync.MessageStatusEvent{
		ConversationID: conversationID,
		MessageID:      messageID,
		Status:         stored.Status,
	})
	return stored, nil
}

// ChannelStatus tells every connected client about the upstream channel
// session state.
func (s *Server) ChannelStatus(ctx context.Context, state string) {
	s.hub.Broadcast(ctx, chatsync.ChannelStatusEvent{State: state})
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Close disconnects every push channel connection.
func (s *Server) Close() {
	s.cancel()
}

// messageIDFor returns the message id for a client send request. A retried
// request id gets the id of its first attempt so the gateway drops the
// duplicate.
func (s *Server) messageIDFor(requestID, fresh string) string {
	if requestID == "" {
		return fresh
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if prev, ok := s.recentSends[requestID]; ok {
		return prev
	}
	s.recentSends[requestID] = fresh
	s.sendOrder = append(s.sendOrder, requestID)
	if len(s.sendOrder) > recentSendsLimit {
		delete(s.recentSends, s.sendOrder[0])
		s.sendOrder = s.sendOrder[1:]
	}
	return fresh
}

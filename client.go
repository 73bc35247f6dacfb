// Package chatsync keeps the message history of CRM conversations consistent
// across a durable local cache, periodic fetches from the backend of record
// and a push channel that can drop and reconnect at any time.
//
// Example:
//
//	client := chatsync.NewClient("https://crm.example.com", chatsync.WithToken(token))
//	backend, _ := chatsync.OpenSQLiteBackend(ctx, "/var/lib/crm/cache.db")
//	engine := chatsync.NewEngine(client, chatsync.NewCacheStore(backend, nil), &chatsync.EngineOptions{
//		Dialer:   chatsync.NewWSDialer("https://crm.example.com"),
//		Realtime: chatsync.RealtimeConfig{Credential: token},
//	})
//	engine.Start(ctx)
//	defer engine.Destroy()
//
//	engine.OpenConversation(ctx, "conv-123")
//	view := engine.View("conv-123")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultPageLimit  = 50
	defaultRetries    = 3
	defaultRetryDelay = 200 * time.Millisecond
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST side of the CRM backend: conversation list,
// message pages, send and mark-read.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
	retries    int
	retryDelay time.Duration
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRetry sets how many times a transient failure is attempted in total
// and the delay before the first retry. The delay doubles on each retry.
func WithRetry(attempts int, delay time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.retries = attempts
		}
		c.retryDelay = delay
	}
}

// NewClient creates a new REST client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:     zerolog.Nop(),
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = b
	}

	delay := c.retryDelay
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		res, err := c.doOnce(ctx, method, path, payload, query)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == c.retries || ctx.Err() != nil {
			break
		}
		c.logger.Debug().Err(err).Str("path", path).Int("attempt", attempt).Msg("retrying request")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode), Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("%w: response: %v", ErrMalformedEvent, err)
	}
	if !res.OK || resp.StatusCode >= 400 {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: "request failed"}
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return &res, nil
}

// ============================================================================
// Fetch collaborator
// ============================================================================

// ListConversations returns the conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := res.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: conversation list: %v", ErrMalformedEvent, err)
	}
	out := make([]ConversationSummary, 0, len(raw))
	for _, item := range raw {
		var s ConversationSummary
		if err := json.Unmarshal(item, &s); err != nil || s.ConversationID == "" {
			c.logger.Warn().Err(err).Msg("dropping malformed conversation summary")
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

type rawPage struct {
	Messages   []json.RawMessage `json:"messages"`
	HasMore    bool              `json:"hasMore"`
	KnownTotal int               `json:"knownTotal"`
}

// FetchMessages returns up to limit messages of a conversation that are
// strictly older than beforeID, or the newest ones when beforeID is empty.
// Messages that cannot be decoded are dropped.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int, beforeID string) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	q := url.Values{}
	q.Set("conversationId", conversationID)
	q.Set("limit", strconv.Itoa(limit))
	if beforeID != "" {
		q.Set("beforeId", beforeID)
	}

	res, err := c.doRequest(ctx, http.MethodGet, "/api/messages", nil, q)
	if err != nil {
		return nil, err
	}
	var raw rawPage
	if err := res.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: message page: %v", ErrMalformedEvent, err)
	}

	page := &Page{HasMore: raw.HasMore, KnownTotal: raw.KnownTotal, Messages: make([]Message, 0, len(raw.Messages))}
	for _, item := range raw.Messages {
		var m Message
		if err := json.Unmarshal(item, &m); err != nil {
			c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("dropping malformed message")
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if err := m.Validate(); err != nil {
			c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("dropping malformed message")
			continue
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}

// SendOptions carries the optional fields of an outbound message.
type SendOptions struct {
	Type       MessageType
	Attachment *AttachmentMeta
}

type sendRequest struct {
	ConversationID string          `json:"conversationId"`
	Body           string          `json:"body"`
	Type           MessageType     `json:"type,omitempty"`
	Attachment     *AttachmentMeta `json:"attachmentMeta,omitempty"`
	RequestID      string          `json:"requestId"`
}

// Send sends an outbound message and returns the server-assigned id. The
// request id lets the server drop a retried duplicate.
func (c *Client) Send(ctx context.Context, conversationID, body string, opts *SendOptions) (*SendResult, error) {
	req := sendRequest{ConversationID: conversationID, Body: body, RequestID: uuid.NewString()}
	if opts != nil {
		req.Type = opts.Type
		req.Attachment = opts.Attachment
	}
	res, err := c.doRequest(ctx, http.MethodPost, "/api/send", req, nil)
	if err != nil {
		return nil, err
	}
	var out SendResult
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: send result: %v", ErrMalformedEvent, err)
	}
	if out.MessageID == "" {
		return nil, fmt.Errorf("%w: send result without messageId", ErrMalformedEvent)
	}
	return &out, nil
}

// MarkRead clears the unread counter of a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// Health pings the backend.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// Direction tells whether a message came from the lead or from the CRM side.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// MessageType is the coarse content kind of a message.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeMedia  MessageType = "media"
	TypeSystem MessageType = "system"
)

// DeliveryStatus is the channel delivery state of a message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

var statusRank = map[DeliveryStatus]int{
	"":              0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

// Advances reports whether s is a later delivery state than prev.
func (s DeliveryStatus) Advances(prev DeliveryStatus) bool {
	return statusRank[s] > statusRank[prev]
}

// AttachmentMeta describes a media attachment.
type AttachmentMeta struct {
	Type     string `json:"type,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single conversation message. Timestamp is unix milliseconds.
type Message struct {
	ID             string          `json:"id,omitempty"`
	ConversationID string          `json:"conversationId"`
	Body           string          `json:"body"`
	Timestamp      int64           `json:"timestamp"`
	Direction      Direction       `json:"direction"`
	SenderID       string          `json:"senderId,omitempty"`
	Type           MessageType     `json:"type,omitempty"`
	Attachment     *AttachmentMeta `json:"attachmentMeta,omitempty"`
	Status         DeliveryStatus  `json:"status,omitempty"`
}

// Identity is the dedup key of a message. When the id is missing it falls
// back to (timestamp, body, direction); two distinct messages sharing all
// three collapse into one.
type Identity struct {
	ID        string
	Timestamp int64
	Body      string
	Direction Direction
}

// Identity returns the dedup key for m.
func (m Message) Identity() Identity {
	if m.ID != "" {
		return Identity{ID: m.ID}
	}
	return Identity{Timestamp: m.Timestamp, Body: m.Body, Direction: m.Direction}
}

func (id Identity) String() string {
	if id.ID != "" {
		return id.ID
	}
	return fmt.Sprintf("%d/%s/%q", id.Timestamp, id.Direction, id.Body)
}

// Validate reports why m cannot take part in a merge, if it cannot.
func (m Message) Validate() error {
	if m.Timestamp <= 0 {
		return fmt.Errorf("%w: message %q has no timestamp", ErrMalformedEvent, m.ID)
	}
	if m.ID == "" && m.Body == "" && m.Attachment == nil {
		return fmt.Errorf("%w: message without id, body or attachment", ErrMalformedEvent)
	}
	switch m.Direction {
	case Inbound, Outbound:
	default:
		return fmt.Errorf("%w: message %q has direction %q", ErrMalformedEvent, m.ID, m.Direction)
	}
	return nil
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// CacheEntry is the merged view of one conversation.
type CacheEntry struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	LastUpdated    time.Time `json:"lastUpdated"`
	KnownTotal     int       `json:"knownTotal"`
}

// Contains reports whether the entry holds a message with the given id.
// Messages without an id never match.
func (e *CacheEntry) Contains(messageID string) bool {
	if e == nil || messageID == "" {
		return false
	}
	for i := range e.Messages {
		if e.Messages[i].ID == messageID {
			return true
		}
	}
	return false
}

func (e *CacheEntry) clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Messages = cloneMessages(e.Messages)
	return &c
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ConversationID string   `json:"conversationId"`
	LastMessage    *Message `json:"lastMessage,omitempty"`
	UnreadCount    int      `json:"unreadCount"`
}

// Page is a slice of history returned by the fetch collaborator.
type Page struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"hasMore"`
	KnownTotal int       `json:"knownTotal"`
}

// SendResult is returned by the send endpoint.
type SendResult struct {
	MessageID string   `json:"messageId"`
	Message   *Message `json:"message,omitempty"`
}

// Result is the generic response envelope of the REST collaborator.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Errors
// ============================================================================

var (
	ErrAnchorNotFound     = errors.New("anchor message not in view")
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrMalformedEvent     = errors.New("malformed event")
	ErrStorageFull        = errors.New("storage full")
	ErrNotFound           = errors.New("not found")
	ErrClosed             = errors.New("closed")
)

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// AuthError is returned when the push channel rejects the credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// PreconditionError is a caller bug such as paging from an anchor that is not
// in the current view. It is never retried.
type PreconditionError struct {
	ConversationID string
	AnchorID       string
	Err            error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("conversation %s: anchor %s: %v", e.ConversationID, e.AnchorID, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == 429
	}
	var authErr *AuthError
	var preErr *PreconditionError
	if errors.As(err, &authErr) || errors.As(err, &preErr) {
		return false
	}
	if errors.Is(err, ErrMalformedEvent) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrNotConnected)
}

package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
	"github.com/rppbarbosa/whatsapp-crm-sub002/internal/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Channel-Signature"

const (
	EventMessageReceived = "message.received"
	EventMessageStatus   = "message.status"
	EventChannelStatus   = "channel.status"
)

// ============================================================================
// Webhook Types
// ============================================================================

// ChannelPayload is a notification from the messaging channel provider.
type ChannelPayload struct {
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Message   *ChannelMessage `json:"message,omitempty"`
	Status    *ChannelReceipt `json:"status,omitempty"`
	Channel   *ChannelState   `json:"channel,omitempty"`
}

// ChannelMessage is a message as the provider reports it.
type ChannelMessage struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	From      string        `json:"from"`
	FromMe    bool          `json:"fromMe"`
	Body      string        `json:"body"`
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Media     *ChannelMedia `json:"media,omitempty"`
}

type ChannelMedia struct {
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ChannelReceipt is a delivery receipt for a message sent earlier.
type ChannelReceipt struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Status    string `json:"status"`
}

type ChannelState struct {
	State string `json:"state"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifySignature checks a webhook signature with HMAC-SHA256 in constant
// time. The signature may carry a "sha256=" prefix.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseChannelPayload decodes and checks a raw webhook body.
func ParseChannelPayload(body []byte) (*ChannelPayload, error) {
	var p ChannelPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	switch p.Event {
	case EventMessageReceived:
		if p.Message == nil || p.Message.ID == "" || p.Message.ChatID == "" {
			return nil, fmt.Errorf("missing required fields in message payload (id, chatId)")
		}
	case EventMessageStatus:
		if p.Status == nil || p.Status.MessageID == "" || p.Status.ChatID == "" || p.Status.Status == "" {
			return nil, fmt.Errorf("missing required fields in status payload (messageId, chatId, status)")
		}
	case EventChannelStatus:
		if p.Channel == nil || p.Channel.State == "" {
			return nil, fmt.Errorf("missing channel state")
		}
	case "":
		return nil, fmt.Errorf("missing event field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook event: %s", p.Event)
	}
	return &p, nil
}

// Message converts the provider message into a conversation message. The
// chat id is the conversation id. Provider timestamps in seconds are
// converted to milliseconds.
func (m *ChannelMessage) Message() chatsync.Message {
	msg := chatsync.Message{
		ID:             m.ID,
		ConversationID: m.ChatID,
		Body:           m.Body,
		Timestamp:      m.Timestamp,
		Direction:      chatsync.Inbound,
		SenderID:       m.From,
		Type:           chatsync.TypeText,
	}
	if msg.Timestamp > 0 && msg.Timestamp < 1e12 {
		msg.Timestamp *= 1000
	}
	if m.FromMe {
		msg.Direction = chatsync.Outbound
		msg.Status = chatsync.StatusSent
	}
	if m.Media != nil {
		msg.Type = chatsync.TypeMedia
		msg.Attachment = &chatsync.AttachmentMeta{
			Type:     m.Media.MimeType,
			URL:      m.Media.URL,
			Filename: m.Media.Filename,
			Size:     m.Media.Size,
		}
	}
	return msg
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook verifies, parses and ingests channel provider notifications.
type Webhook struct {
	secret string
	server *Server
}

// NewWebhook creates a webhook handler feeding srv.
func NewWebhook(secret string, srv *Server) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &Webhook{secret: secret, server: srv}, nil
}

// Handle processes one webhook body and returns the status code and
// response data for the caller to write.
func (w *Webhook) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		metrics.WebhookMessages.WithLabelValues("rejected").Inc()
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	p, err := ParseChannelPayload(body)
	if err != nil {
		metrics.WebhookMessages.WithLabelValues("invalid").Inc()
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	switch p.Event {
	case EventMessageReceived:
		if _, err := w.server.Ingest(ctx, p.Message.Message()); err != nil {
			return w.failed(err)
		}
	case EventMessageStatus:
		_, err := w.server.UpdateStatus(ctx, p.Status.ChatID, p.Status.MessageID, chatsync.DeliveryStatus(p.Status.Status))
		if err != nil {
			return w.failed(err)
		}
	case EventChannelStatus:
		w.server.ChannelStatus(ctx, p.Channel.State)
	}

	metrics.WebhookMessages.WithLabelValues("accepted").Inc()
	return http.StatusOK, map[string]bool{"ok": true}
}

func (w *Webhook) failed(err error) (int, any) {
	metrics.WebhookMessages.WithLabelValues("failed").Inc()
	w.server.logger.Error().Err(err).Msg("webhook ingest")
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chatsync.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chatsync.ErrMalformedEvent):
		status = http.StatusBadRequest
	}
	return status, map[string]string{"error": err.Error()}
}

func (s *Server) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if s.webhook == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "Webhook not configured"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	status, data := s.webhook.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

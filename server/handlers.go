package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
)

type subjectKey struct{}

func withSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// ============================================================================
// Response envelope
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ENCODE_FAILED", err.Error())
		return
	}
	writeJSON(w, status, chatsync.Result{OK: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, chatsync.Result{Error: &chatsync.APIError{Code: code, Message: message}})
}

// writeErr maps a gateway error to a status code.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, chatsync.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, "INVALID_MESSAGE", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "TIMEOUT", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return chatsync.DefaultPageLimit
	}
	return n
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": s.hub.Len(),
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.gw.ListConversations(r.Context(), queryLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []chatsync.ConversationSummary{}
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conv := q.Get("conversationId")
	if conv == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CONVERSATION", "conversationId is required")
		return
	}
	page, err := s.cache.Page(r.Context(), conv, q.Get("beforeId"), queryLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

type sendRequest struct {
	ConversationID string                   `json:"conversationId"`
	Body           string                   `json:"body"`
	Type           chatsync.MessageType     `json:"type,omitempty"`
	Attachment     *chatsync.AttachmentMeta `json:"attachmentMeta,omitempty"`
	RequestID      string                   `json:"requestId"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CONVERSATION", "conversationId is required")
		return
	}

	msg := chatsync.Message{
		ID:             s.messageIDFor(req.RequestID, ulid.Make().String()),
		ConversationID: req.ConversationID,
		Body:           req.Body,
		Direction:      chatsync.Outbound,
		SenderID:       subjectFrom(r.Context()),
		Type:           req.Type,
		Attachment:     req.Attachment,
		Status:         chatsync.StatusSent,
	}
	stored, err := s.Ingest(r.Context(), msg)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, chatsync.SendResult{MessageID: stored.ID, Message: &stored})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"read": true})
}

type statusRequest struct {
	ConversationID string                  `json:"conversationId"`
	Status         chatsync.DeliveryStatus `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.ConversationID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "INVALID_STATUS", "conversationId and status are required")
		return
	}
	stored, err := s.UpdateStatus(r.Context(), req.ConversationID, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, stored)
}

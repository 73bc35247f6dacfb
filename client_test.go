package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func writeResult(w http.ResponseWriter, status int, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Result{OK: status < 400, Data: raw})
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, WithToken("tok"), WithRetry(3, time.Millisecond))
}

func TestClientFetchMessages(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		q := r.URL.Query()
		if q.Get("conversationId") != "c1" || q.Get("beforeId") != "m3" || q.Get("limit") != "2" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"ok":true,"data":{"hasMore":true,"knownTotal":9,"messages":[
			{"id":"m1","body":"one","timestamp":10,"direction":"inbound"},
			{"id":"bad","body":"no timestamp","direction":"inbound"},
			"not an object",
			{"id":"m2","conversationId":"c1","body":"two","timestamp":20,"direction":"outbound","status":"read"}
		]}}`))
	})

	page, err := client.FetchMessages(context.Background(), "c1", 2, "m3")
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, page.Messages, "m1", "m2")
	if !page.HasMore || page.KnownTotal != 9 {
		t.Errorf("page = %+v", page)
	}
	if page.Messages[0].ConversationID != "c1" {
		t.Errorf("conversation id not filled in")
	}
}

func TestClientListConversations(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"data":[
			{"conversationId":"c1","unreadCount":2,"lastMessage":{"id":"m1","body":"hi","timestamp":10,"direction":"inbound"}},
			{"unreadCount":1},
			{"conversationId":"c2","unreadCount":0}
		]}`))
	})
	list, err := client.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].UnreadCount != 2 || list[0].LastMessage == nil {
		t.Fatalf("list = %+v", list)
	}
}

func TestClientRetries(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		var calls atomic.Int32
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			writeResult(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		if err := client.Health(context.Background()); err != nil {
			t.Fatal(err)
		}
		if calls.Load() != 3 {
			t.Errorf("calls = %d, want 3", calls.Load())
		}
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"ok":false,"error":{"code":"NOT_FOUND","message":"no such conversation"}}`))
		})
		err := client.MarkRead(context.Background(), "c1")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "NOT_FOUND" || apiErr.Status != 404 {
			t.Fatalf("err = %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("gives up after the last attempt", func(t *testing.T) {
		var calls atomic.Int32
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		if err := client.Health(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if calls.Load() != 3 {
			t.Errorf("calls = %d, want 3", calls.Load())
		}
	})
}

func TestClientSend(t *testing.T) {
	var (
		mu         sync.Mutex
		requestIDs []string
	)
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req sendRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad body: %v", err)
		}
		mu.Lock()
		requestIDs = append(requestIDs, req.RequestID)
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeResult(w, http.StatusOK, SendResult{MessageID: "srv-1"})
	})

	res, err := client.Send(context.Background(), "c1", "hello", &SendOptions{
		Type:       TypeMedia,
		Attachment: &AttachmentMeta{URL: "https://cdn.example/a.pdf"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID != "srv-1" {
		t.Errorf("message id = %q", res.MessageID)
	}
	if len(requestIDs) != 2 || requestIDs[0] == "" || requestIDs[0] != requestIDs[1] {
		t.Errorf("retried send must reuse the request id: %v", requestIDs)
	}
}

func TestClientSendWithoutID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusOK, map[string]string{})
	})
	_, err := client.Send(context.Background(), "c1", "hello", nil)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("err = %v, want ErrMalformedEvent", err)
	}
}

package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			io.WriteString(w, line+"\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

type recorder struct {
	chunks    []string
	completed []SessionIDs
	errs      []error
}

func (r *recorder) handler() Handler {
	return Handler{
		OnChunk:    func(c string) { r.chunks = append(r.chunks, c) },
		OnComplete: func(ids SessionIDs) { r.completed = append(r.completed, ids) },
		OnError:    func(err error) { r.errs = append(r.errs, err) },
	}
}

func TestStreamChatRequestFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat" {
			t.Errorf("expected path /chat, got %q", r.URL.Path)
		}
		if r.Header.Get("X-API-KEY") != "widget-key" {
			t.Errorf("missing api key header, got %q", r.Header.Get("X-API-KEY"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected json content type, got %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected event-stream accept, got %q", r.Header.Get("Accept"))
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
			return
		}
		if body["message"] != "hello" {
			t.Errorf("expected message hello, got %v", body["message"])
		}
		if v, ok := body["session_id"]; !ok || v != nil {
			t.Errorf("expected null session_id, got %v (present=%v)", v, ok)
		}
		if v, ok := body["thread_id"]; !ok || v != nil {
			t.Errorf("expected null thread_id, got %v (present=%v)", v, ok)
		}
		if body["is_new_chat"] != true {
			t.Errorf("expected is_new_chat true, got %v", body["is_new_chat"])
		}
		if body["provider"] != "botpress" {
			t.Errorf("expected provider botpress, got %v", body["provider"])
		}
		if _, ok := body["is_support_ticket"]; ok {
			t.Error("is_support_ticket should be omitted when false")
		}
		if body["app_id"] != "APP" {
			t.Errorf("expected app_id APP, got %v", body["app_id"])
		}
		io.WriteString(w, "data: {\"response\":\"ok\"}\n")
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL + "/", APIKey: "widget-key"})
	var rec recorder
	err := client.StreamChat(context.Background(), &ChatRequest{
		Message:   "hello",
		Email:     "guest@example.com",
		SessionID: "new",
		ThreadID:  "",
		IsNewChat: true,
		Provider:  "botpress",
		AppID:     "APP",
	}, rec.handler())
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.completed) != 1 || len(rec.errs) != 0 {
		t.Fatalf("expected one completion, got %d completions and %d errors", len(rec.completed), len(rec.errs))
	}
}

func TestStreamChatAssignedIDsAreSent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["session_id"] != "s-1" || body["thread_id"] != "t-1" {
			t.Errorf("expected ids s-1/t-1, got %v/%v", body["session_id"], body["thread_id"])
		}
		if body["is_support_ticket"] != true {
			t.Errorf("expected support ticket flag, got %v", body["is_support_ticket"])
		}
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	err := client.StreamChat(context.Background(), &ChatRequest{
		Message:       "help",
		SessionID:     "s-1",
		ThreadID:      "t-1",
		SupportTicket: true,
	}, Handler{})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStreamChatReportsLastSeenIDs(t *testing.T) {
	server := sseServer(t,
		`data: {"response":"Hi","session_id":"s-1"}`,
		`data: {"response":" there","thread_id":"t-9"}`,
		`data: {"response":"!","thread_id":""}`,
	)
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	var rec recorder
	if err := client.StreamChat(context.Background(), &ChatRequest{SessionID: "new", ThreadID: "new"}, rec.handler()); err != nil {
		t.Fatal(err)
	}
	if len(rec.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(rec.completed))
	}
	got := rec.completed[0]
	if got.SessionID != "s-1" || got.ThreadID != "t-9" {
		t.Errorf("expected s-1/t-9, got %+v", got)
	}
	joined := strings.Join(rec.chunks, "")
	if !strings.Contains(joined, `" there"`) {
		t.Errorf("chunks missing content: %q", joined)
	}
}

func TestStreamChatFallsBackToCallIDs(t *testing.T) {
	server := sseServer(t, `data: {"response":"plain"}`)
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	var rec recorder
	client.StreamChat(context.Background(), &ChatRequest{SessionID: "s-0", ThreadID: "t-0"}, rec.handler())
	if len(rec.completed) != 1 {
		t.Fatalf("expected completion, got errors %v", rec.errs)
	}
	if rec.completed[0].SessionID != "s-0" || rec.completed[0].ThreadID != "t-0" {
		t.Errorf("expected call-time ids, got %+v", rec.completed[0])
	}
}

func TestStreamChatStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	var rec recorder
	err := client.StreamChat(context.Background(), &ChatRequest{Message: "x"}, rec.handler())

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", statusErr.StatusCode)
	}
	if len(rec.errs) != 1 || len(rec.completed) != 0 {
		t.Errorf("expected exactly one error callback, got %d errors %d completions", len(rec.errs), len(rec.completed))
	}
}

func TestStreamChatNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := New(&Config{BaseURL: url})
	var rec recorder
	if err := client.StreamChat(context.Background(), &ChatRequest{}, rec.handler()); err == nil {
		t.Fatal("expected error from closed server")
	}
	if len(rec.errs) != 1 || len(rec.completed) != 0 {
		t.Errorf("expected exactly one error callback, got %d errors %d completions", len(rec.errs), len(rec.completed))
	}
}

func TestStreamChatIdleTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"response\":\"first\"}\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL, IdleTimeout: 50 * time.Millisecond})
	var rec recorder
	err := client.StreamChat(context.Background(), &ChatRequest{}, rec.handler())
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", err)
	}
	if len(rec.chunks) == 0 {
		t.Error("expected the first chunk before the timeout")
	}
	if len(rec.errs) != 1 || len(rec.completed) != 0 {
		t.Errorf("expected exactly one error callback, got %d errors %d completions", len(rec.errs), len(rec.completed))
	}
}

func TestSplitValidUTF8(t *testing.T) {
	full := []byte("héllo ✓")
	for cut := 0; cut <= len(full); cut++ {
		head, rest := splitValidUTF8(full[:cut])
		if !utf8.ValidString(head) {
			t.Errorf("cut %d: head %q is not valid UTF-8", cut, head)
		}
		if head+string(rest) != string(full[:cut]) {
			t.Errorf("cut %d: lost bytes", cut)
		}
	}
}

func TestStreamChatChunksAreValidUTF8(t *testing.T) {
	payload := []byte("data: {\"response\":\"naïve ✓ done\"}\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := range payload {
			w.Write(payload[i : i+1])
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	var rec recorder
	if err := client.StreamChat(context.Background(), &ChatRequest{}, rec.handler()); err != nil {
		t.Fatal(err)
	}
	for _, c := range rec.chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %q is not valid UTF-8", c)
		}
	}
	if strings.Join(rec.chunks, "") != string(payload) {
		t.Errorf("reassembled stream differs: %q", strings.Join(rec.chunks, ""))
	}
}

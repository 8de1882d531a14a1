package widgetapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/chatwidget/internal/state"
	"github.com/user/chatwidget/internal/tenant"
	"github.com/user/chatwidget/internal/types"
	"github.com/user/chatwidget/pkg/chatapi"
)

type mockRunner struct {
	lastSessionKey string
	lastPrompt     string
	response       string
	err            error
}

func (m *mockRunner) RunTask(sessionKey, prompt string) (string, error) {
	m.lastSessionKey = sessionKey
	m.lastPrompt = prompt
	return m.response, m.err
}

type failingValidator struct{ err error }

func (f failingValidator) Validate(context.Context, string, string) (*chatapi.Validation, error) {
	return nil, f.err
}

func testRegistry(t *testing.T) *tenant.Registry {
	t.Helper()
	r, err := tenant.New([]tenant.Tenant{
		{ID: "T001", Name: "Website", Active: true, Key: "good-key", UI: tenant.UI{Title: "Help"}},
		{ID: "T003", Name: "App Hub", Active: false, Key: "inactive-key"},
		{ID: "T004", Name: "Blocked", Active: true, Key: "strict-key", AllowedOrigins: []string{"https://allowed.example"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func setupServer(t *testing.T, runner *mockRunner, tasks ...*state.Task) (*Server, *state.TaskStore) {
	t.Helper()
	store := state.NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))
	for _, task := range tasks {
		if err := store.Add(task); err != nil {
			t.Fatal(err)
		}
	}
	srv := NewServer(Options{
		Validator: testRegistry(t),
		Tasks:     store,
		RunTask:   runner.RunTask,
		Now:       func() time.Time { return time.UnixMilli(1700000000000) },
	})
	return srv, store
}

func do(srv http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp["error"]
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, &mockRunner{})
	w := do(srv, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestValidateSuccess(t *testing.T) {
	srv, _ := setupServer(t, &mockRunner{})
	w := do(srv, http.MethodGet, "/api/widget/validate?key=good-key&id=VALID_WIDGET_ID", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS header, got %q", got)
	}
	var v chatapi.Validation
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if !v.Valid || v.Tenant.ID != "T001" || v.Config.Title != "Help" {
		t.Errorf("unexpected validation %+v", v)
	}
}

func TestValidateRejections(t *testing.T) {
	srv, _ := setupServer(t, &mockRunner{})
	cases := []struct {
		target string
		origin string
		status int
		msg    string
	}{
		{"/api/widget/validate", "", http.StatusBadRequest, "Missing API Key"},
		{"/api/widget/validate?key=unknown", "", http.StatusUnauthorized, "Invalid API Key"},
		{"/api/widget/validate?key=inactive-key", "", http.StatusForbidden, "Tenant is inactive"},
		{"/api/widget/validate?key=strict-key", "https://evil.example", http.StatusForbidden, "Domain not authorized"},
		{"/api/widget/validate?key=strict-key", "", http.StatusForbidden, "Domain not authorized"},
	}
	for _, c := range cases {
		w := do(srv, http.MethodGet, c.target, "", map[string]string{"Origin": c.origin})
		if w.Code != c.status {
			t.Errorf("%s (%s): expected %d, got %d", c.target, c.origin, c.status, w.Code)
			continue
		}
		if got := errorOf(t, w); got != c.msg {
			t.Errorf("%s: expected %q, got %q", c.target, c.msg, got)
		}
	}
}

func TestValidateAllowedOriginByReferer(t *testing.T) {
	srv, _ := setupServer(t, &mockRunner{})
	w := do(srv, http.MethodGet, "/api/widget/validate?key=strict-key", "", map[string]string{"Referer": "https://allowed.example/pricing"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestValidateServiceUnavailable(t *testing.T) {
	srv := NewServer(Options{Validator: failingValidator{err: errors.New("dial tcp: connection refused")}})
	w := do(srv, http.MethodGet, "/api/widget/validate?key=k", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if got := errorOf(t, w); got != "Validation service unavailable" {
		t.Errorf("unexpected error %q", got)
	}
}

func TestValidateUpstreamStatusPassesThrough(t *testing.T) {
	srv := NewServer(Options{Validator: failingValidator{err: &chatapi.StatusError{StatusCode: 401, Body: "Key revoked"}}})
	w := do(srv, http.MethodGet, "/api/widget/validate?key=k", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if got := errorOf(t, w); got != "Key revoked" {
		t.Errorf("unexpected error %q", got)
	}
}

func TestPreflight(t *testing.T) {
	srv, _ := setupServer(t, &mockRunner{})
	w := do(srv, http.MethodOptions, "/api/widget/register", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "POST, OPTIONS" {
		t.Errorf("unexpected allowed methods %q", got)
	}
}

func TestRegister(t *testing.T) {
	srv, _ := setupServer(t, &mockRunner{})
	w := do(srv, http.MethodPost, "/api/widget/register", `{"name":"Dana","email":"dana@acme.com","company":"Acme"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp registerResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.User.ID != "new-user-id-1700000000000" || resp.User.Email != "dana@acme.com" {
		t.Errorf("unexpected response %+v", resp.User)
	}

	w = do(srv, http.MethodPost, "/api/widget/register", `{"name":"Dana"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without email, got %d", w.Code)
	}
	if got := errorOf(t, w); got != "Name and email are required" {
		t.Errorf("unexpected error %q", got)
	}
}

func TestBridgeNotConfigured(t *testing.T) {
	srv, _ := setupServer(t, &mockRunner{})
	if w := do(srv, http.MethodGet, "/ws", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestBridgeIsMounted(t *testing.T) {
	called := false
	srv := NewServer(Options{Bridge: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})})
	do(srv, http.MethodGet, "/ws", "", nil)
	if !called {
		t.Error("expected /ws to reach the bridge")
	}
}

func TestWebhookAdHoc(t *testing.T) {
	runner := &mockRunner{response: "hello from the widget"}
	srv, _ := setupServer(t, runner)

	w := do(srv, http.MethodPost, "/webhook", `{"prompt":"say hi","session_key":"telegram:42"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["response"] != "hello from the widget" {
		t.Errorf("unexpected response %q", resp["response"])
	}
	if runner.lastSessionKey != "telegram:42" || runner.lastPrompt != "say hi" {
		t.Errorf("unexpected call %q %q", runner.lastSessionKey, runner.lastPrompt)
	}
}

func TestWebhookAdHocMissingFields(t *testing.T) {
	srv, _ := setupServer(t, &mockRunner{})
	w := do(srv, http.MethodPost, "/webhook", `{"prompt":"say hi"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestWebhookNamedTask(t *testing.T) {
	runner := &mockRunner{response: "digest sent"}
	task := &state.Task{Name: "digest", Prompt: "daily updates", SessionKey: "telegram:7", Enabled: true}
	srv, store := setupServer(t, runner, task)

	w := do(srv, http.MethodPost, "/webhook/digest", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if runner.lastSessionKey != "telegram:7" || runner.lastPrompt != "daily updates" {
		t.Errorf("unexpected call %q %q", runner.lastSessionKey, runner.lastPrompt)
	}

	got, err := store.Get("digest")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRunAt.IsZero() || got.LastError != "" {
		t.Errorf("expected run to be recorded, got %+v", got)
	}
}

func TestWebhookNamedTaskOverridePrompt(t *testing.T) {
	runner := &mockRunner{response: "ok"}
	task := &state.Task{Name: "flex", Prompt: "default prompt", SessionKey: "telegram:1", Enabled: true}
	srv, _ := setupServer(t, runner, task)

	do(srv, http.MethodPost, "/webhook/flex", `{"prompt":"override prompt"}`, nil)
	if runner.lastPrompt != "override prompt" {
		t.Errorf("expected prompt override, got %q", runner.lastPrompt)
	}
}

func TestWebhookNamedTaskErrors(t *testing.T) {
	runner := &mockRunner{err: errors.New("engine busy")}
	srv, store := setupServer(t, runner,
		&state.Task{Name: "off", Prompt: "p", SessionKey: "telegram:1"},
		&state.Task{Name: "broken", Prompt: "p", SessionKey: "telegram:1", Enabled: true},
	)

	if w := do(srv, http.MethodPost, "/webhook/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(srv, http.MethodPost, "/webhook/off", "", nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	if w := do(srv, http.MethodPost, "/webhook/broken", "", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	got, _ := store.Get("broken")
	if got.LastError != "engine busy" {
		t.Errorf("expected failure to be recorded, got %q", got.LastError)
	}
}

func TestConversationAPI(t *testing.T) {
	dir := t.TempDir()
	conversations := state.NewConversationStore(dir)
	transcripts := state.NewTranscriptStore(dir)
	ctx := context.Background()

	now := time.Now()
	summary := &types.ConversationSummary{ID: "c1", ThreadID: "t-1", Title: "Pricing", CreatedAt: now, UpdatedAt: now}
	if err := conversations.Upsert(ctx, summary); err != nil {
		t.Fatal(err)
	}
	for _, content := range []string{"how much?", "It depends."} {
		rec := &types.TranscriptRecord{ConversationID: "c1", Message: &types.Message{ID: types.MessageID(content), Content: content}}
		if err := transcripts.Append(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	srv := NewServer(Options{Conversations: conversations, Transcripts: transcripts})

	w := do(srv, http.MethodGet, "/api/conversations", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["id"] != "c1" || list[0]["record_count"] != float64(2) {
		t.Errorf("unexpected list %v", list)
	}

	w = do(srv, http.MethodGet, "/api/conversations/c1/transcript?limit=1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var records []*types.TranscriptRecord
	if err := json.NewDecoder(w.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Message.Content != "It depends." {
		t.Errorf("expected the last record, got %+v", records)
	}
}

func TestConversationAPINotConfigured(t *testing.T) {
	srv := NewServer(Options{})
	if w := do(srv, http.MethodGet, "/api/conversations", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

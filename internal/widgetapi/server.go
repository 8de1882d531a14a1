// internal/widgetapi/server.go
package widgetapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/chatwidget/internal/state"
	"github.com/user/chatwidget/internal/types"
	"github.com/user/chatwidget/pkg/chatapi"
)

// TaskHandler runs a prompt as a turn in the conversation owned by
// sessionKey and returns the assistant's reply.
type TaskHandler func(sessionKey, prompt string) (string, error)

// Options wires the endpoints. Nil dependencies disable their routes with
// 503.
type Options struct {
	Validator     chatapi.KeyValidator
	Bridge        http.Handler
	Tasks         *state.TaskStore
	RunTask       TaskHandler
	Conversations types.ConversationStore
	Transcripts   types.TranscriptStore
	Now           func() time.Time
}

// Server is the HTTP surface of the widget: key validation, visitor
// registration, the websocket bridge, webhooks and a read-only
// conversation API.
type Server struct {
	opts Options
	mux  *http.ServeMux
}

func NewServer(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/widget/validate", s.handleValidate)
	s.mux.HandleFunc("OPTIONS /api/widget/validate", preflight("GET, OPTIONS"))
	s.mux.HandleFunc("POST /api/widget/register", s.handleRegister)
	s.mux.HandleFunc("OPTIONS /api/widget/register", preflight("POST, OPTIONS"))
	s.mux.HandleFunc("GET /ws", s.handleBridge)
	s.mux.HandleFunc("POST /webhook", s.handleAdHoc)
	s.mux.HandleFunc("POST /webhook/{name}", s.handleNamedTask)
	s.mux.HandleFunc("GET /api/conversations", s.handleConversations)
	s.mux.HandleFunc("GET /api/conversations/{id}/transcript", s.handleTranscript)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func setCORS(w http.ResponseWriter, methods string) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", methods)
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func preflight(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORS(w, methods)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	widgetID := q.Get("id")
	if widgetID == "" {
		widgetID = q.Get("widgetId")
	}
	if key == "" && widgetID == "" {
		writeError(w, http.StatusBadRequest, "Missing API Key")
		return
	}
	if s.opts.Validator == nil {
		writeError(w, http.StatusServiceUnavailable, "Validation service unavailable")
		return
	}

	v, err := s.opts.Validator.Validate(r.Context(), key, widgetID)
	if err != nil {
		status, msg := chatapi.RejectionStatus(err)
		if status == http.StatusServiceUnavailable {
			slog.Error("widget validation failed", "error", err)
		}
		writeError(w, status, msg)
		return
	}
	if !v.Valid {
		writeError(w, http.StatusUnauthorized, "Invalid API Key")
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	if !v.Config.OriginAllowed(origin) {
		slog.Warn("blocked origin", "origin", origin, "tenant", v.Tenant.Name)
		writeError(w, http.StatusForbidden, "Domain not authorized")
		return
	}

	setCORS(w, "GET, OPTIONS")
	writeJSON(w, http.StatusOK, v)
}

type registerRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company"`
}

type registerResponse struct {
	Success bool            `json:"success"`
	User    *types.Identity `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "Name and email are required")
		return
	}

	user := &types.Identity{
		ID:      fmt.Sprintf("new-user-id-%d", s.opts.Now().UnixMilli()),
		Name:    req.Name,
		Email:   req.Email,
		Company: req.Company,
	}
	slog.Info("new user registration", "name", req.Name, "email", req.Email, "company", req.Company)

	setCORS(w, "POST, OPTIONS")
	writeJSON(w, http.StatusOK, registerResponse{Success: true, User: user})
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge not configured")
		return
	}
	s.opts.Bridge.ServeHTTP(w, r)
}

// adHocRequest is the JSON body for POST /webhook.
type adHocRequest struct {
	Prompt     string `json:"prompt"`
	SessionKey string `json:"session_key"`
}

func (s *Server) handleAdHoc(w http.ResponseWriter, r *http.Request) {
	if s.opts.RunTask == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return
	}
	var req adHocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Prompt == "" || req.SessionKey == "" {
		writeError(w, http.StatusBadRequest, "prompt and session_key are required")
		return
	}

	resp, err := s.opts.RunTask(req.SessionKey, req.Prompt)
	if err != nil {
		slog.Error("webhook ad-hoc handler failed", "session_key", req.SessionKey, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": resp})
}

// namedTaskRequest is the optional JSON body for POST /webhook/{name}.
type namedTaskRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	if s.opts.RunTask == nil || s.opts.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return
	}
	name := r.PathValue("name")

	task, err := s.opts.Tasks.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusForbidden, "task is disabled")
		return
	}

	prompt := task.Prompt
	var body namedTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		prompt = body.Prompt
	}

	resp, err := s.opts.RunTask(task.SessionKey, prompt)
	if markErr := s.opts.Tasks.MarkRun(name, s.opts.Now(), err); markErr != nil {
		slog.Warn("failed to record task run", "task", name, "error", markErr)
	}
	if err != nil {
		slog.Error("webhook named task handler failed", "task", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": resp})
}

type conversationResponse struct {
	*types.ConversationSummary
	RecordCount int64 `json:"record_count"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Conversations == nil || s.opts.Transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "conversation API not configured")
		return
	}
	ctx := r.Context()
	list, err := s.opts.Conversations.List(ctx)
	if err != nil {
		slog.Error("list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]conversationResponse, 0, len(list))
	for _, c := range list {
		count, err := s.opts.Transcripts.Count(ctx, c.ID)
		if err != nil {
			slog.Warn("count transcript failed", "conversation", c.ID, "error", err)
		}
		result = append(result, conversationResponse{ConversationSummary: c, RecordCount: count})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.opts.Transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "conversation API not configured")
		return
	}
	id := types.ConversationID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.opts.Transcripts.Tail(r.Context(), id, limit)
	if err != nil {
		slog.Error("tail transcript failed", "conversation", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []*types.TranscriptRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/chatwidget/internal/engine"
	"github.com/user/chatwidget/internal/state"
	"github.com/user/chatwidget/internal/types"
	"github.com/user/chatwidget/pkg/chatapi"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// Session is one connected widget. It owns an engine once the widget has
// been initialised.
type Session struct {
	ID string

	conn   *websocket.Conn
	server *Server
	origin string
	send   chan Envelope
	local  *state.MemoryKV
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	engine *engine.Engine
}

var _ engine.Host = (*Session)(nil)

func newSession(id string, conn *websocket.Conn, server *Server, origin string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:     id,
		conn:   conn,
		server: server,
		origin: origin,
		send:   make(chan Envelope, sendBuffer),
		local:  state.NewMemoryKV(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ReadLoop decodes envelopes until the connection fails.
func (s *Session) ReadLoop() {
	defer s.Close()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "session", s.ID, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("undecodable envelope", "session", s.ID, "error", err)
			s.queueError(ErrorPayload{Error: "invalid message", Kind: "bad_request"})
			continue
		}
		s.handle(env)
	}
}

// WriteLoop sends queued envelopes and keeps the connection alive. It closes
// the connection once the queue is closed and drained.
func (s *Session) WriteLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				slog.Debug("websocket write failed", "session", s.ID, "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close stops the session's turns and ends the write loop after the queued
// envelopes are flushed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.send)
	eng := s.engine
	s.mu.Unlock()

	s.cancel()
	if eng != nil {
		eng.Cancel()
	}
	return nil
}

func (s *Session) queue(typ string, payload any) {
	env, err := newEnvelope(typ, payload)
	if err != nil {
		slog.Error("failed to encode envelope", "type", typ, "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.send <- env:
	default:
		slog.Warn("send buffer full, dropping envelope", "session", s.ID, "type", typ)
	}
}

func (s *Session) queueError(p ErrorPayload) {
	s.queue(TypeError, p)
}

func (s *Session) currentEngine() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

func (s *Session) handle(env Envelope) {
	if env.Type == TypeInitWidget {
		var p InitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.queueError(ErrorPayload{Error: "invalid init payload", Kind: "bad_request"})
			return
		}
		s.init(p)
		return
	}

	eng := s.currentEngine()
	if eng == nil {
		s.queueError(ErrorPayload{Error: "widget not initialised", Kind: "not_initialised"})
		return
	}

	switch env.Type {
	case TypeSend:
		var p SendPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.queueError(ErrorPayload{Error: "invalid send payload", Kind: "bad_request"})
			return
		}
		go s.run(func(ctx context.Context) error { return eng.Submit(ctx, p.Text, p.Files...) })

	case TypeChoice:
		var p ChoicePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Value == "" {
			s.queueError(ErrorPayload{Error: "invalid choice payload", Kind: "bad_request"})
			return
		}
		go s.run(func(ctx context.Context) error { return eng.SelectChoice(ctx, p.Value, p.Title) })

	case TypeForm:
		var p FormPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				s.queueError(ErrorPayload{Error: "invalid form payload", Kind: "bad_request"})
				return
			}
		}
		go s.run(func(ctx context.Context) error { return eng.SubmitLeadForm(ctx, p.Skipped) })

	case TypeNewChat:
		s.OnNewChat()

	case TypeCancel:
		eng.Cancel()

	default:
		s.queueError(ErrorPayload{Error: "unknown message type " + env.Type, Kind: "bad_request"})
	}
}

// init validates the widget key and origin, then starts the engine with
// the welcome turn. A rejected widget is sent an error and disconnected.
func (s *Session) init(p InitPayload) {
	if s.currentEngine() != nil {
		s.queueError(ErrorPayload{Error: "widget already initialised", Kind: "bad_request"})
		return
	}

	opts := s.server.opts
	validation := &chatapi.Validation{
		Valid:  true,
		Config: chatapi.WidgetConfig{AllowedOrigins: []string{"*"}},
	}
	if opts.Validator != nil {
		v, err := opts.Validator.Validate(s.ctx, p.AppUniqueKey, p.AppID)
		if err != nil {
			status, msg := chatapi.RejectionStatus(err)
			slog.Warn("widget key rejected", "session", s.ID, "status", status, "error", err)
			s.reject(ErrorPayload{Error: msg, Kind: "invalid_key", Status: status})
			return
		}
		validation = v
	}
	if !validation.Valid {
		s.reject(ErrorPayload{Error: "Invalid API Key", Kind: "invalid_key", Status: http.StatusUnauthorized})
		return
	}
	if !validation.Config.OriginAllowed(s.origin) {
		slog.Warn("blocked origin", "session", s.ID, "origin", s.origin, "tenant", validation.Tenant.Name)
		s.reject(ErrorPayload{Error: "Domain not authorized", Kind: "origin", Status: http.StatusForbidden})
		return
	}

	if p.UserEmail != "" {
		s.cacheUser(p)
	}

	cfg := opts.Engine
	if p.AppUniqueKey != "" {
		cfg.APIKey = p.AppUniqueKey
	}
	if p.AppID != "" {
		cfg.AppID = p.AppID
	}
	if p.UserName != "" {
		cfg.UserName = p.UserName
	}

	eng := engine.New(engine.Options{
		Config:        cfg,
		Transport:     opts.Transport,
		Identity:      &state.StoredIdentity{KV: s.local},
		Local:         s.local,
		Host:          s,
		Transcripts:   opts.Transcripts,
		Conversations: opts.Conversations,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.engine = eng
	s.mu.Unlock()

	slog.Info("widget initialised", "session", s.ID, "app_id", cfg.AppID, "tenant", validation.Tenant.ID)
	s.queue(TypeConfig, ConfigPayload{Tenant: validation.Tenant, Config: validation.Config})
	go s.run(eng.Welcome)
}

// cacheUser stores the visitor handed over by the page. A launch carrying
// name, email and tenant comes from a tenant CMS and also caches the CMS
// profile.
func (s *Session) cacheUser(p InitPayload) {
	user := &types.Identity{
		Name:      p.UserName,
		Email:     p.UserEmail,
		Company:   p.Company,
		TenantID:  p.TenantID,
		IsCMSUser: p.UserName != "" && p.TenantID != "",
	}
	if err := state.SaveUser(s.local, user); err != nil {
		slog.Warn("failed to cache widget user", "session", s.ID, "error", err)
		return
	}
	if !user.IsCMSUser || s.server.opts.CMS == nil {
		return
	}
	profile, err := s.server.opts.CMS.Context(s.ctx, p.TenantID, p.UserEmail)
	if err != nil {
		slog.Warn("failed to load cms context", "session", s.ID, "tenant", p.TenantID, "error", err)
		return
	}
	if err := state.SaveCMSContext(s.local, profile); err != nil {
		slog.Warn("failed to cache cms context", "session", s.ID, "error", err)
	}
}

func (s *Session) reject(p ErrorPayload) {
	s.queueError(p)
	s.Close()
}

// run executes one engine command and reports its failure to the page.
// Failed turns already carry the apology in the transcript.
func (s *Session) run(fn func(ctx context.Context) error) {
	err := fn(s.ctx)
	if err == nil || engine.IsCancelled(err) {
		return
	}

	var inputErr *engine.InputError
	var turnErr *engine.TurnError
	switch {
	case errors.As(err, &inputErr):
		s.queue(TypeInputError, ErrorPayload{Error: inputErr.Message, Kind: string(inputErr.Kind)})
	case errors.As(err, &turnErr):
		slog.Debug("turn failed", "session", s.ID, "error", err)
	case errors.Is(err, engine.ErrTurnInFlight):
		s.queueError(ErrorPayload{Error: "a response is still streaming", Kind: "busy"})
	case errors.Is(err, engine.ErrMissingIdentity):
		s.queueError(ErrorPayload{Error: "no user email available", Kind: "missing_identity"})
	default:
		slog.Error("widget command failed", "session", s.ID, "error", err)
		s.queueError(ErrorPayload{Error: "internal error"})
	}
}

func (s *Session) OnMessage(u engine.MessageUpdate) {
	s.queue(TypeMessage, u)
}

func (s *Session) OnProviderSwitch(provider string) {
	s.queue(TypeProvider, ProviderPayload{Provider: provider})
}

// OnNewChat clears the conversation and the cached lead data, then greets
// the visitor again.
func (s *Session) OnNewChat() {
	eng := s.currentEngine()
	if eng == nil {
		return
	}
	s.queue(TypeNewChat, nil)
	go func() {
		eng.Reset()
		if err := state.ClearWidgetData(s.local); err != nil {
			slog.Warn("failed to clear widget data", "session", s.ID, "error", err)
		}
		s.run(eng.Welcome)
	}()
}

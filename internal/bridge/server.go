package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/user/chatwidget/internal/engine"
	"github.com/user/chatwidget/internal/types"
	"github.com/user/chatwidget/pkg/chatapi"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked against the tenant's allow list at INIT_WIDGET.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures the sessions created by a Server.
type Options struct {
	Transport chatapi.Transport
	// Validator checks the key sent with INIT_WIDGET. Nil accepts any key.
	Validator chatapi.KeyValidator
	// Engine holds defaults; the init payload supplies key, app id and
	// user name.
	Engine        engine.Config
	Transcripts   types.TranscriptStore
	Conversations types.ConversationStore
	// CMS supplies the profile cached for visitors launched from a tenant
	// CMS. Optional.
	CMS CMSDirectory
}

// CMSDirectory looks up the CMS profile of a visitor.
type CMSDirectory interface {
	Context(ctx context.Context, tenantID, email string) (*types.CMSContext, error)
}

// Server upgrades requests to widget sessions.
type Server struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewServer(opts Options) *Server {
	return &Server{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	sess := newSession(uuid.NewString(), conn, s, origin)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	slog.Info("widget connected", "session", sess.ID, "origin", origin)

	sess.queue(TypeWidgetReady, nil)
	go sess.WriteLoop()
	sess.ReadLoop()

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	slog.Info("widget disconnected", "session", sess.ID)
}

// Sessions returns the number of connected widgets.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disconnects every session.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

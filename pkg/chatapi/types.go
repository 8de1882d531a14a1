package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrIdleTimeout is reported when the stream produces no data within the
// configured idle window.
var ErrIdleTimeout = errors.New("chat stream idle timeout")

// unassigned is the placeholder the widget uses for ids the backend has not
// issued yet.
const unassigned = "new"

// File is the metadata of an attachment sent with a turn. Contents are not
// uploaded by this client.
type File struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// ChatRequest carries everything one chat turn sends to the backend.
type ChatRequest struct {
	Message       string
	Files         []File
	Email         string
	SessionID     string
	ThreadID      string
	IsNewChat     bool
	APIKey        string
	Provider      string
	AppID         string
	UserName      string
	Designation   string
	SupportTicket bool
}

// wireRequest is the JSON body of POST /chat.
type wireRequest struct {
	Message       string  `json:"message"`
	Email         string  `json:"email"`
	SessionID     *string `json:"session_id"`
	ThreadID      *string `json:"thread_id"`
	IsNewChat     bool    `json:"is_new_chat"`
	Provider      string  `json:"provider"`
	AppID         string  `json:"app_id,omitempty"`
	UserName      string  `json:"user_name,omitempty"`
	Designation   string  `json:"user_designation,omitempty"`
	SupportTicket bool    `json:"is_support_ticket,omitempty"`
	Files         []File  `json:"files,omitempty"`
}

// nullableID maps the empty and "new" placeholders to JSON null.
func nullableID(id string) *string {
	if id == "" || id == unassigned {
		return nil
	}
	return &id
}

// MarshalJSON renders the request in the backend's wire format.
func (r *ChatRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRequest{
		Message:       r.Message,
		Email:         r.Email,
		SessionID:     nullableID(r.SessionID),
		ThreadID:      nullableID(r.ThreadID),
		IsNewChat:     r.IsNewChat,
		Provider:      r.Provider,
		AppID:         r.AppID,
		UserName:      r.UserName,
		Designation:   r.Designation,
		SupportTicket: r.SupportTicket,
		Files:         r.Files,
	})
}

// SessionIDs are the backend correlation ids reported at the end of a stream.
type SessionIDs struct {
	SessionID string
	ThreadID  string
}

// Handler receives the progress of one streamed turn. Exactly one of
// OnComplete or OnError is called, after the last OnChunk.
type Handler struct {
	OnChunk    func(chunk string)
	OnComplete func(ids SessionIDs)
	OnError    func(err error)
}

// Transport performs chat turns against the remote backend.
type Transport interface {
	// StreamChat blocks until the turn ends, reporting progress through h.
	StreamChat(ctx context.Context, req *ChatRequest, h Handler) error
}

// Config holds the connection settings of the chat backend.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	IdleTimeout time.Duration
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chat api status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat api status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

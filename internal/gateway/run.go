package gateway

import (
	"context"
	"time"

	"github.com/user/chatwidget/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one queued engine command for a conversation.
type Run struct {
	ID        types.TurnID
	Key       types.SessionKey
	Label     string
	Exec      func(ctx context.Context, c *Conversation) error
	Status    RunStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	// OnDone is called with the result once the run has left the queue.
	OnDone func(err error)
}

// NewRun creates a Run in the Queued state.
func NewRun(key types.SessionKey, label string, exec func(ctx context.Context, c *Conversation) error) *Run {
	return &Run{
		ID:        types.NewTurnID(),
		Key:       key,
		Label:     label,
		Exec:      exec,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}

func (r *Run) start() {
	now := time.Now()
	r.StartedAt = &now
	r.Status = RunStatusRunning
}

func (r *Run) finish(err error) {
	now := time.Now()
	r.EndedAt = &now
	r.Error = err
	r.Status = RunStatusComplete
	if err != nil {
		r.Status = RunStatusFailed
	}
}

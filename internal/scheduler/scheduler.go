// internal/scheduler/scheduler.go
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/chatwidget/internal/state"
)

// Handler delivers a task's prompt into its conversation.
type Handler func(sessionKey, prompt string) error

// Scheduler evaluates cron expressions from the task store and fires tasks
// through a handler callback, recording each outcome on the task.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler
	cron    *cron.Cron
	now     func() time.Time
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// New creates a new Scheduler backed by the given task store.
func New(store *state.TaskStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
		now:     time.Now,
	}
}

// Start loads tasks from the store, registers enabled tasks that have a
// schedule as cron entries, and starts the cron ticker.
func (s *Scheduler) Start() error {
	tasks, err := s.store.List()
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}

		name := task.Name
		_, err := s.cron.AddFunc(task.Schedule, func() { s.fire(name) })
		if err != nil {
			slog.Error("invalid cron schedule", "name", name, "schedule", task.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled task", "name", name, "schedule", task.Schedule)
	}

	s.cron.Start()
	return nil
}

// fire re-reads the task so edits made since Start are honoured.
func (s *Scheduler) fire(name string) {
	task, err := s.store.Get(name)
	if err != nil {
		slog.Warn("scheduled task vanished", "name", name, "error", err)
		return
	}
	if !task.Enabled {
		return
	}

	slog.Info("cron firing task", "name", name, "session_key", task.SessionKey)
	runErr := s.handler(task.SessionKey, task.Prompt)
	if runErr != nil {
		slog.Error("scheduled task failed", "name", name, "session_key", task.SessionKey, "error", runErr)
	}
	if err := s.store.MarkRun(name, s.now(), runErr); err != nil {
		slog.Warn("failed to record task run", "name", name, "error", err)
	}
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Reload stops the existing cron, creates a new one, and calls Start() again.
func (s *Scheduler) Reload() error {
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start()
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// internal/state/task.go
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTaskNotFound is returned for operations on an unknown task name.
var ErrTaskNotFound = errors.New("task not found")

// Task is a prompt sent into a conversation on a cron schedule or when its
// webhook is called. SessionKey names the surface and chat, e.g.
// "telegram:123".
type Task struct {
	Name       string    `json:"name"`
	Prompt     string    `json:"prompt"`
	Schedule   string    `json:"schedule,omitempty"`
	SessionKey string    `json:"session_key"`
	Enabled    bool      `json:"enabled"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// TaskStore keeps tasks in a single JSON file.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

func (s *TaskStore) Path() string {
	return s.path
}

func (s *TaskStore) load() ([]*Task, error) {
	var tasks []*Task
	if _, err := readJSON(s.path, &tasks); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return tasks, nil
}

// List returns all tasks, never nil.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return tasks, nil
}

func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Name == name {
			return task, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}

// Add stores a new task. Names are unique.
func (s *TaskStore) Add(task *Task) error {
	if task.Name == "" {
		return errors.New("task name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range tasks {
		if existing.Name == task.Name {
			return fmt.Errorf("task already exists: %s", task.Name)
		}
	}
	return writeJSON(s.path, append(tasks, task))
}

func (s *TaskStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for i, task := range tasks {
		if task.Name == name {
			return writeJSON(s.path, append(tasks[:i], tasks[i+1:]...))
		}
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}

// Update applies fn to the named task and saves the result.
func (s *TaskStore) Update(name string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Name == name {
			fn(task)
			return writeJSON(s.path, tasks)
		}
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}

func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.Update(name, func(t *Task) { t.Enabled = enabled })
}

// MarkRun records the outcome of a run.
func (s *TaskStore) MarkRun(name string, at time.Time, runErr error) error {
	return s.Update(name, func(t *Task) {
		t.LastRunAt = at
		t.LastError = ""
		if runErr != nil {
			t.LastError = runErr.Error()
		}
	})
}

// internal/state/conversation.go
package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/chatwidget/internal/types"
)

// ConversationStore keeps the conversation index in conversations/index.json
// and one directory per conversation for its transcript.
type ConversationStore struct {
	root string
	mu   sync.RWMutex
}

func NewConversationStore(root string) *ConversationStore {
	return &ConversationStore{root: root}
}

func (s *ConversationStore) indexPath() string {
	return filepath.Join(s.root, "conversations", "index.json")
}

func (s *ConversationStore) conversationDir(id types.ConversationID) string {
	return filepath.Join(s.root, "conversations", string(id))
}

func (s *ConversationStore) loadIndex() (map[types.ConversationID]*types.ConversationSummary, error) {
	var list []*types.ConversationSummary
	if _, err := readJSON(s.indexPath(), &list); err != nil {
		return nil, fmt.Errorf("load conversation index: %w", err)
	}
	index := make(map[types.ConversationID]*types.ConversationSummary, len(list))
	for _, c := range list {
		index[c.ID] = c
	}
	return index, nil
}

func (s *ConversationStore) saveIndex(index map[types.ConversationID]*types.ConversationSummary) error {
	list := make([]*types.ConversationSummary, 0, len(index))
	for _, c := range index {
		list = append(list, c)
	}
	sortByUpdated(list)
	if err := writeJSON(s.indexPath(), list); err != nil {
		return fmt.Errorf("save conversation index: %w", err)
	}
	return nil
}

// Upsert records summary, preserving the original creation time.
func (s *ConversationStore) Upsert(_ context.Context, summary *types.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	entry := *summary
	if existing, ok := index[summary.ID]; ok && !existing.CreatedAt.IsZero() {
		entry.CreatedAt = existing.CreatedAt
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	index[summary.ID] = &entry
	return s.saveIndex(index)
}

func (s *ConversationStore) Get(_ context.Context, id types.ConversationID) (*types.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	c, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}
	return c, nil
}

// List returns all conversations, most recently updated first.
func (s *ConversationStore) List(_ context.Context) ([]*types.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	list := make([]*types.ConversationSummary, 0, len(index))
	for _, c := range index {
		list = append(list, c)
	}
	sortByUpdated(list)
	return list, nil
}

// Delete removes the conversation and its transcript.
func (s *ConversationStore) Delete(_ context.Context, id types.ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[id]; !ok {
		return fmt.Errorf("conversation not found: %s", id)
	}
	delete(index, id)
	if err := s.saveIndex(index); err != nil {
		return err
	}
	if err := os.RemoveAll(s.conversationDir(id)); err != nil {
		return fmt.Errorf("remove conversation dir: %w", err)
	}
	return nil
}

func sortByUpdated(list []*types.ConversationSummary) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

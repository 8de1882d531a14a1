// internal/state/transcript.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/chatwidget/internal/types"
)

const maxRecordSize = 1 << 20

// TranscriptStore is an append-only JSONL log of finished messages, stored per
// conversation in conversations/<id>/transcript.jsonl.
type TranscriptStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ConversationID]*sync.Mutex
}

func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{
		root:  root,
		locks: make(map[types.ConversationID]*sync.Mutex),
	}
}

func (s *TranscriptStore) getLock(id types.ConversationID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *TranscriptStore) path(id types.ConversationID) string {
	return filepath.Join(s.root, "conversations", string(id), "transcript.jsonl")
}

func newScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	return scanner
}

// count returns the number of records. Caller must hold the conversation lock.
func (s *TranscriptStore) count(id types.ConversationID) (int64, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var n int64
	scanner := newScanner(f)
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript: %w", err)
	}
	return n, nil
}

// Append writes record with the next sequence number.
func (s *TranscriptStore) Append(_ context.Context, record *types.TranscriptRecord) error {
	lock := s.getLock(record.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path(record.ConversationID)), 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}

	existing, err := s.count(record.ConversationID)
	if err != nil {
		return err
	}
	record.Seq = existing + 1

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal transcript record: %w", err)
	}

	f, err := os.OpenFile(s.path(record.ConversationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write transcript record: %w", err)
	}
	return nil
}

// Tail returns the last limit records. A limit of zero or less returns all.
func (s *TranscriptStore) Tail(_ context.Context, id types.ConversationID, limit int) ([]*types.TranscriptRecord, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var records []*types.TranscriptRecord
	scanner := newScanner(f)
	for scanner.Scan() {
		var rec types.TranscriptRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal transcript record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func (s *TranscriptStore) Count(_ context.Context, id types.ConversationID) (int64, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.count(id)
}

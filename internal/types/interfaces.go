// internal/types/interfaces.go
package types

import "context"

// KeyValueStore is the widget's local persisted state.
type KeyValueStore interface {
	// Get decodes the value under key into v and reports whether it existed.
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
	Delete(key string) error
}

type ConversationStore interface {
	Upsert(ctx context.Context, summary *ConversationSummary) error
	Get(ctx context.Context, id ConversationID) (*ConversationSummary, error)
	List(ctx context.Context) ([]*ConversationSummary, error)
	Delete(ctx context.Context, id ConversationID) error
}

type TranscriptStore interface {
	Append(ctx context.Context, record *TranscriptRecord) error
	Tail(ctx context.Context, id ConversationID, limit int) ([]*TranscriptRecord, error)
	Count(ctx context.Context, id ConversationID) (int64, error)
}

// Package state provides the widget's local persisted state: the key-value
// store the engine reads identity and prefill data from, and the file-backed
// conversation, transcript and task stores.
package state

import "github.com/user/chatwidget/internal/types"

var _ types.KeyValueStore = (*FileKV)(nil)
var _ types.KeyValueStore = (*MemoryKV)(nil)
var _ types.ConversationStore = (*ConversationStore)(nil)
var _ types.TranscriptStore = (*TranscriptStore)(nil)

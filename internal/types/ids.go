// internal/types/ids.go
package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type ConversationID string
type MessageID string
type TurnID string
type SessionKey string

// UnassignedID is the placeholder for a session or thread id the server has
// not issued yet.
const UnassignedID = "new"

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// NewMessageID derives the id of a turn's message from the turn id and role,
// e.g. "<turn>-user" or "<turn>-assistant".
func NewMessageID(turn TurnID, role Role) MessageID {
	return MessageID(string(turn) + "-" + string(role))
}

// ContinuationID names the n-th split continuation of an assistant message.
func ContinuationID(base MessageID, n int) MessageID {
	return MessageID(fmt.Sprintf("%s-%d", base, n))
}

// NoticeID names a transient notice appended during a turn.
func NoticeID(turn TurnID, n int) MessageID {
	return MessageID(fmt.Sprintf("%s-system-%d", turn, n))
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}

// IsAssigned reports whether id holds a real server-issued value.
func IsAssigned(id string) bool {
	return id != "" && id != UnassignedID
}

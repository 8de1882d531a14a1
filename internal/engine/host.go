package engine

import (
	"github.com/user/chatwidget/internal/types"
)

type UpdateOp string

const (
	OpInsert UpdateOp = "insert"
	OpUpdate UpdateOp = "update"
)

// MessageUpdate carries the full current state of one message. Op is insert
// the first time a message id is reported and update afterwards.
type MessageUpdate struct {
	Op      UpdateOp       `json:"op"`
	Message *types.Message `json:"message"`
}

// Host is the surface rendering a conversation. Callbacks may run on the
// transport's goroutine and must not block for long.
type Host interface {
	OnMessage(update MessageUpdate)
	OnProviderSwitch(provider string)
	OnNewChat()
}

// HostFuncs adapts plain functions to Host. Nil fields are skipped.
type HostFuncs struct {
	Message        func(MessageUpdate)
	ProviderSwitch func(string)
	NewChat        func()
}

var _ Host = HostFuncs{}

func (h HostFuncs) OnMessage(u MessageUpdate) {
	if h.Message != nil {
		h.Message(u)
	}
}

func (h HostFuncs) OnProviderSwitch(p string) {
	if h.ProviderSwitch != nil {
		h.ProviderSwitch(p)
	}
}

func (h HostFuncs) OnNewChat() {
	if h.NewChat != nil {
		h.NewChat()
	}
}

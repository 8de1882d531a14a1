package protocol

import (
	"encoding/json"

	"github.com/user/chatwidget/internal/types"
)

// Event is one decoded protocol event.
type Event interface {
	isEvent()
}

// ContentDelta appends text to the current assistant message.
type ContentDelta struct {
	Text string
}

// ChoiceList replaces the current message's choices.
type ChoiceList struct {
	Choices []types.Choice
}

// StructuredPayload attaches typed data to the current message.
type StructuredPayload struct {
	Kind string
	Data json.RawMessage
}

// SessionIDUpdate carries backend ids. Either field may be empty.
type SessionIDUpdate struct {
	SessionID string
	ThreadID  string
}

// ProviderSwitch asks the widget to route later turns to another provider.
type ProviderSwitch struct {
	Provider string
}

// ErrorSignal is a backend-reported failure. It ends the turn.
type ErrorSignal struct {
	Message string
}

// MessageSplit closes the current message and starts a new one seeded with
// Text.
type MessageSplit struct {
	Text string
}

// ControlMarker reports a marker found in the response text.
type ControlMarker struct {
	Marker Marker
}

func (ContentDelta) isEvent()      {}
func (ChoiceList) isEvent()        {}
func (StructuredPayload) isEvent() {}
func (SessionIDUpdate) isEvent()   {}
func (ProviderSwitch) isEvent()    {}
func (ErrorSignal) isEvent()       {}
func (MessageSplit) isEvent()      {}
func (ControlMarker) isEvent()     {}

// Frame holds the events decoded from one source line, in order. A host
// applies a frame as a single transcript update.
type Frame struct {
	Events []Event
}

package engine

import (
	"encoding/json"
	"log/slog"

	"github.com/user/chatwidget/internal/protocol"
	"github.com/user/chatwidget/internal/types"
)

// applyFrameLocked folds the events of one source line into the transcript.
// Every message touched by the frame is reported once, after the whole frame
// has been applied.
func (e *Engine) applyFrameLocked(t *turn, f protocol.Frame, fx *effects) {
	if t.state == awaitingFirstEvent {
		t.state = streaming
	}

	var dirty []*types.Message
	touch := func(m *types.Message) {
		for _, d := range dirty {
			if d == m {
				return
			}
		}
		dirty = append(dirty, m)
	}

	for _, ev := range f.Events {
		switch ev := ev.(type) {
		case protocol.ContentDelta:
			t.current.Content += ev.Text
			touch(t.current)

		case protocol.ChoiceList:
			t.current.Choices = append([]types.Choice(nil), ev.Choices...)
			touch(t.current)

		case protocol.StructuredPayload:
			if t.current.Payloads == nil {
				t.current.Payloads = make(map[string]json.RawMessage)
			}
			t.current.Payloads[ev.Kind] = append(json.RawMessage(nil), ev.Data...)
			touch(t.current)

		case protocol.SessionIDUpdate:
			e.updateIDsLocked(t.conv, ev.SessionID, ev.ThreadID)

		case protocol.ProviderSwitch:
			if notice := e.switchProviderLocked(t, ev.Provider, fx); notice != nil {
				touch(notice)
			}

		case protocol.MessageSplit:
			t.current.Complete = true
			touch(t.current)
			t.splits++
			t.current = e.newAssistantLocked(t, types.ContinuationID(t.base, t.splits), ev.Text)
			touch(t.current)

		case protocol.ControlMarker:
			e.applyMarkerLocked(t, ev.Marker)
			if ev.Marker == protocol.MarkerStates {
				touch(t.current)
			}

		case protocol.ErrorSignal:
			slog.Error("backend signalled an error", "turn", t.id, "message", ev.Message)
			for _, m := range dirty {
				e.notifyLocked(fx, m)
			}
			e.failLocked(t, &TurnError{Kind: FailureBackend, Err: &BackendError{Message: ev.Message}}, fx)
			return
		}
	}

	for _, m := range dirty {
		e.notifyLocked(fx, m)
	}
}

// updateIDsLocked adopts backend ids. Empty or placeholder values never
// replace an id already assigned.
func (e *Engine) updateIDsLocked(conv *types.Conversation, sessionID, threadID string) {
	if types.IsAssigned(sessionID) && sessionID != conv.SessionID {
		conv.SessionID = sessionID
	}
	if types.IsAssigned(threadID) && threadID != conv.ThreadID {
		if types.IsAssigned(conv.ThreadID) {
			slog.Info("backend moved conversation to a new thread", "conversation", conv.ID, "from", conv.ThreadID, "to", threadID)
		}
		conv.ThreadID = threadID
	}
}

// switchProviderLocked routes later turns to provider and appends the
// visible notice. It returns nil when the provider does not change.
func (e *Engine) switchProviderLocked(t *turn, provider string, fx *effects) *types.Message {
	if provider == "" || provider == e.provider {
		return nil
	}
	slog.Info("provider switch", "from", e.provider, "to", provider, "conversation", t.conv.ID)
	e.setProviderLocked(provider)
	fx.switches = append(fx.switches, provider)

	t.notices++
	notice := &types.Message{
		ID:        types.NoticeID(t.id, t.notices),
		Role:      types.RoleAssistant,
		Content:   switchNotice,
		CreatedAt: e.now(),
		Provider:  provider,
		Notice:    true,
		Complete:  true,
	}
	t.conv.Messages = append(t.conv.Messages, notice)
	t.messages = append(t.messages, notice)
	return notice
}

func (e *Engine) applyMarkerLocked(t *turn, m protocol.Marker) {
	switch m {
	case protocol.MarkerEmailValidation:
		e.modes.ExpectBusinessEmail = true
	case protocol.MarkerSupportTicket:
		e.modes.SupportTicket = true
	case protocol.MarkerNewChat:
		t.newChat = true
	case protocol.MarkerStates:
		t.current.StatesSelector = true
	}
	slog.Debug("control marker", "turn", t.id, "marker", string(m))
}

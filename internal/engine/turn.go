package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/user/chatwidget/internal/protocol"
	"github.com/user/chatwidget/internal/types"
	"github.com/user/chatwidget/pkg/chatapi"
)

type turnState int

const (
	awaitingFirstEvent turnState = iota
	streaming
	complete
	failed
	cancelled
)

func (s turnState) String() string {
	switch s {
	case awaitingFirstEvent:
		return "awaiting_first_event"
	case streaming:
		return "streaming"
	case complete:
		return "complete"
	case failed:
		return "failed"
	case cancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s turnState) terminal() bool {
	return s == complete || s == failed || s == cancelled
}

// turn is the state of one request/response cycle. It is owned by the
// engine and guarded by its mutex; callbacks for a turn that is no longer
// current are dropped.
type turn struct {
	id       types.TurnID
	conv     *types.Conversation
	current  *types.Message
	base     types.MessageID
	messages []*types.Message
	parser   *protocol.Parser
	state    turnState
	err      error
	splits   int
	notices  int
	newChat  bool
	cancel   context.CancelFunc
	finished chan struct{}
}

// effects are collected under the lock and run after it is released.
type effects struct {
	updates  []MessageUpdate
	switches []string
	newChat  bool
	persist  []*types.TranscriptRecord
	summary  *types.ConversationSummary
	finished chan struct{}
}

func (e *Engine) runTurn(ctx context.Context, in turnInput) error {
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	t, req := e.startTurnLocked(in, cancel)
	var fx effects
	for _, m := range t.messages {
		e.notifyLocked(&fx, m)
	}
	e.mu.Unlock()
	e.dispatch(&fx)

	slog.Info("turn started",
		"turn", t.id,
		"conversation", t.conv.ID,
		"provider", req.Provider,
		"new_chat", req.IsNewChat,
		"support_ticket", req.SupportTicket,
	)

	go func() {
		err := e.transport.StreamChat(tctx, req, chatapi.Handler{
			OnChunk:    func(chunk string) { e.onChunk(t, chunk) },
			OnComplete: func(ids chatapi.SessionIDs) { e.onComplete(t, ids) },
			OnError:    func(err error) { e.onError(t, err) },
		})
		// A transport that returned without reporting still ends the turn.
		if err != nil {
			e.onError(t, err)
		} else {
			e.onComplete(t, chatapi.SessionIDs{})
		}
	}()

	select {
	case <-t.finished:
	case <-ctx.Done():
		e.mu.Lock()
		var fx effects
		if e.turn == t {
			e.cancelLocked(t, &fx)
		}
		e.mu.Unlock()
		e.dispatch(&fx)
		<-t.finished
	}

	e.mu.Lock()
	err := t.err
	outcome := t.state
	e.mu.Unlock()
	slog.Info("turn finished", "turn", t.id, "outcome", outcome.String())
	return err
}

func (e *Engine) startTurnLocked(in turnInput, cancel context.CancelFunc) (*turn, *chatapi.ChatRequest) {
	now := e.now()

	// Markers from the previous response only govern the input that follows
	// it. This turn's response re-arms them.
	e.modes.ExpectBusinessEmail = false
	supportTicket := e.modes.SupportTicket
	e.modes.SupportTicket = false

	isNewChat := in.welcome
	if e.conv == nil {
		isNewChat = true
		name := welcomeTitle
		if !in.welcome && in.display != "" {
			name = title(in.display)
		}
		e.conv = &types.Conversation{
			ID:        types.NewConversationID(),
			SessionID: types.UnassignedID,
			ThreadID:  types.UnassignedID,
			Provider:  e.provider,
			Title:     name,
			CreatedAt: now,
		}
		e.inserted = make(map[types.MessageID]bool)
	}
	conv := e.conv
	conv.UpdatedAt = now

	threadID := conv.ThreadID
	if in.welcome || !types.IsAssigned(threadID) {
		threadID = types.UnassignedID
	}

	t := &turn{
		id:       types.NewTurnID(),
		conv:     conv,
		parser:   protocol.NewParser(),
		cancel:   cancel,
		finished: make(chan struct{}),
	}

	if in.display != "" {
		user := &types.Message{
			ID:        types.NewMessageID(t.id, types.RoleUser),
			Role:      types.RoleUser,
			Content:   in.display,
			CreatedAt: now,
			Files:     in.files,
			Complete:  true,
		}
		conv.Messages = append(conv.Messages, user)
		t.messages = append(t.messages, user)
	}

	t.base = types.NewMessageID(t.id, types.RoleAssistant)
	t.current = e.newAssistantLocked(t, t.base, "")
	e.turn = t

	req := &chatapi.ChatRequest{
		Message:       in.send,
		Files:         attachmentMeta(in.files),
		Email:         in.identity.Email,
		SessionID:     conv.SessionID,
		ThreadID:      threadID,
		IsNewChat:     isNewChat,
		APIKey:        e.cfg.APIKey,
		Provider:      e.provider,
		AppID:         e.cfg.AppID,
		UserName:      e.cfg.UserName,
		Designation:   e.cfg.Designation,
		SupportTicket: supportTicket,
	}
	return t, req
}

func (e *Engine) newAssistantLocked(t *turn, id types.MessageID, content string) *types.Message {
	m := &types.Message{
		ID:        id,
		Role:      types.RoleAssistant,
		Content:   content,
		CreatedAt: e.now(),
		Provider:  e.provider,
		ViaLLM:    llmProviders[e.provider],
	}
	t.conv.Messages = append(t.conv.Messages, m)
	t.messages = append(t.messages, m)
	return m
}

func attachmentMeta(files []types.FileAttachment) []chatapi.File {
	if len(files) == 0 {
		return nil
	}
	out := make([]chatapi.File, len(files))
	for i, f := range files {
		out[i] = chatapi.File{Name: f.Name, Type: f.Type, Size: f.Size}
	}
	return out
}

// live reports whether callbacks for t should still be applied.
func (e *Engine) live(t *turn) bool {
	return e.turn == t && !t.state.terminal()
}

func (e *Engine) onChunk(t *turn, chunk string) {
	e.mu.Lock()
	var fx effects
	if e.live(t) {
		for _, f := range t.parser.Feed(chunk) {
			e.applyFrameLocked(t, f, &fx)
			if t.state.terminal() {
				break
			}
		}
	}
	e.mu.Unlock()
	e.dispatch(&fx)
}

func (e *Engine) onComplete(t *turn, ids chatapi.SessionIDs) {
	e.mu.Lock()
	var fx effects
	if e.live(t) {
		for _, f := range t.parser.Flush() {
			e.applyFrameLocked(t, f, &fx)
			if t.state.terminal() {
				break
			}
		}
		if !t.state.terminal() {
			e.updateIDsLocked(t.conv, ids.SessionID, ids.ThreadID)
			t.state = complete
			e.finishLocked(t, &fx)
		}
	}
	e.mu.Unlock()
	e.dispatch(&fx)
}

func (e *Engine) onError(t *turn, err error) {
	e.mu.Lock()
	var fx effects
	if e.live(t) {
		slog.Error("chat turn failed", "turn", t.id, "error", err)
		e.failLocked(t, &TurnError{Kind: FailureTransport, Err: err}, &fx)
	}
	e.mu.Unlock()
	e.dispatch(&fx)
}

// failLocked ends t with the apology in its current message.
func (e *Engine) failLocked(t *turn, err *TurnError, fx *effects) {
	t.state = failed
	t.err = err
	t.current.Content = apologyText
	t.current.Choices = nil
	t.current.StatesSelector = false
	e.finishLocked(t, fx)
}

func (e *Engine) cancelLocked(t *turn, fx *effects) {
	if t.state.terminal() {
		return
	}
	if held := t.parser.Release(); len(held) > 0 {
		e.applyFrameLocked(t, protocol.Frame{Events: held}, fx)
	}
	t.state = cancelled
	t.err = ErrCancelled
	e.finishLocked(t, fx)
}

// finishLocked freezes the turn's messages and detaches it from the engine.
func (e *Engine) finishLocked(t *turn, fx *effects) {
	t.cancel()
	for _, m := range t.messages {
		if !m.Complete {
			m.Complete = true
			e.notifyLocked(fx, m)
		}
	}
	if e.turn == t {
		e.turn = nil
	}
	t.conv.UpdatedAt = e.now()

	if t.state != cancelled && t.newChat {
		fx.newChat = true
	}

	if e.transcripts != nil {
		at := e.now()
		for _, m := range t.messages {
			fx.persist = append(fx.persist, &types.TranscriptRecord{
				ConversationID: t.conv.ID,
				TurnID:         t.id,
				Outcome:        t.state.String(),
				At:             at,
				Message:        m.Clone(),
			})
		}
	}
	if e.conversations != nil {
		fx.summary = t.conv.Summary()
	}
	fx.finished = t.finished
}

// notifyLocked queues the message's current state, once per message per
// batch, as an insert the first time the id is seen.
func (e *Engine) notifyLocked(fx *effects, m *types.Message) {
	for i, u := range fx.updates {
		if u.Message.ID == m.ID {
			fx.updates[i].Message = m.Clone()
			return
		}
	}
	op := OpUpdate
	if !e.inserted[m.ID] {
		op = OpInsert
		e.inserted[m.ID] = true
	}
	fx.updates = append(fx.updates, MessageUpdate{Op: op, Message: m.Clone()})
}

// dispatch runs the collected effects outside the lock. A finished turn
// releases the semaphore first so a host reacting to the final update or to
// the new-chat callback can start the next turn. The turn's caller is woken
// last.
func (e *Engine) dispatch(fx *effects) {
	if fx.finished != nil {
		e.sem.Release(1)
	}
	for _, u := range fx.updates {
		e.host.OnMessage(u)
	}
	for _, p := range fx.switches {
		e.host.OnProviderSwitch(p)
	}
	if len(fx.persist) > 0 || fx.summary != nil {
		e.persist(fx.persist, fx.summary)
	}
	if fx.newChat {
		e.host.OnNewChat()
	}
	if fx.finished != nil {
		close(fx.finished)
	}
}

func (e *Engine) persist(records []*types.TranscriptRecord, summary *types.ConversationSummary) {
	ctx := context.Background()
	for _, r := range records {
		if err := e.transcripts.Append(ctx, r); err != nil {
			slog.Warn("failed to persist transcript record", "conversation", r.ConversationID, "error", err)
			break
		}
	}
	if summary != nil {
		if err := e.conversations.Upsert(ctx, summary); err != nil {
			slog.Warn("failed to persist conversation", "conversation", summary.ID, "error", err)
		}
	}
}

// IsCancelled reports whether err ended a turn by cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

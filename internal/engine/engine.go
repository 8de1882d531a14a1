// Package engine runs chat turns against the widget backend and keeps the
// transcript of the current conversation.
//
// An Engine owns one conversation at a time. Each turn appends the visitor's
// message and an assistant placeholder, streams the backend response through
// the protocol parser and folds the decoded frames into the transcript,
// reporting every change to the Host.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/chatwidget/internal/protocol"
	"github.com/user/chatwidget/internal/state"
	"github.com/user/chatwidget/internal/types"
	"github.com/user/chatwidget/pkg/chatapi"
)

const (
	// DefaultProvider is the rule-based flow engine.
	DefaultProvider = "botpress"
	// AssistantProvider handles turns once the visitor asks for the AI assistant.
	AssistantProvider = "openai"

	apologyText   = "Sorry, I encountered an error. Please try again."
	switchNotice  = "🤖 Switching to AI Assistant mode..."
	welcomeTitle  = "New Chat"
	defaultGreet  = "Hello"
	maxTitleRunes = 50
)

// assistantChoices are choice values that hand the conversation to the
// language-model provider.
var assistantChoices = map[string]bool{
	"AI_ASSISTANT": true,
	"ASK_AI":       true,
	"ASK_RICA":     true,
	"TALK_AI":      true,
}

var llmProviders = map[string]bool{
	"llm":       true,
	"openai":    true,
	"cloud-llm": true,
}

// Config holds the per-widget request settings.
type Config struct {
	APIKey      string
	AppID       string
	Provider    string
	UserName    string
	Designation string
	// CaptureAppID enables capturing the first two messages as the lead's
	// name and email when it equals AppID.
	CaptureAppID string
}

// IdentityResolver returns the visitor the backend correlates turns with, or
// nil when none is known.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context) (*types.Identity, error)
}

// Options wires an Engine. Transport, Identity and Local are required.
type Options struct {
	Config        Config
	Transport     chatapi.Transport
	Identity      IdentityResolver
	Local         types.KeyValueStore
	Host          Host
	Transcripts   types.TranscriptStore
	Conversations types.ConversationStore
	Now           func() time.Time
}

// Modes are the input modes armed by control markers.
type Modes struct {
	ExpectBusinessEmail bool
	SupportTicket       bool
}

// Engine is safe for concurrent use. At most one turn runs at a time.
type Engine struct {
	cfg           Config
	transport     chatapi.Transport
	identity      IdentityResolver
	local         types.KeyValueStore
	host          Host
	transcripts   types.TranscriptStore
	conversations types.ConversationStore
	now           func() time.Time

	sem *semaphore.Weighted

	mu       sync.Mutex
	conv     *types.Conversation
	provider string
	modes    Modes
	inserted map[types.MessageID]bool
	turn     *turn
}

// New creates an engine with no current conversation.
func New(opts Options) *Engine {
	if opts.Config.Provider == "" {
		opts.Config.Provider = DefaultProvider
	}
	if opts.Host == nil {
		opts.Host = HostFuncs{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		cfg:           opts.Config,
		transport:     opts.Transport,
		identity:      opts.Identity,
		local:         opts.Local,
		host:          opts.Host,
		transcripts:   opts.Transcripts,
		conversations: opts.Conversations,
		now:           opts.Now,
		sem:           semaphore.NewWeighted(1),
		provider:      opts.Config.Provider,
		inserted:      make(map[types.MessageID]bool),
	}
}

// turnInput describes one outgoing turn.
type turnInput struct {
	send     string
	display  string
	files    []types.FileAttachment
	identity *types.Identity
	welcome  bool
}

// Submit sends free text typed by the visitor and blocks until the turn ends.
// The new-chat keyword is handled locally. While a business email is
// expected the text must pass ValidateBusinessEmail first.
func (e *Engine) Submit(ctx context.Context, text string, files ...types.FileAttachment) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if protocol.IsNewChatKeyword(trimmed) {
		slog.Debug("new chat requested by visitor")
		e.host.OnNewChat()
		return nil
	}

	if !e.sem.TryAcquire(1) {
		return ErrTurnInFlight
	}
	started := false
	defer func() {
		if !started {
			e.sem.Release(1)
		}
	}()

	// The identity is fixed before any cached state is touched so the turn
	// is attributed to whoever was known when it began.
	identity, err := e.resolveIdentity(ctx)
	if err != nil {
		return err
	}

	if err := e.gateBusinessEmail(trimmed); err != nil {
		return err
	}
	e.captureIdentity(trimmed)

	started = true
	return e.runTurn(ctx, turnInput{send: text, display: text, files: files, identity: identity})
}

// SelectChoice answers a choice prompt. The value is sent to the backend and
// the label is shown as the visitor's message.
func (e *Engine) SelectChoice(ctx context.Context, value, label string) error {
	if protocol.IsNewChatKeyword(value) {
		slog.Debug("new chat requested by choice")
		e.host.OnNewChat()
		return nil
	}
	if !e.sem.TryAcquire(1) {
		return ErrTurnInFlight
	}
	started := false
	defer func() {
		if !started {
			e.sem.Release(1)
		}
	}()

	identity, err := e.resolveIdentity(ctx)
	if err != nil {
		return err
	}

	if assistantChoices[strings.ToUpper(strings.TrimSpace(value))] {
		e.mu.Lock()
		changed := e.provider != AssistantProvider
		e.setProviderLocked(AssistantProvider)
		e.mu.Unlock()
		if changed {
			slog.Info("assistant choice selected", "provider", AssistantProvider)
			e.host.OnProviderSwitch(AssistantProvider)
		}
	}

	if label == "" {
		label = value
	}
	started = true
	return e.runTurn(ctx, turnInput{send: value, display: label, identity: identity})
}

// SubmitLeadForm tells the backend the lead form was submitted or skipped.
func (e *Engine) SubmitLeadForm(ctx context.Context, skipped bool) error {
	token := protocol.FormSubmittedToken
	if skipped {
		token = protocol.FormSkippedToken
	}
	if !e.sem.TryAcquire(1) {
		return ErrTurnInFlight
	}
	started := false
	defer func() {
		if !started {
			e.sem.Release(1)
		}
	}()

	identity, err := e.resolveIdentity(ctx)
	if err != nil {
		return err
	}
	started = true
	return e.runTurn(ctx, turnInput{send: token, identity: identity})
}

// Welcome starts a conversation with the backend's greeting. It does nothing
// when a conversation already exists.
func (e *Engine) Welcome(ctx context.Context) error {
	e.mu.Lock()
	hasConversation := e.conv != nil
	e.mu.Unlock()
	if hasConversation {
		return nil
	}

	if !e.sem.TryAcquire(1) {
		return ErrTurnInFlight
	}
	started := false
	defer func() {
		if !started {
			e.sem.Release(1)
		}
	}()

	identity, err := e.resolveIdentity(ctx)
	if err != nil {
		return err
	}

	greeting := e.cfg.UserName
	if greeting == "" {
		greeting = defaultGreet
	}
	if cached, err := state.LoadUser(e.local); err != nil {
		slog.Warn("failed to read cached user", "error", err)
	} else if cached != nil && cached.Name != "" && cached.Email != "" {
		greeting = protocol.WelcomeToken
	}

	started = true
	return e.runTurn(ctx, turnInput{send: greeting, identity: identity, welcome: true})
}

// Cancel stops listening to the in-flight turn. The partial response is kept
// and the turn returns ErrCancelled. The request itself is aborted on a best
// effort basis.
func (e *Engine) Cancel() {
	e.mu.Lock()
	t := e.turn
	var fx effects
	if t != nil {
		e.cancelLocked(t, &fx)
	}
	e.mu.Unlock()
	e.dispatch(&fx)
}

// Reset cancels any turn and forgets the current conversation.
func (e *Engine) Reset() {
	e.Cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.conv = nil
	e.modes = Modes{}
	e.provider = e.cfg.Provider
	e.inserted = make(map[types.MessageID]bool)
}

// Conversation returns a copy of the current conversation or nil.
func (e *Engine) Conversation() *types.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone()
}

func (e *Engine) Modes() Modes {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modes
}

// Provider returns the provider the next turn is sent to.
func (e *Engine) Provider() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provider
}

func (e *Engine) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turn != nil
}

// InputLocked reports whether free text is disabled because the latest
// assistant message is waiting for a choice or a state selection.
func (e *Engine) InputLocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv == nil {
		return false
	}
	for i := len(e.conv.Messages) - 1; i >= 0; i-- {
		m := e.conv.Messages[i]
		if m.Notice {
			continue
		}
		return m.Role == types.RoleAssistant && (len(m.Choices) > 0 || m.StatesSelector)
	}
	return false
}

func (e *Engine) resolveIdentity(ctx context.Context) (*types.Identity, error) {
	identity, err := e.identity.ResolveIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	if identity == nil || strings.TrimSpace(identity.Email) == "" {
		slog.Warn("refusing to send turn without a user email")
		return nil, ErrMissingIdentity
	}
	return identity, nil
}

// gateBusinessEmail validates text while a business email is expected. An
// accepted address only prefills the lead form; the backend identity stays
// unchanged.
func (e *Engine) gateBusinessEmail(text string) error {
	e.mu.Lock()
	expecting := e.modes.ExpectBusinessEmail
	e.mu.Unlock()
	if !expecting {
		return nil
	}

	email, err := ValidateBusinessEmail(text)
	if err != nil {
		return err
	}

	err = state.UpdateLeadPrefill(e.local, func(p *types.LeadPrefill) {
		p.Email = email
		if p.Name == "" {
			p.Name = localPart(email)
		}
	})
	if err != nil {
		slog.Warn("failed to cache validated email", "error", err)
	}

	e.mu.Lock()
	e.modes.ExpectBusinessEmail = false
	e.mu.Unlock()
	slog.Info("business email accepted for lead form")
	return nil
}

// captureIdentity stores the first two messages as the lead's name and email
// for widgets configured for capture.
func (e *Engine) captureIdentity(text string) {
	if e.cfg.CaptureAppID == "" || e.cfg.AppID != e.cfg.CaptureAppID {
		return
	}
	count, err := state.MessageCount(e.local)
	if err != nil {
		slog.Warn("failed to read message count", "error", err)
		return
	}

	switch count {
	case 0:
		err = e.local.Set(state.KeyLeadPrefill, &types.LeadPrefill{Name: text})
	case 1:
		err = state.UpdateLeadPrefill(e.local, func(p *types.LeadPrefill) { p.Email = text })
	default:
		return
	}
	if err != nil {
		slog.Warn("failed to capture lead identity", "error", err)
		return
	}
	if _, err := state.IncrementMessageCount(e.local); err != nil {
		slog.Warn("failed to update message count", "error", err)
	}
}

func (e *Engine) setProviderLocked(provider string) {
	e.provider = provider
	if e.conv != nil {
		e.conv.Provider = provider
	}
}

func title(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= maxTitleRunes {
		return string(r)
	}
	return string(r[:maxTitleRunes]) + "..."
}

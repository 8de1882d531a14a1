package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/chatwidget/internal/engine"
	"github.com/user/chatwidget/internal/state"
	"github.com/user/chatwidget/internal/types"
)

// Conversation is the engine of one chat plus the surface rendering it.
type Conversation struct {
	Key    types.SessionKey
	Engine *engine.Engine
	KV     *state.FileKV

	gateway *Gateway

	mu   sync.RWMutex
	host engine.Host
}

var _ engine.Host = (*Conversation)(nil)

func (c *Conversation) setHost(h engine.Host) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = h
}

func (c *Conversation) currentHost() engine.Host {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

func (c *Conversation) OnMessage(u engine.MessageUpdate) {
	if h := c.currentHost(); h != nil {
		h.OnMessage(u)
	}
}

func (c *Conversation) OnProviderSwitch(provider string) {
	if h := c.currentHost(); h != nil {
		h.OnProviderSwitch(provider)
	}
}

// OnNewChat tells the host and queues the restart behind the current run.
func (c *Conversation) OnNewChat() {
	if h := c.currentHost(); h != nil {
		h.OnNewChat()
	}
	err := c.gateway.Enqueue(c.Key, "restart", func(ctx context.Context, c *Conversation) error {
		return c.Restart(ctx)
	}, nil)
	if err != nil {
		slog.Warn("failed to queue new chat", "key", string(c.Key), "error", err)
	}
}

// Restart forgets the conversation and the lead-capture data, then asks the
// backend for a fresh greeting.
func (c *Conversation) Restart(ctx context.Context) error {
	c.Engine.Reset()
	if err := state.ClearWidgetData(c.KV); err != nil {
		slog.Warn("failed to clear widget data", "key", string(c.Key), "error", err)
	}
	return c.Engine.Welcome(ctx)
}

func (c *Conversation) messageCount() int {
	conv := c.Engine.Conversation()
	if conv == nil {
		return 0
	}
	return len(conv.Messages)
}

// RepliesSince joins the assistant messages from index from onwards.
func (c *Conversation) RepliesSince(from int) string {
	conv := c.Engine.Conversation()
	if conv == nil || from >= len(conv.Messages) {
		return ""
	}
	var parts []string
	for _, m := range conv.Messages[from:] {
		if m.Role != types.RoleAssistant || m.Notice || m.Content == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(m.Content))
	}
	return strings.Join(parts, "\n\n")
}

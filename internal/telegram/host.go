package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/chatwidget/internal/engine"
	"github.com/user/chatwidget/internal/gateway"
	"github.com/user/chatwidget/internal/render"
	"github.com/user/chatwidget/internal/types"
)

const maxPayloadItems = 10

// chat renders one conversation into a Telegram chat. Updates are coalesced
// per message and flushed at most once per interval: the first non-empty
// state of a reply is sent, later states edit it.
type chat struct {
	id       int64
	bot      Bot
	interval time.Duration
	conv     *gateway.Conversation

	mu      sync.Mutex
	pending map[types.MessageID]*types.Message
	order   []types.MessageID
	wake    chan struct{}

	// Owned by the run goroutine.
	sent     map[types.MessageID]int
	lastText map[types.MessageID]string
	done     map[types.MessageID]bool
}

var _ engine.Host = (*chat)(nil)

func newChat(id int64, bot Bot, interval time.Duration) *chat {
	return &chat{
		id:       id,
		bot:      bot,
		interval: interval,
		pending:  make(map[types.MessageID]*types.Message),
		wake:     make(chan struct{}, 1),
		sent:     make(map[types.MessageID]int),
		lastText: make(map[types.MessageID]string),
		done:     make(map[types.MessageID]bool),
	}
}

// OnMessage queues the latest state of an assistant message or notice. The
// visitor's own messages are already visible in the chat.
func (c *chat) OnMessage(u engine.MessageUpdate) {
	m := u.Message
	if m == nil || (m.Role == types.RoleUser && !m.Notice) {
		return
	}
	c.mu.Lock()
	if _, ok := c.pending[m.ID]; !ok {
		c.order = append(c.order, m.ID)
	}
	c.pending[m.ID] = m.Clone()
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *chat) OnProviderSwitch(provider string) {
	slog.Debug("telegram chat switched provider", "chat_id", c.id, "provider", provider)
}

func (c *chat) OnNewChat() {
	c.send(tgbotapi.NewMessage(c.id, "Starting a new chat."))
}

func (c *chat) run(ctx context.Context) {
	for {
		select {
		case <-c.wake:
			c.flush()
			select {
			case <-time.After(c.interval):
			case <-ctx.Done():
				c.flush()
				return
			}
		case <-ctx.Done():
			c.flush()
			return
		}
	}
}

func (c *chat) take() []*types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.pending[id])
	}
	c.pending = make(map[types.MessageID]*types.Message)
	c.order = nil
	return out
}

func (c *chat) flush() {
	for _, m := range c.take() {
		c.render(m)
	}
}

// render sends or edits the Telegram message for m.
func (c *chat) render(m *types.Message) {
	if c.done[m.ID] {
		return
	}
	text := messageText(m)
	if strings.TrimSpace(text) == "" {
		return
	}
	parts := splitMessage(text)
	first := parts[0]

	var markup *tgbotapi.InlineKeyboardMarkup
	if m.Complete && len(m.Choices) > 0 {
		kb := keyboard(m.Choices)
		markup = &kb
	}

	msgID, sent := c.sent[m.ID]
	switch {
	case !sent:
		msg := tgbotapi.NewMessage(c.id, first)
		if markup != nil && len(parts) == 1 {
			msg.ReplyMarkup = *markup
		}
		if m.Complete {
			msg.ParseMode = tgbotapi.ModeMarkdown
		}
		out, ok := c.send(msg)
		if !ok {
			return
		}
		c.sent[m.ID] = out.MessageID

	case first != c.lastText[m.ID] || (markup != nil && len(parts) == 1):
		var edit tgbotapi.EditMessageTextConfig
		if markup != nil && len(parts) == 1 {
			edit = tgbotapi.NewEditMessageTextAndMarkup(c.id, msgID, first, *markup)
		} else {
			edit = tgbotapi.NewEditMessageText(c.id, msgID, first)
		}
		if m.Complete {
			edit.ParseMode = tgbotapi.ModeMarkdown
		}
		if _, ok := c.send(edit); !ok {
			return
		}
	}
	c.lastText[m.ID] = first

	if !m.Complete {
		return
	}
	c.done[m.ID] = true
	for i, part := range parts[1:] {
		msg := tgbotapi.NewMessage(c.id, part)
		if markup != nil && i == len(parts)-2 {
			msg.ReplyMarkup = *markup
		}
		c.send(msg)
	}
}

// send retries once without markdown when Telegram rejects the formatting.
func (c *chat) send(msg tgbotapi.Chattable) (tgbotapi.Message, bool) {
	out, err := c.bot.Send(msg)
	if err == nil {
		return out, true
	}
	if strings.Contains(err.Error(), "message is not modified") {
		return out, true
	}

	switch m := msg.(type) {
	case tgbotapi.MessageConfig:
		if m.ParseMode != "" {
			m.ParseMode = ""
			out, err = c.bot.Send(m)
		}
	case tgbotapi.EditMessageTextConfig:
		if m.ParseMode != "" {
			m.ParseMode = ""
			out, err = c.bot.Send(m)
		}
	}
	if err != nil {
		slog.Warn("telegram send failed", "chat_id", c.id, "error", err)
		return out, false
	}
	return out, true
}

func keyboard(choices []types.Choice) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(choices))
	for _, ch := range choices {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(ch.Title, ch.Value)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// messageText is the chat text of m: markdown body, then digests of any
// structured payloads.
func messageText(m *types.Message) string {
	body := m.Content
	if m.Complete {
		body = render.Markdown(body)
	}
	if m.Notice {
		return "_" + strings.TrimSpace(body) + "_"
	}

	var b strings.Builder
	b.WriteString(body)
	if m.StatesSelector && m.Complete {
		b.WriteString("\n\nReply with the name of your state.")
	}

	var acts types.ActsData
	if ok, err := m.DecodePayload(types.PayloadActs, &acts); err != nil {
		slog.Debug("undecodable acts payload", "message", string(m.ID), "error", err)
	} else if ok {
		fmt.Fprintf(&b, "\n\nApplicable acts (%d)", acts.Total)
		for i, act := range acts.Acts {
			if i == maxPayloadItems {
				fmt.Fprintf(&b, "\n…and %d more", len(acts.Acts)-maxPayloadItems)
				break
			}
			fmt.Fprintf(&b, "\n• %s", act.LegislativeArea)
		}
	}

	var updates types.DailyUpdatesData
	if ok, err := m.DecodePayload(types.PayloadDailyUpdates, &updates); err != nil {
		slog.Debug("undecodable daily updates payload", "message", string(m.ID), "error", err)
	} else if ok {
		fmt.Fprintf(&b, "\n\nDaily updates (%d)", updates.Total)
		for i, u := range updates.Updates {
			if i == maxPayloadItems {
				fmt.Fprintf(&b, "\n…and %d more", len(updates.Updates)-maxPayloadItems)
				break
			}
			fmt.Fprintf(&b, "\n• %s: %s", u.Category, u.Title)
		}
	}
	return strings.TrimSpace(b.String())
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/chatwidget/internal/engine"
	"github.com/user/chatwidget/internal/gateway"
	"github.com/user/chatwidget/internal/render"
	"github.com/user/chatwidget/internal/types"
)

const (
	maxTelegramMessage  = 4096
	defaultEditInterval = time.Second
	sessionPrefix       = "telegram"
)

// Bot is the part of the Bot API the adapter uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Options configures an Adapter.
type Options struct {
	// EditInterval is the minimum time between edits of a streaming reply.
	EditInterval time.Duration
	// Counter adds token stats to /status. Optional.
	Counter *render.Counter
}

// Adapter runs one widget conversation per Telegram chat.
type Adapter struct {
	bot     Bot
	api     *tgbotapi.BotAPI
	gateway *gateway.Gateway
	opts    Options

	mu    sync.Mutex
	chats map[int64]*chat
	ctx   context.Context
}

// New connects to the Bot API with token.
func New(token string, gw *gateway.Gateway, opts Options) (*Adapter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := NewWithBot(api, gw, opts)
	a.api = api
	return a, nil
}

// NewWithBot creates an adapter sending through bot. It cannot poll for
// updates; feed them to HandleUpdate.
func NewWithBot(bot Bot, gw *gateway.Gateway, opts Options) *Adapter {
	if opts.EditInterval <= 0 {
		opts.EditInterval = defaultEditInterval
	}
	return &Adapter{
		bot:     bot,
		gateway: gw,
		opts:    opts,
		chats:   make(map[int64]*chat),
		ctx:     context.Background(),
	}
}

// Start begins long-polling for Telegram updates and blocks until ctx ends.
func (a *Adapter) Start(ctx context.Context) {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	if a.api == nil {
		<-ctx.Done()
		return
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			a.HandleUpdate(update)
		case <-ctx.Done():
			a.api.StopReceivingUpdates()
			return
		}
	}
}

// HandleUpdate routes one update from Telegram.
func (a *Adapter) HandleUpdate(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "":
		a.handleMessage(update.Message)
	}
}

// Deliver runs message as a turn in the chat named by sessionKey
// ("telegram:<chat id>"). It is the delivery handler for scheduled tasks.
func (a *Adapter) Deliver(sessionKey, message string) error {
	chatID, err := parseSessionKey(sessionKey)
	if err != nil {
		return err
	}
	c, err := a.chat(chatID, nil)
	if err != nil {
		return err
	}
	return a.enqueue(c, "task", func(ctx context.Context, conv *gateway.Conversation) error {
		return conv.Engine.Submit(ctx, message)
	})
}

func (a *Adapter) handleMessage(msg *tgbotapi.Message) {
	c, err := a.chat(msg.Chat.ID, profileOf(msg.From))
	if err != nil {
		slog.Error("failed to open telegram chat", "chat_id", msg.Chat.ID, "error", err)
		a.sendText(msg.Chat.ID, "Sorry, I encountered an error processing your message.")
		return
	}

	if msg.IsCommand() {
		a.handleCommand(c, msg)
		return
	}

	text := msg.Text
	a.enqueue(c, "submit", func(ctx context.Context, conv *gateway.Conversation) error {
		return conv.Engine.Submit(ctx, text)
	})
}

func (a *Adapter) handleCommand(c *chat, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		a.enqueue(c, "welcome", func(ctx context.Context, conv *gateway.Conversation) error {
			return conv.Engine.Welcome(ctx)
		})

	case "new":
		a.sendText(c.id, "Starting a new chat.")
		a.enqueue(c, "restart", func(ctx context.Context, conv *gateway.Conversation) error {
			return conv.Restart(ctx)
		})

	case "cancel":
		c.conv.Engine.Cancel()

	case "status":
		a.sendText(c.id, a.status(c))

	default:
		a.sendText(c.id, "Unknown command. Available: /start, /new, /cancel, /status")
	}
}

func (a *Adapter) status(c *chat) string {
	eng := c.conv.Engine
	conv := eng.Conversation()
	if conv == nil {
		return fmt.Sprintf("Session: %s\nNo conversation yet. Send /start to begin.", c.conv.Key)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\nThread: %s\nProvider: %s\nMessages: %d",
		c.conv.Key, conv.ThreadID, eng.Provider(), len(conv.Messages))
	if a.opts.Counter != nil {
		stats := a.opts.Counter.Conversation(conv)
		fmt.Fprintf(&b, "\nTokens: %d (you %d, assistant %d)", stats.Total(), stats.UserTokens, stats.AssistantTokens)
	}
	if eng.Streaming() {
		b.WriteString("\nA reply is streaming.")
	}
	return b.String()
}

func (a *Adapter) handleCallback(q *tgbotapi.CallbackQuery) {
	if _, err := a.bot.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		slog.Debug("callback ack failed", "error", err)
	}
	if q.Message == nil || q.Data == "" {
		return
	}

	c, err := a.chat(q.Message.Chat.ID, profileOf(q.From))
	if err != nil {
		slog.Error("failed to open telegram chat", "chat_id", q.Message.Chat.ID, "error", err)
		return
	}
	value := q.Data
	label := choiceLabel(q.Message.ReplyMarkup, value)
	a.enqueue(c, "choice", func(ctx context.Context, conv *gateway.Conversation) error {
		return conv.Engine.SelectChoice(ctx, value, label)
	})
}

// chat returns the renderer of chatID, attaching it to the gateway on first
// use.
func (a *Adapter) chat(chatID int64, profile *types.Identity) (*chat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.chats[chatID]; ok {
		return c, nil
	}
	c := newChat(chatID, a.bot, a.opts.EditInterval)
	conv, err := a.gateway.Attach(sessionKey(chatID), profile, c)
	if err != nil {
		return nil, err
	}
	c.conv = conv
	a.chats[chatID] = c
	go c.run(a.ctx)
	return c, nil
}

func (a *Adapter) enqueue(c *chat, label string, fn func(ctx context.Context, conv *gateway.Conversation) error) error {
	err := a.gateway.Enqueue(c.conv.Key, label, fn, func(err error) { a.report(c.id, err) })
	if err != nil {
		slog.Error("failed to queue telegram command", "chat_id", c.id, "command", label, "error", err)
		a.sendText(c.id, "Sorry, I encountered an error processing your message.")
	}
	return err
}

// report tells the chat about a failed command. Failed turns already show
// the apology in the reply.
func (a *Adapter) report(chatID int64, err error) {
	if err == nil || engine.IsCancelled(err) {
		return
	}
	var inputErr *engine.InputError
	var turnErr *engine.TurnError
	switch {
	case errors.As(err, &inputErr):
		a.sendText(chatID, inputErr.Message)
	case errors.As(err, &turnErr):
	case errors.Is(err, engine.ErrTurnInFlight):
		a.sendText(chatID, "Please wait for the current reply to finish.")
	default:
		slog.Error("telegram command failed", "chat_id", chatID, "error", err)
		a.sendText(chatID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) sendText(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			slog.Warn("send message failed", "chat_id", chatID, "error", err)
		}
	}
}

func profileOf(u *tgbotapi.User) *types.Identity {
	if u == nil {
		return nil
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return &types.Identity{ID: strconv.FormatInt(u.ID, 10), Name: name}
}

// choiceLabel finds the button title for value on the keyboard it came from.
func choiceLabel(markup *tgbotapi.InlineKeyboardMarkup, value string) string {
	if markup == nil {
		return value
	}
	for _, row := range markup.InlineKeyboard {
		for _, b := range row {
			if b.CallbackData != nil && *b.CallbackData == value {
				return b.Text
			}
		}
	}
	return value
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		// Do not cut a multi-byte rune in half.
		for end < len(text) && end > 0 && !utf8RuneStart(text[end]) {
			end--
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func sessionKey(chatID int64) types.SessionKey {
	return types.NewSessionKey(sessionPrefix, strconv.FormatInt(chatID, 10))
}

func parseSessionKey(key string) (int64, error) {
	rest, ok := strings.CutPrefix(key, sessionPrefix+":")
	if !ok {
		return 0, fmt.Errorf("not a telegram session key: %s", key)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id %q: %w", rest, err)
	}
	return id, nil
}

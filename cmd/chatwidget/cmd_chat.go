package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/chatwidget/internal/config"
	"github.com/user/chatwidget/internal/engine"
	"github.com/user/chatwidget/internal/render"
	"github.com/user/chatwidget/internal/state"
	"github.com/user/chatwidget/internal/types"
	"github.com/user/chatwidget/pkg/chatapi"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().Int("width", 0, "wrap message bodies at this width")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the widget backend in the terminal",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

// terminalHost prints finished messages and remembers the latest choices so
// they can be picked by number.
type terminalHost struct {
	term *render.Terminal

	mu      sync.Mutex
	choices []types.Choice
	printed map[types.MessageID]bool
	newChat bool
}

func (h *terminalHost) OnMessage(u engine.MessageUpdate) {
	m := u.Message
	if m == nil || (m.Role == types.RoleUser && !m.Notice) {
		return
	}
	if !m.Complete && !m.Notice {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.printed[m.ID] {
		return
	}
	h.printed[m.ID] = true
	fmt.Println(h.term.Message(m))
	fmt.Println()
	if len(m.Choices) > 0 {
		h.choices = m.Choices
	}
}

func (h *terminalHost) OnProviderSwitch(provider string) {
	slog.Debug("provider switched", "provider", provider)
}

func (h *terminalHost) OnNewChat() {
	fmt.Println("Starting a new chat.")
	h.mu.Lock()
	h.newChat = true
	h.mu.Unlock()
}

func (h *terminalHost) takeNewChat() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	requested := h.newChat
	h.newChat = false
	return requested
}

// choice maps a typed number to the last offered choice.
func (h *terminalHost) choice(input string) (types.Choice, bool) {
	n, err := strconv.Atoi(input)
	if err != nil {
		return types.Choice{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n < 1 || n > len(h.choices) {
		return types.Choice{}, false
	}
	c := h.choices[n-1]
	h.choices = nil
	return c, true
}

func (h *terminalHost) reset() {
	h.mu.Lock()
	h.choices = nil
	h.printed = make(map[types.MessageID]bool)
	h.newChat = false
	h.mu.Unlock()
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if cfg.API.APIKey == "" {
		return errors.New("no API key configured (run 'chatwidget setup' or set CHATWIDGET_API_KEY)")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if cfg.Widget.WidgetID != "" {
		v, err := chatapi.NewValidator(apiConfig(cfg), chatapi.DefaultRetryPolicy()).Validate(ctx, cfg.API.APIKey, cfg.Widget.WidgetID)
		if err != nil {
			_, msg := chatapi.RejectionStatus(err)
			return fmt.Errorf("widget key rejected: %s", msg)
		}
		slog.Info("widget key validated", "tenant", v.Tenant.Name)
	}

	scanner := bufio.NewScanner(os.Stdin)
	kv := state.NewFileKV(terminalStatePath(cfg))
	if err := ensureVisitor(scanner, kv); err != nil {
		return err
	}

	width, _ := cmd.Flags().GetInt("width")
	host := &terminalHost{term: &render.Terminal{Width: width}, printed: make(map[types.MessageID]bool)}

	eng := engine.New(engine.Options{
		Config:        engineConfig(cfg),
		Transport:     chatapi.New(apiConfig(cfg)),
		Identity:      &state.StoredIdentity{KV: kv},
		Local:         kv,
		Host:          host,
		Transcripts:   transcriptStore(cfg),
		Conversations: conversationStore(cfg),
	})

	// Ctrl-C stops the reply in flight instead of quitting.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			if eng.Streaming() {
				eng.Cancel()
				continue
			}
			fmt.Println()
			os.Exit(0)
		}
	}()

	fmt.Println("Type a message, a choice number, /new to start over or /quit to leave.")
	fmt.Println()
	report(eng.Welcome(ctx))

	for {
		if host.takeNewChat() {
			restartChat(ctx, eng, kv, host)
		}
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "/quit" || input == "/exit":
			return nil
		case input == "/new":
			restartChat(ctx, eng, kv, host)
			continue
		case input == "/form":
			report(eng.SubmitLeadForm(ctx, false))
			continue
		case input == "/skip":
			report(eng.SubmitLeadForm(ctx, true))
			continue
		}

		if c, ok := host.choice(input); ok {
			report(eng.SelectChoice(ctx, c.Value, c.Title))
			continue
		}
		if eng.InputLocked() {
			fmt.Println("Pick one of the options above by number.")
			continue
		}
		report(eng.Submit(ctx, input))
	}
}

func restartChat(ctx context.Context, eng *engine.Engine, kv *state.FileKV, host *terminalHost) {
	eng.Reset()
	if err := state.ClearWidgetData(kv); err != nil {
		slog.Warn("failed to clear widget data", "error", err)
	}
	host.reset()
	report(eng.Welcome(ctx))
}

// ensureVisitor asks for a name and email the first time the terminal is
// used, like the widget's registration form.
func ensureVisitor(scanner *bufio.Scanner, kv *state.FileKV) error {
	user, err := state.LoadUser(kv)
	if err != nil {
		return fmt.Errorf("load visitor: %w", err)
	}
	if user != nil && user.Email != "" {
		return nil
	}
	fmt.Println("Before we start, tell us who you are.")
	name := prompt(scanner, "Name", "")
	email := prompt(scanner, "Email", "")
	if name == "" || email == "" {
		return errors.New("name and email are required")
	}
	return state.SaveUser(kv, &types.Identity{Name: name, Email: email})
}

func report(err error) {
	if err == nil || engine.IsCancelled(err) {
		return
	}
	var inputErr *engine.InputError
	var turnErr *engine.TurnError
	switch {
	case errors.As(err, &inputErr):
		fmt.Println(inputErr.Message)
	case errors.As(err, &turnErr):
		slog.Debug("turn failed", "error", err)
	case errors.Is(err, engine.ErrMissingIdentity):
		fmt.Println("No visitor identity is known. Delete the terminal state file and start again.")
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
}

var _ engine.Host = (*terminalHost)(nil)

func terminalStatePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "terminal.json")
}

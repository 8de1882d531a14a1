// Package gateway keeps one engine per conversation key for the headless
// surfaces (Telegram, webhooks and scheduled tasks) and serialises the
// commands sent to each of them.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/user/chatwidget/internal/engine"
	"github.com/user/chatwidget/internal/state"
	"github.com/user/chatwidget/internal/types"
	"github.com/user/chatwidget/pkg/chatapi"
)

// Options wires a Gateway.
type Options struct {
	Transport chatapi.Transport
	Engine    engine.Config
	// DataDir holds one local state file per conversation key.
	DataDir string
	// GuestDomain is the mail domain of the identity given to visitors who
	// never shared an email, e.g. guest_42@<GuestDomain>.
	GuestDomain   string
	Transcripts   types.TranscriptStore
	Conversations types.ConversationStore
	MaxConcurrent int64
}

// Gateway routes commands into per-conversation lanes.
type Gateway struct {
	opts  Options
	Queue *Queue

	mu    sync.Mutex
	convs map[types.SessionKey]*Conversation

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway. Up to MaxConcurrent conversations (default 2) run
// a turn at the same time.
func New(opts Options) *Gateway {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	g := &Gateway{
		opts:  opts,
		Queue: NewQueue(opts.MaxConcurrent),
		convs: make(map[types.SessionKey]*Conversation),
	}
	g.Queue.SetProcessor(g.process)
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels in-flight turns and waits for the lanes to drain.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.mu.Lock()
	for _, c := range g.convs {
		c.Engine.Cancel()
	}
	g.mu.Unlock()
	g.Queue.Stop()
}

func (g *Gateway) process(ctx context.Context, run *Run) error {
	c, err := g.Open(run.Key, nil)
	if err != nil {
		return err
	}
	if run.Exec == nil {
		return nil
	}
	return run.Exec(ctx, c)
}

// statePath maps a key such as "telegram:42" to its local state file.
func (g *Gateway) statePath(key types.SessionKey) string {
	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(string(key))
	return filepath.Join(g.opts.DataDir, "chats", name+".json")
}

// GuestEmail returns the placeholder email for a conversation key.
func (g *Gateway) GuestEmail(key types.SessionKey) string {
	domain := g.opts.GuestDomain
	if domain == "" {
		domain = "guest.local"
	}
	return fmt.Sprintf("guest_%s@%s", guestID(key), domain)
}

func guestID(key types.SessionKey) string {
	s := string(key)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// Open returns the conversation for key, creating its engine on first use.
// When nothing is cached for the visitor yet, profile (or a bare guest) is
// stored as the widget user; a profile without email gets the guest email.
func (g *Gateway) Open(key types.SessionKey, profile *types.Identity) (*Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.convs[key]; ok {
		return c, nil
	}

	kv := state.NewFileKV(g.statePath(key))
	user, err := state.LoadUser(kv)
	if err != nil {
		return nil, fmt.Errorf("load user for %s: %w", key, err)
	}
	if user == nil {
		user = &types.Identity{ID: guestID(key)}
		if profile != nil {
			p := *profile
			user = &p
		}
		if user.Email == "" {
			user.Email = g.GuestEmail(key)
		}
		if err := state.SaveUser(kv, user); err != nil {
			return nil, fmt.Errorf("save user for %s: %w", key, err)
		}
	}

	c := &Conversation{Key: key, KV: kv, gateway: g}
	cfg := g.opts.Engine
	if cfg.UserName == "" {
		cfg.UserName = user.Name
	}
	c.Engine = engine.New(engine.Options{
		Config:        cfg,
		Transport:     g.opts.Transport,
		Identity:      &state.StoredIdentity{KV: kv},
		Local:         kv,
		Host:          c,
		Transcripts:   g.opts.Transcripts,
		Conversations: g.opts.Conversations,
	})
	g.convs[key] = c
	slog.Debug("conversation opened", "key", string(key), "email", user.Email)
	return c, nil
}

// Attach opens the conversation for key and routes its updates to host.
func (g *Gateway) Attach(key types.SessionKey, profile *types.Identity, host engine.Host) (*Conversation, error) {
	c, err := g.Open(key, profile)
	if err != nil {
		return nil, err
	}
	c.setHost(host)
	return c, nil
}

// Keys returns the open conversation keys in order.
func (g *Gateway) Keys() []types.SessionKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]types.SessionKey, 0, len(g.convs))
	for k := range g.convs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Enqueue schedules fn on the conversation's lane. done, when set, receives
// the result.
func (g *Gateway) Enqueue(key types.SessionKey, label string, fn func(ctx context.Context, c *Conversation) error, done func(error)) error {
	run := NewRun(key, label, fn)
	run.OnDone = done
	return g.Queue.Enqueue(run)
}

// Ask runs prompt as a visitor turn and returns the assistant's reply. Any
// attached host sees the turn as well.
func (g *Gateway) Ask(ctx context.Context, key types.SessionKey, prompt string) (string, error) {
	result := make(chan error, 1)
	var reply string
	err := g.Enqueue(key, "ask", func(ctx context.Context, c *Conversation) error {
		before := c.messageCount()
		if err := c.Engine.Submit(ctx, prompt); err != nil {
			return err
		}
		reply = c.RepliesSince(before)
		return nil
	}, func(err error) { result <- err })
	if err != nil {
		return "", err
	}

	select {
	case err := <-result:
		return reply, err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-g.ctx.Done():
		return "", g.ctx.Err()
	}
}

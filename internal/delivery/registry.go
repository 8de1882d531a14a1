// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"strings"
	"sync"
)

// Handler runs prompt as a turn in the conversation named by sessionKey on
// the surface that owns it.
type Handler func(sessionKey, prompt string) error

// Registry routes task prompts to the surface owning the session key, chosen
// by the longest registered prefix (e.g. "telegram:"). Keys no surface
// claims go to the fallback, which runs them headless.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for session keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// SetFallback sets the handler for keys no prefix matches.
func (r *Registry) SetFallback(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

// Deliver hands prompt to the matching handler.
func (r *Registry) Deliver(sessionKey, prompt string) error {
	r.mu.RLock()
	var best string
	handler := r.fallback
	for prefix, h := range r.handlers {
		if strings.HasPrefix(sessionKey, prefix) && len(prefix) > len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for session key: %s", sessionKey)
	}
	return handler(sessionKey, prompt)
}

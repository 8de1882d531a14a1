// internal/state/identity.go
package state

import (
	"context"
	"strings"

	"github.com/user/chatwidget/internal/types"
)

// StoredIdentity resolves the visitor identity from an explicit value given by
// the host, falling back to the cached widget user.
type StoredIdentity struct {
	Explicit *types.Identity
	KV       types.KeyValueStore
}

// ResolveIdentity returns nil when no identity with an email is known.
func (s *StoredIdentity) ResolveIdentity(_ context.Context) (*types.Identity, error) {
	if s.Explicit != nil && strings.TrimSpace(s.Explicit.Email) != "" {
		id := *s.Explicit
		return &id, nil
	}
	if s.KV == nil {
		return nil, nil
	}
	user, err := LoadUser(s.KV)
	if err != nil {
		return nil, err
	}
	if user == nil || strings.TrimSpace(user.Email) == "" {
		return nil, nil
	}
	return user, nil
}

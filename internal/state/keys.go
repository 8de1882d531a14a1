// internal/state/keys.go
package state

import (
	"github.com/user/chatwidget/internal/types"
)

// Keys of the widget's local state.
const (
	KeyUser         = "widget_user"
	KeyLeadPrefill  = "valid_widget_user_data"
	KeyMessageCount = "valid_widget_message_count"
	KeyCMSContext   = "cms_context"
)

// LoadUser returns the cached visitor identity, or nil.
func LoadUser(kv types.KeyValueStore) (*types.Identity, error) {
	var id types.Identity
	ok, err := kv.Get(KeyUser, &id)
	if err != nil || !ok {
		return nil, err
	}
	return &id, nil
}

func SaveUser(kv types.KeyValueStore, id *types.Identity) error {
	return kv.Set(KeyUser, id)
}

// LoadLeadPrefill returns the cached lead-form values. A missing entry yields
// an empty prefill.
func LoadLeadPrefill(kv types.KeyValueStore) (*types.LeadPrefill, error) {
	var p types.LeadPrefill
	if _, err := kv.Get(KeyLeadPrefill, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateLeadPrefill applies fn to the cached prefill and stores the result.
func UpdateLeadPrefill(kv types.KeyValueStore, fn func(p *types.LeadPrefill)) error {
	p, err := LoadLeadPrefill(kv)
	if err != nil {
		return err
	}
	fn(p)
	return kv.Set(KeyLeadPrefill, p)
}

func MessageCount(kv types.KeyValueStore) (int, error) {
	var n int
	if _, err := kv.Get(KeyMessageCount, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// IncrementMessageCount bumps the per-widget counter and returns the new value.
func IncrementMessageCount(kv types.KeyValueStore) (int, error) {
	n, err := MessageCount(kv)
	if err != nil {
		return 0, err
	}
	n++
	if err := kv.Set(KeyMessageCount, n); err != nil {
		return 0, err
	}
	return n, nil
}

func LoadCMSContext(kv types.KeyValueStore) (*types.CMSContext, error) {
	var c types.CMSContext
	ok, err := kv.Get(KeyCMSContext, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func SaveCMSContext(kv types.KeyValueStore, c *types.CMSContext) error {
	return kv.Set(KeyCMSContext, c)
}

// ClearWidgetData forgets the identity-capture data. The visitor identity is
// kept.
func ClearWidgetData(kv types.KeyValueStore) error {
	for _, key := range []string{KeyLeadPrefill, KeyMessageCount} {
		if err := kv.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Package tenant holds the widget keys the dev server accepts.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/chatwidget/pkg/chatapi"
)

// UI is the widget look returned with a successful validation.
type UI struct {
	Theme        string `json:"theme,omitempty" yaml:"theme,omitempty"`
	PrimaryColor string `json:"primary_color,omitempty" yaml:"primary_color,omitempty"`
	Position     string `json:"position,omitempty" yaml:"position,omitempty"`
	Title        string `json:"title,omitempty" yaml:"title,omitempty"`
}

// Tenant owns one widget key.
type Tenant struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	Active         bool     `json:"active" yaml:"active"`
	Key            string   `json:"key" yaml:"key"`
	WidgetIDs      []string `json:"widget_ids,omitempty" yaml:"widget_ids,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	UI             UI       `json:"ui" yaml:"ui"`
}

type file struct {
	Tenants []Tenant `json:"tenants" yaml:"tenants"`
}

// Registry answers validation requests from a fixed tenant list.
type Registry struct {
	byKey map[string]Tenant
}

// New indexes tenants by key. Keys must be unique and non-empty.
func New(tenants []Tenant) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Tenant, len(tenants))}
	for _, t := range tenants {
		if t.Key == "" {
			return nil, fmt.Errorf("tenant %q has no key", t.ID)
		}
		if _, dup := r.byKey[t.Key]; dup {
			return nil, fmt.Errorf("duplicate key for tenant %q", t.ID)
		}
		r.byKey[t.Key] = t
	}
	return r, nil
}

// Load reads tenants from a JSON or YAML file, chosen by extension.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}

	var f file
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			if yerr := yaml.Unmarshal(data, &f); yerr != nil {
				return nil, fmt.Errorf("unsupported tenants file extension: %s", filepath.Ext(path))
			}
		}
	}
	return New(f.Tenants)
}

func (r *Registry) Len() int {
	return len(r.byKey)
}

// Validate answers like the backend validation endpoint. Rejections are
// *chatapi.StatusError values: 401 for an unknown key or widget, 403 for an
// inactive tenant.
func (r *Registry) Validate(_ context.Context, key, widgetID string) (*chatapi.Validation, error) {
	t, ok := r.byKey[key]
	if !ok {
		return nil, &chatapi.StatusError{StatusCode: http.StatusUnauthorized, Body: "Invalid API Key"}
	}
	if widgetID != "" && len(t.WidgetIDs) > 0 && !contains(t.WidgetIDs, widgetID) {
		return nil, &chatapi.StatusError{StatusCode: http.StatusUnauthorized, Body: "Invalid widget id"}
	}
	if !t.Active {
		return nil, &chatapi.StatusError{StatusCode: http.StatusForbidden, Body: "Tenant is inactive"}
	}

	origins := t.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &chatapi.Validation{
		Valid:  true,
		Tenant: chatapi.Tenant{ID: t.ID, Name: t.Name, Active: t.Active},
		Config: chatapi.WidgetConfig{
			AllowedOrigins: origins,
			Theme:          t.UI.Theme,
			PrimaryColor:   t.UI.PrimaryColor,
			Position:       t.UI.Position,
			Title:          t.UI.Title,
		},
	}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ chatapi.KeyValidator = (*Registry)(nil)

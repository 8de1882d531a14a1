package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Tenant identifies the organisation that owns a widget key.
type Tenant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// WidgetConfig is the UI bundle returned with a successful validation.
type WidgetConfig struct {
	AllowedOrigins []string `json:"allowedOrigins"`
	Theme          string   `json:"theme,omitempty"`
	PrimaryColor   string   `json:"primaryColor,omitempty"`
	Position       string   `json:"position,omitempty"`
	Title          string   `json:"title,omitempty"`
}

// Validation is the backend's answer for a key/widget pair.
type Validation struct {
	Valid  bool         `json:"valid"`
	Tenant Tenant       `json:"tenant"`
	Config WidgetConfig `json:"config"`
	Error  string       `json:"error,omitempty"`
}

// KeyValidator decides whether a widget key may be used.
type KeyValidator interface {
	Validate(ctx context.Context, key, widgetID string) (*Validation, error)
}

var _ KeyValidator = (*Validator)(nil)

// Validator checks widget keys before any chat turn is started.
type Validator struct {
	config     *Config
	httpClient *http.Client
	retry      *RetryPolicy
}

// NewValidator creates a validator against the same backend as the chat client.
func NewValidator(config *Config, retry *RetryPolicy) *Validator {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &Validator{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
	}
}

// Validate asks the backend whether key may serve widgetID. A rejected key
// comes back as a *StatusError.
func (v *Validator) Validate(ctx context.Context, key, widgetID string) (*Validation, error) {
	var result *Validation
	err := v.retry.Execute(ctx, func(ctx context.Context) error {
		res, err := v.validateOnce(ctx, key, widgetID)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("validating widget key: %w", err)
	}
	return result, nil
}

func (v *Validator) validateOnce(ctx context.Context, key, widgetID string) (*Validation, error) {
	q := url.Values{}
	q.Set("key", key)
	if widgetID != "" {
		q.Set("widgetId", widgetID)
	}
	endpoint := strings.TrimRight(v.config.BaseURL, "/") + "/api/widget/validate?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil {
			if apiErr.Detail != "" {
				msg = apiErr.Detail
			} else if apiErr.Error != "" {
				msg = apiErr.Error
			}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	var out Validation
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	// A 200 without an explicit flag is treated as valid.
	if !gjson.GetBytes(body, "valid").Exists() {
		out.Valid = true
	}
	if len(out.Config.AllowedOrigins) == 0 {
		out.Config.AllowedOrigins = []string{"*"}
	}
	return &out, nil
}

// OriginAllowed reports whether origin may embed the widget. A leading "*"
// allows everything; otherwise any allowed entry contained in origin matches.
func (c WidgetConfig) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 || c.AllowedOrigins[0] == "*" {
		return true
	}
	if origin == "" {
		return false
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed != "" && strings.Contains(origin, allowed) {
			return true
		}
	}
	return false
}

// RejectionStatus maps a validation failure to an HTTP status and a message
// for the page. Errors without a status mean the validation service could
// not be reached.
func RejectionStatus(err error) (int, string) {
	var se *StatusError
	if errors.As(err, &se) {
		msg := se.Body
		if msg == "" {
			msg = "Invalid API Key"
		}
		return se.StatusCode, msg
	}
	return http.StatusServiceUnavailable, "Validation service unavailable"
}

// Package bridge connects an embedding page to a chat engine over a
// websocket. The page initialises the widget with its key and visitor, then
// exchanges commands and transcript updates as JSON envelopes.
package bridge

import (
	"encoding/json"

	"github.com/user/chatwidget/internal/types"
	"github.com/user/chatwidget/pkg/chatapi"
)

// Envelope types sent by the page.
const (
	TypeInitWidget = "INIT_WIDGET"
	TypeSend       = "SEND"
	TypeChoice     = "CHOICE"
	TypeForm       = "FORM"
	TypeCancel     = "CANCEL"
)

// Envelope types sent by the server. TypeNewChat flows both ways.
const (
	TypeWidgetReady = "WIDGET_READY"
	TypeConfig      = "CONFIG"
	TypeMessage     = "MESSAGE"
	TypeProvider    = "PROVIDER"
	TypeNewChat     = "NEW_CHAT"
	TypeInputError  = "INPUT_ERROR"
	TypeError       = "ERROR"
)

// Envelope is one websocket frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newEnvelope(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = data
	return env, nil
}

// InitPayload is the context the embedding page hands to the widget.
type InitPayload struct {
	AppUniqueKey string `json:"app_unique_key"`
	AppID        string `json:"app_id"`
	UserName     string `json:"user_name,omitempty"`
	UserEmail    string `json:"user_email,omitempty"`
	TenantID     string `json:"tenantId,omitempty"`
	Company      string `json:"company,omitempty"`
}

type SendPayload struct {
	Text  string                 `json:"text"`
	Files []types.FileAttachment `json:"files,omitempty"`
}

type ChoicePayload struct {
	Value string `json:"value"`
	Title string `json:"title"`
}

type FormPayload struct {
	Skipped bool `json:"skipped"`
}

type ProviderPayload struct {
	Provider string `json:"provider"`
}

// ConfigPayload is sent once the widget key is accepted.
type ConfigPayload struct {
	Tenant chatapi.Tenant       `json:"tenant"`
	Config chatapi.WidgetConfig `json:"config"`
}

// ErrorPayload reports a rejected command. Status is set for key
// validation failures.
type ErrorPayload struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Status int    `json:"status,omitempty"`
}

// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Payload kinds understood by renderers.
const (
	PayloadActs         = "acts"
	PayloadDailyUpdates = "dailyUpdates"
)

type Choice struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

type FileAttachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Message is one bubble of a conversation. Assistant content grows while a
// turn streams; once Complete is set the content no longer changes.
type Message struct {
	ID             MessageID                  `json:"id"`
	Role           Role                       `json:"role"`
	Content        string                     `json:"content"`
	CreatedAt      time.Time                  `json:"created_at"`
	Files          []FileAttachment           `json:"files,omitempty"`
	Choices        []Choice                   `json:"choices,omitempty"`
	Payloads       map[string]json.RawMessage `json:"payloads,omitempty"`
	Provider       string                     `json:"provider,omitempty"`
	ViaLLM         bool                       `json:"via_llm,omitempty"`
	StatesSelector bool                       `json:"states_selector,omitempty"`
	Notice         bool                       `json:"notice,omitempty"`
	Complete       bool                       `json:"complete"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Files != nil {
		out.Files = append([]FileAttachment(nil), m.Files...)
	}
	if m.Choices != nil {
		out.Choices = append([]Choice(nil), m.Choices...)
	}
	if m.Payloads != nil {
		out.Payloads = make(map[string]json.RawMessage, len(m.Payloads))
		for k, v := range m.Payloads {
			out.Payloads[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// DecodePayload unmarshals the payload stored under kind into v. It reports
// false when the message carries no such payload.
func (m *Message) DecodePayload(kind string, v any) (bool, error) {
	raw, ok := m.Payloads[kind]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, err
	}
	return true, nil
}

// Conversation is the transcript of one chat plus the backend correlation ids.
type Conversation struct {
	ID        ConversationID `json:"id"`
	SessionID string         `json:"session_id"`
	ThreadID  string         `json:"thread_id"`
	Provider  string         `json:"provider"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Messages  []*Message     `json:"messages"`
}

// Last returns the most recent message or nil.
func (c *Conversation) Last() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// Find returns the message with the given id or nil.
func (c *Conversation) Find(id MessageID) *Message {
	for _, m := range c.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// Summary returns the index entry for the conversation.
func (c *Conversation) Summary() *ConversationSummary {
	return &ConversationSummary{
		ID:        c.ID,
		SessionID: c.SessionID,
		ThreadID:  c.ThreadID,
		Provider:  c.Provider,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

type ConversationSummary struct {
	ID        ConversationID `json:"id"`
	SessionID string         `json:"session_id"`
	ThreadID  string         `json:"thread_id"`
	Provider  string         `json:"provider"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TranscriptRecord is one persisted message of a finished turn.
type TranscriptRecord struct {
	Seq            int64          `json:"seq"`
	ConversationID ConversationID `json:"conversation_id"`
	TurnID         TurnID         `json:"turn_id"`
	Outcome        string         `json:"outcome"`
	At             time.Time      `json:"at"`
	Message        *Message       `json:"message"`
}

// Identity is the visitor the backend correlates turns with.
type Identity struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email"`
	Company   string `json:"company,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
	IsCMSUser bool   `json:"isCmsUser,omitempty"`
}

// LeadPrefill caches values used to prefill the lead form. It is never used
// as the backend identity.
type LeadPrefill struct {
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	CompanyName  string `json:"company_name,omitempty"`
	MobileNumber string `json:"mobile_number,omitempty"`
}

// CMSContext is the host CMS profile cached for an auto-login launch.
type CMSContext struct {
	UserID           string   `json:"userId"`
	Role             string   `json:"role"`
	Permissions      []string `json:"permissions"`
	Department       string   `json:"department"`
	Location         string   `json:"location"`
	RecentActivities []string `json:"recentActivities"`
}

type ActsData struct {
	Total   int `json:"total"`
	Filters struct {
		State        string `json:"state"`
		Industry     string `json:"industry"`
		EmployeeSize string `json:"employee_size"`
	} `json:"filters"`
	Acts []Act `json:"acts"`
}

type Act struct {
	ID              int    `json:"id"`
	LegislativeArea string `json:"legislative_area"`
	CentralActs     string `json:"central_acts"`
	StateActs       string `json:"state_acts"`
}

type DailyUpdate struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	ChangeType    string `json:"change_type"`
	State         string `json:"state"`
	EffectiveDate string `json:"effective_date"`
	UpdateDate    string `json:"update_date"`
	SourceLink    string `json:"source_link,omitempty"`
}

type DailyUpdateGroup struct {
	Category string        `json:"category"`
	Count    int           `json:"count"`
	Updates  []DailyUpdate `json:"updates"`
}

type DailyUpdatesData struct {
	Total             int                         `json:"total"`
	GroupedByCategory map[string]DailyUpdateGroup `json:"grouped_by_category"`
	Updates           []DailyUpdate               `json:"updates"`
}

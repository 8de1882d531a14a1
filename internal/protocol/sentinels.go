// Package protocol decodes the widget backend's streamed chat protocol.
//
// The stream is a sequence of newline-delimited lines. Data lines carry a
// JSON object after the data prefix; bare provider-switch lines carry a
// provider name between fixed sentinels. Response text may embed further
// sentinels: the message-split token, inline provider switches and the
// control markers that drive the widget's input modes.
package protocol

import "strings"

// Wire sentinels. These are part of the backend contract and must match it
// byte for byte.
const (
	DataPrefix  = "data:"
	SwitchStart = "__SWITCH_PROVIDER__"
	SwitchEnd   = "__END_SWITCH__"
	SplitToken  = "__SPLIT_MESSAGE__"
)

// Field names of a data line.
const (
	FieldResponse          = "response"
	FieldChoices           = "choices"
	FieldSessionID         = "session_id"
	FieldThreadID          = "thread_id"
	FieldError             = "error"
	FieldActs              = "acts"
	FieldDailyUpdates      = "dailyUpdates"
	FieldDailyUpdatesSnake = "daily_updates"
)

// Tokens the widget itself sends as message text.
const (
	NewChatKeyword     = "NEW_CHAT"
	WelcomeToken       = "RIC-USER-CACHE"
	FormSubmittedToken = "RIC_FORM_SUBMITED"
	FormSkippedToken   = "RIC_FORM_SKIPPED"
)

// Marker is a control token embedded in assistant text and removed from the
// visible content. Markers match byte for byte, except RIC_STATES which
// also matches in any case.
type Marker string

const (
	MarkerEmailValidation Marker = "RIC_EMAIL_VALIDATION"
	MarkerSupportTicket   Marker = "RIC_SUPPORT_TICKET"
	MarkerNewChat         Marker = "NEW_CHAT"
	MarkerStates          Marker = "RIC_STATES"
)

// Markers lists every recognised marker. Longer markers that contain a
// shorter one must come first.
var Markers = []Marker{
	MarkerEmailValidation,
	MarkerSupportTicket,
	MarkerStates,
	MarkerNewChat,
}

func (m Marker) foldCase() bool {
	return m == MarkerStates
}

// hasPrefix reports whether s starts with prefix under m's case rule.
func (m Marker) hasPrefix(s, prefix string) bool {
	if m.foldCase() {
		return hasPrefixFold(s, prefix)
	}
	return strings.HasPrefix(s, prefix)
}

// IsNewChatKeyword reports whether user input asks for a fresh conversation.
func IsNewChatKeyword(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), NewChatKeyword)
}

// SwitchLine renders a bare provider-switch line.
func SwitchLine(provider string) string {
	return SwitchStart + provider + SwitchEnd
}

// hasPrefixFold reports whether s starts with the ASCII string prefix,
// ignoring ASCII case.
func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if lowerASCII(s[i]) != lowerASCII(prefix[i]) {
			return false
		}
	}
	return true
}

func lowerASCII(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

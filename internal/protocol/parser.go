package protocol

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/user/chatwidget/internal/types"
)

const maxLoggedLine = 200

// Parser turns raw stream chunks into frames. It keeps the unterminated tail
// of the last chunk and any response text that might be the start of a
// sentinel, so lines and sentinels split across chunks are still decoded.
// A Parser serves a single stream and is not safe for concurrent use.
type Parser struct {
	partial string
	text    textScanner
}

// NewParser returns a parser for one stream.
func NewParser() *Parser {
	return &Parser{}
}

// Feed decodes every complete line in chunk and returns one frame per line
// that produced events.
func (p *Parser) Feed(chunk string) []Frame {
	data := p.partial + chunk
	p.partial = ""

	var frames []Frame
	for {
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if f, ok := p.parseLine(data[:i]); ok {
			frames = append(frames, f)
		}
		data = data[i+1:]
	}

	if data != "" {
		if lineComplete(data) {
			if f, ok := p.parseLine(data); ok {
				frames = append(frames, f)
			}
		} else {
			p.partial = data
		}
	}
	return frames
}

// Flush decodes whatever is left at the end of the stream, including text
// held back as a possible sentinel prefix.
func (p *Parser) Flush() []Frame {
	var frames []Frame
	if p.partial != "" {
		line := p.partial
		p.partial = ""
		if f, ok := p.parseLine(line); ok {
			frames = append(frames, f)
		}
	}
	if events := p.text.flush(); len(events) > 0 {
		frames = append(frames, Frame{Events: events})
	}
	return frames
}

// Release returns held text as plain content without touching a partial
// line. A cancelled stream uses it to keep what was already received.
func (p *Parser) Release() []Event {
	return p.text.flush()
}

// lineComplete reports whether an unterminated line can already be decoded.
// A data line whose payload is valid JSON cannot grow into a longer valid
// line, so there is no reason to wait for its newline.
func lineComplete(line string) bool {
	line = strings.TrimSpace(line)
	if payload, ok := strings.CutPrefix(line, DataPrefix); ok {
		payload = strings.TrimSpace(payload)
		return strings.HasPrefix(payload, "{") && gjson.Valid(payload)
	}
	return strings.HasPrefix(line, SwitchStart) && strings.HasSuffix(line, SwitchEnd)
}

func (p *Parser) parseLine(raw string) (Frame, bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return Frame{}, false
	}

	if strings.HasPrefix(line, SwitchStart) {
		provider, ok := switchProvider(line)
		if !ok {
			slog.Debug("skipping malformed provider switch", "line", truncate(line))
			return Frame{}, false
		}
		return Frame{Events: append(p.text.flush(), ProviderSwitch{Provider: provider})}, true
	}

	payload, ok := strings.CutPrefix(line, DataPrefix)
	if !ok {
		// Comments, event names and keep-alives carry nothing for the widget.
		return Frame{}, false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "[DONE]" {
		return Frame{}, false
	}
	if !gjson.Valid(payload) {
		slog.Debug("skipping malformed stream line", "line", truncate(line))
		return Frame{}, false
	}

	root := gjson.Parse(payload)
	if !root.IsObject() {
		slog.Debug("skipping non-object stream line", "line", truncate(line))
		return Frame{}, false
	}

	var events []Event
	resp := root.Get(FieldResponse)
	hasText := resp.Exists() && resp.Type != gjson.Null
	if hasText {
		events = append(events, p.text.scan(resp.String())...)
	}
	choices := root.Get(FieldChoices)
	// A held sentinel prefix can only continue in the next response text, so
	// it is released once a line carries something else.
	if !hasText || choices.IsArray() {
		events = append(events, p.text.flush()...)
	}
	if choices.IsArray() {
		events = append(events, ChoiceList{Choices: decodeChoices(choices)})
	}
	if acts := root.Get(FieldActs); acts.IsObject() || acts.IsArray() {
		events = append(events, StructuredPayload{Kind: types.PayloadActs, Data: json.RawMessage(acts.Raw)})
	}
	daily := root.Get(FieldDailyUpdates)
	if !daily.IsObject() && !daily.IsArray() {
		daily = root.Get(FieldDailyUpdatesSnake)
	}
	if daily.IsObject() || daily.IsArray() {
		events = append(events, StructuredPayload{Kind: types.PayloadDailyUpdates, Data: json.RawMessage(daily.Raw)})
	}

	sessionID := root.Get(FieldSessionID).String()
	threadID := root.Get(FieldThreadID).String()
	if sessionID != "" || threadID != "" {
		events = append(events, SessionIDUpdate{SessionID: sessionID, ThreadID: threadID})
	}

	if msg, ok := errorMessage(root.Get(FieldError)); ok {
		events = append(events, ErrorSignal{Message: msg})
	}

	if len(events) == 0 {
		return Frame{}, false
	}
	return Frame{Events: events}, true
}

func decodeChoices(arr gjson.Result) []types.Choice {
	choices := make([]types.Choice, 0, len(arr.Array()))
	arr.ForEach(func(_, c gjson.Result) bool {
		if !c.IsObject() {
			return true
		}
		choices = append(choices, types.Choice{
			Title: c.Get("title").String(),
			Value: c.Get("value").String(),
		})
		return true
	})
	return choices
}

// errorMessage reports a backend error unless the field is absent, null,
// false or empty.
func errorMessage(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.Null, gjson.False:
		return "", false
	case gjson.String:
		return v.String(), v.String() != ""
	case gjson.JSON:
		if m := v.Get("message"); m.Exists() {
			return m.String(), true
		}
		return v.Raw, true
	default:
		if !v.Exists() {
			return "", false
		}
		return v.String(), true
	}
}

func switchProvider(line string) (string, bool) {
	rest := strings.TrimPrefix(line, SwitchStart)
	end := strings.Index(rest, SwitchEnd)
	if end < 0 {
		return "", false
	}
	provider := strings.TrimSpace(rest[:end])
	return provider, provider != ""
}

func truncate(s string) string {
	if len(s) <= maxLoggedLine {
		return s
	}
	return s[:maxLoggedLine] + "..."
}

package protocol

import "strings"

// textScanner splits response text around embedded sentinels. Text that
// could be the beginning of a sentinel is held until the next call, so a
// marker split across two deltas is still recognised and never shown.
type textScanner struct {
	hold string
}

type textBuilder struct {
	events       []Event
	cur          strings.Builder
	splitPending bool
}

func (b *textBuilder) flushText() {
	switch {
	case b.splitPending:
		b.events = append(b.events, MessageSplit{Text: b.cur.String()})
		b.splitPending = false
	case b.cur.Len() > 0:
		b.events = append(b.events, ContentDelta{Text: b.cur.String()})
	}
	b.cur.Reset()
}

func (s *textScanner) scan(text string) []Event {
	in := s.hold + text
	s.hold = ""

	var b textBuilder
	for in != "" {
		idx := strings.IndexByte(in, '_')
		if c := indexMarkerStart(in); c >= 0 && (idx < 0 || c < idx) {
			idx = c
		}
		if idx < 0 {
			b.cur.WriteString(in)
			break
		}
		b.cur.WriteString(in[:idx])
		rest := in[idx:]

		n, ev, kind := matchSentinel(rest)
		switch kind {
		case matchFull:
			if _, split := ev.(MessageSplit); split {
				b.flushText()
				b.splitPending = true
			} else {
				b.flushText()
				b.events = append(b.events, ev)
			}
			in = rest[n:]
		case matchPartial:
			s.hold = rest
			in = ""
		default:
			b.cur.WriteByte(rest[0])
			in = rest[1:]
		}
	}
	b.flushText()
	return b.events
}

// flush releases held text as plain content.
func (s *textScanner) flush() []Event {
	if s.hold == "" {
		return nil
	}
	text := s.hold
	s.hold = ""
	return []Event{ContentDelta{Text: text}}
}

type matchKind int

const (
	matchNone matchKind = iota
	matchFull
	matchPartial
)

// matchSentinel checks whether s begins with a sentinel. matchPartial means
// s is a proper prefix of one and more text is needed to decide.
func matchSentinel(s string) (int, Event, matchKind) {
	partial := false

	if strings.HasPrefix(s, SplitToken) {
		return len(SplitToken), MessageSplit{}, matchFull
	}
	if strings.HasPrefix(SplitToken, s) {
		partial = true
	}

	if strings.HasPrefix(s, SwitchStart) {
		rest := s[len(SwitchStart):]
		end := strings.Index(rest, SwitchEnd)
		if end < 0 {
			return 0, nil, matchPartial
		}
		provider := strings.TrimSpace(rest[:end])
		n := len(SwitchStart) + end + len(SwitchEnd)
		if provider == "" {
			return n, nil, matchNone
		}
		return n, ProviderSwitch{Provider: provider}, matchFull
	}
	if strings.HasPrefix(SwitchStart, s) {
		partial = true
	}

	for _, m := range Markers {
		if m.hasPrefix(s, string(m)) {
			return len(m), ControlMarker{Marker: m}, matchFull
		}
		if len(s) < len(m) && m.hasPrefix(string(m), s) {
			partial = true
		}
	}

	if partial {
		return 0, nil, matchPartial
	}
	return 0, nil, matchNone
}

// indexMarkerStart returns the first byte that could begin a marker.
// Markers start with 'R' or 'N'; only RIC_STATES may also start with 'r'.
func indexMarkerStart(s string) int {
	return strings.IndexAny(s, "RNr")
}

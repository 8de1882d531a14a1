package protocol

import (
	"reflect"
	"strings"
	"testing"

	"github.com/user/chatwidget/internal/types"
)

func feedAll(p *Parser, chunks ...string) []Frame {
	var frames []Frame
	for _, c := range chunks {
		frames = append(frames, p.Feed(c)...)
	}
	return append(frames, p.Flush()...)
}

func events(frames []Frame) []Event {
	var out []Event
	for _, f := range frames {
		out = append(out, f.Events...)
	}
	return out
}

func contentOf(evs []Event) string {
	var b strings.Builder
	for _, ev := range evs {
		switch e := ev.(type) {
		case ContentDelta:
			b.WriteString(e.Text)
		case MessageSplit:
			b.WriteString("|")
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

func TestParserDataLine(t *testing.T) {
	p := NewParser()
	frames := p.Feed("data: {\"response\":\"Hello\",\"choices\":[{\"title\":\"Yes\",\"value\":\"Y\"}],\"session_id\":\"s1\"}\n")

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	want := []Event{
		ContentDelta{Text: "Hello"},
		ChoiceList{Choices: []types.Choice{{Title: "Yes", Value: "Y"}}},
		SessionIDUpdate{SessionID: "s1"},
	}
	if !reflect.DeepEqual(frames[0].Events, want) {
		t.Errorf("unexpected events:\n got %#v\nwant %#v", frames[0].Events, want)
	}
}

func TestParserOneFramePerLine(t *testing.T) {
	p := NewParser()
	frames := p.Feed("data: {\"response\":\"a\"}\n\ndata: {\"response\":\"b\"}\n: keep-alive\n")
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if contentOf(frames[0].Events) != "a" || contentOf(frames[1].Events) != "b" {
		t.Errorf("unexpected frame content %q %q", contentOf(frames[0].Events), contentOf(frames[1].Events))
	}
}

func TestParserLineSplitAcrossChunks(t *testing.T) {
	p := NewParser()
	if frames := p.Feed(`data: {"respon`); len(frames) != 0 {
		t.Fatalf("expected partial line to be buffered, got %d frames", len(frames))
	}
	frames := p.Feed("se\":\"joined\"}\n")
	if got := contentOf(events(frames)); got != "joined" {
		t.Errorf("expected joined, got %q", got)
	}
}

func TestParserUnterminatedCompleteLine(t *testing.T) {
	p := NewParser()
	frames := p.Feed(`data: {"response":"now"}`)
	if got := contentOf(events(frames)); got != "now" {
		t.Errorf("expected complete JSON to be decoded without newline, got %q", got)
	}
	if frames := p.Feed("\n"); len(frames) != 0 {
		t.Errorf("expected no frames from trailing newline, got %d", len(frames))
	}
}

func TestParserMalformedLineIsSkipped(t *testing.T) {
	p := NewParser()
	chunk := "data: {\"response\":\"good\",\"thread_id\":\"t1\"}\ndata: {\"response\":\"trunc\n"

	var frames []Frame
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("parser panicked: %v", r)
			}
		}()
		frames = p.Feed(chunk)
		frames = append(frames, p.Flush()...)
	}()

	want := []Event{ContentDelta{Text: "good"}, SessionIDUpdate{ThreadID: "t1"}}
	if !reflect.DeepEqual(events(frames), want) {
		t.Errorf("expected only the well-formed events:\n got %#v\nwant %#v", events(frames), want)
	}
}

func TestParserTruncatedTrailingLineAtEndOfStream(t *testing.T) {
	p := NewParser()
	frames := feedAll(p, "data: {\"response\":\"ok\"}\ndata: {\"resp")
	if got := contentOf(events(frames)); got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
}

func TestParserSplitToken(t *testing.T) {
	p := NewParser()
	frames := feedAll(p,
		`data: {"response":"A"}`+"\n",
		`data: {"response":"B`+SplitToken+`C"}`+"\n",
		`data: {"response":"D"}`+"\n",
	)
	want := []Event{
		ContentDelta{Text: "A"},
		ContentDelta{Text: "B"},
		MessageSplit{Text: "C"},
		ContentDelta{Text: "D"},
	}
	if !reflect.DeepEqual(events(frames), want) {
		t.Errorf("unexpected events:\n got %#v\nwant %#v", events(frames), want)
	}
}

func TestParserMultipleSplitsInOneDelta(t *testing.T) {
	p := NewParser()
	frames := feedAll(p, `data: {"response":"one`+SplitToken+`two`+SplitToken+`three"}`+"\n")
	if got := contentOf(events(frames)); got != "one|two|three" {
		t.Errorf("expected one|two|three, got %q", got)
	}
}

func TestParserLeadingSplit(t *testing.T) {
	p := NewParser()
	frames := feedAll(p, `data: {"response":"`+SplitToken+`fresh"}`+"\n")
	want := []Event{MessageSplit{Text: "fresh"}}
	if !reflect.DeepEqual(events(frames), want) {
		t.Errorf("unexpected events %#v", events(frames))
	}
}

func TestParserSplitTokenAcrossDeltas(t *testing.T) {
	p := NewParser()
	half := len(SplitToken) / 2
	frames := feedAll(p,
		`data: {"response":"left`+SplitToken[:half]+`"}`+"\n",
		`data: {"response":"`+SplitToken[half:]+`right"}`+"\n",
	)
	if got := contentOf(events(frames)); got != "left|right" {
		t.Errorf("expected left|right, got %q", got)
	}
}

func TestParserBareProviderSwitchLine(t *testing.T) {
	p := NewParser()
	frames := p.Feed(SwitchLine("openai") + "\n")
	want := []Event{ProviderSwitch{Provider: "openai"}}
	if !reflect.DeepEqual(events(frames), want) {
		t.Errorf("unexpected events %#v", events(frames))
	}
}

func TestParserInlineProviderSwitch(t *testing.T) {
	p := NewParser()
	frames := feedAll(p, `data: {"response":"Handing over`+SwitchLine("openai")+` now"}`+"\n")
	want := []Event{
		ContentDelta{Text: "Handing over"},
		ProviderSwitch{Provider: "openai"},
		ContentDelta{Text: " now"},
	}
	if !reflect.DeepEqual(events(frames), want) {
		t.Errorf("unexpected events:\n got %#v\nwant %#v", events(frames), want)
	}
}

func TestParserControlMarkers(t *testing.T) {
	p := NewParser()
	frames := feedAll(p, `data: {"response":"Please share your email RIC_EMAIL_VALIDATION"}`+"\n")
	want := []Event{
		ContentDelta{Text: "Please share your email "},
		ControlMarker{Marker: MarkerEmailValidation},
	}
	if !reflect.DeepEqual(events(frames), want) {
		t.Errorf("unexpected events:\n got %#v\nwant %#v", events(frames), want)
	}
}

func TestParserLowercaseMarkersStayText(t *testing.T) {
	const msg = "You can type new_chat to start over, or ric_support_ticket for help."
	p := NewParser()
	evs := events(feedAll(p, `data: {"response":"`+msg+`"}`+"\n"))
	for _, ev := range evs {
		if m, ok := ev.(ControlMarker); ok {
			t.Errorf("unexpected marker %q", m.Marker)
		}
	}
	if got := contentOf(evs); got != msg {
		t.Errorf("expected text unchanged, got %q", got)
	}
}

func TestParserStatesMarkerIgnoresCase(t *testing.T) {
	for _, tok := range []string{"RIC_STATES", "ric_states", "Ric_States"} {
		p := NewParser()
		evs := events(feedAll(p, `data: {"response":"Pick your state `+tok+`"}`+"\n"))
		want := []Event{
			ContentDelta{Text: "Pick your state "},
			ControlMarker{Marker: MarkerStates},
		}
		if !reflect.DeepEqual(evs, want) {
			t.Errorf("%s: unexpected events:\n got %#v\nwant %#v", tok, evs, want)
		}
	}
}

func TestParserMarkerSplitAcrossDeltas(t *testing.T) {
	p := NewParser()
	frames := feedAll(p,
		`data: {"response":"Raising a ticket RIC_SUP"}`+"\n",
		`data: {"response":"PORT_TICKET done"}`+"\n",
	)
	evs := events(frames)
	found := false
	for _, ev := range evs {
		if m, ok := ev.(ControlMarker); ok && m.Marker == MarkerSupportTicket {
			found = true
		}
	}
	if !found {
		t.Errorf("expected support ticket marker, got %#v", evs)
	}
	if got := contentOf(evs); got != "Raising a ticket  done" {
		t.Errorf("expected marker removed from content, got %q", got)
	}
}

func TestParserHeldPrefixReleasedOnFlush(t *testing.T) {
	p := NewParser()
	frames := p.Feed(`data: {"response":"Ask RIC"}` + "\n")
	if got := contentOf(events(frames)); got != "Ask " {
		t.Errorf("expected possible marker prefix to be held, got %q", got)
	}
	rest := p.Flush()
	if got := contentOf(events(rest)); got != "RIC" {
		t.Errorf("expected held text on flush, got %q", got)
	}
}

func TestParserTrailingTextNotHeldWithoutMarkerPrefix(t *testing.T) {
	p := NewParser()
	frames := p.Feed(`data: {"response":"Pick an option"}` + "\n")
	if got := contentOf(events(frames)); got != "Pick an option" {
		t.Errorf("expected all text released, got %q", got)
	}
}

func TestParserHeldTextReleasedBeforeChoices(t *testing.T) {
	p := NewParser()
	frames := p.Feed(`data: {"response":"Pick a number"}` + "\n" +
		`data: {"choices":[{"title":"A","value":"a"}]}` + "\n")
	want := []Event{
		ContentDelta{Text: "Pick a numbe"},
		ContentDelta{Text: "r"},
		ChoiceList{Choices: []types.Choice{{Title: "A", Value: "a"}}},
	}
	if !reflect.DeepEqual(events(frames), want) {
		t.Errorf("unexpected events:\n got %#v\nwant %#v", events(frames), want)
	}
	if rest := p.Flush(); len(rest) != 0 {
		t.Errorf("expected nothing left to flush, got %#v", rest)
	}
}

func TestParserHeldTextReleasedWithChoicesOnSameLine(t *testing.T) {
	p := NewParser()
	frames := p.Feed(`data: {"response":"Ask RIC","choices":[{"title":"A","value":"a"}]}` + "\n")
	evs := events(frames)
	if got := contentOf(evs); got != "Ask RIC" {
		t.Errorf("expected held text before the choices, got %q", got)
	}
	if _, ok := evs[len(evs)-1].(ChoiceList); !ok {
		t.Errorf("expected choices last, got %#v", evs)
	}
}

func TestParserHeldTextReleasedBeforeProviderSwitch(t *testing.T) {
	p := NewParser()
	frames := p.Feed(`data: {"response":"Transferring to N"}` + "\n" + SwitchLine("human") + "\n")
	want := []Event{
		ContentDelta{Text: "Transferring to "},
		ContentDelta{Text: "N"},
		ProviderSwitch{Provider: "human"},
	}
	if !reflect.DeepEqual(events(frames), want) {
		t.Errorf("unexpected events:\n got %#v\nwant %#v", events(frames), want)
	}
}

func TestParserPayloads(t *testing.T) {
	p := NewParser()
	frames := feedAll(p,
		`data: {"acts":{"total":1,"acts":[]}}`+"\n",
		`data: {"daily_updates":{"total":0}}`+"\n",
		`data: {"dailyUpdates":null,"acts":null}`+"\n",
	)
	evs := events(frames)
	if len(evs) != 2 {
		t.Fatalf("expected 2 payload events, got %#v", evs)
	}
	if sp := evs[0].(StructuredPayload); sp.Kind != types.PayloadActs || string(sp.Data) != `{"total":1,"acts":[]}` {
		t.Errorf("unexpected acts payload %#v", sp)
	}
	if sp := evs[1].(StructuredPayload); sp.Kind != types.PayloadDailyUpdates {
		t.Errorf("expected snake_case alias to map to %s, got %s", types.PayloadDailyUpdates, sp.Kind)
	}
}

func TestParserErrorSignal(t *testing.T) {
	cases := []struct {
		line string
		want []Event
	}{
		{`data: {"error":"backend exploded"}`, []Event{ErrorSignal{Message: "backend exploded"}}},
		{`data: {"error":{"message":"nested"}}`, []Event{ErrorSignal{Message: "nested"}}},
		{`data: {"response":"ok","error":null}`, []Event{ContentDelta{Text: "ok"}}},
		{`data: {"error":""}`, nil},
	}
	for _, c := range cases {
		p := NewParser()
		got := events(feedAll(p, c.line+"\n"))
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("%s: got %#v, want %#v", c.line, got, c.want)
		}
	}
}

func TestParserChoiceListReplacesNotMerges(t *testing.T) {
	p := NewParser()
	frames := feedAll(p,
		`data: {"choices":[{"title":"x","value":"x"}]}`+"\n",
		`data: {"choices":[{"title":"y","value":"y"},{"title":"z","value":"z"}]}`+"\n",
	)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	last := frames[1].Events[0].(ChoiceList)
	if len(last.Choices) != 2 || last.Choices[0].Value != "y" {
		t.Errorf("unexpected choices %#v", last.Choices)
	}
}

func TestIsNewChatKeyword(t *testing.T) {
	for _, s := range []string{"NEW_CHAT", "new_chat", "  New_Chat  "} {
		if !IsNewChatKeyword(s) {
			t.Errorf("expected %q to be the new chat keyword", s)
		}
	}
	for _, s := range []string{"new chat", "NEW_CHAT please", ""} {
		if IsNewChatKeyword(s) {
			t.Errorf("did not expect %q to be the new chat keyword", s)
		}
	}
}

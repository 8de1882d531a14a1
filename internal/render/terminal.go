package render

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/user/chatwidget/internal/types"
)

var (
	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	choiceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// Terminal renders messages for a line-oriented terminal.
type Terminal struct {
	// Width wraps message bodies when positive.
	Width int
}

// Message renders the speaker label, the body and any choices and payloads.
func (t *Terminal) Message(m *types.Message) string {
	if m.Notice {
		return noticeStyle.Render(m.Content)
	}

	var b strings.Builder
	if m.Role == types.RoleUser {
		b.WriteString(userStyle.Render("You"))
	} else {
		label := "Assistant"
		if m.ViaLLM {
			label = "AI Assistant"
		}
		b.WriteString(assistantStyle.Render(label))
	}
	b.WriteString("\n")

	body := Markdown(m.Content)
	if t.Width > 0 {
		body = lipgloss.NewStyle().Width(t.Width).Render(body)
	}
	b.WriteString(body)

	for _, f := range m.Files {
		fmt.Fprintf(&b, "\n%s", mutedStyle.Render(fmt.Sprintf("[attachment] %s (%s, %d bytes)", f.Name, f.Type, f.Size)))
	}

	if len(m.Choices) > 0 {
		b.WriteString("\n")
		b.WriteString(t.Choices(m.Choices))
	}
	if m.StatesSelector {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("Type the state to filter by."))
	}

	var acts types.ActsData
	if ok, err := m.DecodePayload(types.PayloadActs, &acts); err != nil {
		slog.Debug("undecodable acts payload", "message", m.ID, "error", err)
	} else if ok {
		b.WriteString("\n")
		b.WriteString(t.Acts(&acts))
	}

	var updates types.DailyUpdatesData
	if ok, err := m.DecodePayload(types.PayloadDailyUpdates, &updates); err != nil {
		slog.Debug("undecodable daily updates payload", "message", m.ID, "error", err)
	} else if ok {
		b.WriteString("\n")
		b.WriteString(t.DailyUpdates(&updates))
	}
	return b.String()
}

// Choices renders a numbered list. Numbers start at 1.
func (t *Terminal) Choices(choices []types.Choice) string {
	lines := make([]string, len(choices))
	for i, c := range choices {
		label := c.Title
		if label == "" {
			label = c.Value
		}
		lines[i] = choiceStyle.Render(fmt.Sprintf("  %d) %s", i+1, label))
	}
	return strings.Join(lines, "\n")
}

func (t *Terminal) Acts(data *types.ActsData) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Applicable acts (%d)", data.Total)))

	var filters []string
	if data.Filters.State != "" {
		filters = append(filters, "state: "+data.Filters.State)
	}
	if data.Filters.Industry != "" {
		filters = append(filters, "industry: "+data.Filters.Industry)
	}
	if data.Filters.EmployeeSize != "" {
		filters = append(filters, "employees: "+data.Filters.EmployeeSize)
	}
	if len(filters) > 0 {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render(strings.Join(filters, " | ")))
	}

	for _, a := range data.Acts {
		var card strings.Builder
		card.WriteString(a.LegislativeArea)
		if a.CentralActs != "" {
			card.WriteString("\nCentral: " + a.CentralActs)
		}
		if a.StateActs != "" {
			card.WriteString("\nState: " + a.StateActs)
		}
		b.WriteString("\n")
		b.WriteString(cardStyle.Render(card.String()))
	}
	return b.String()
}

// DailyUpdates renders updates grouped by category in name order. When the
// backend sent no grouping the flat list is grouped locally.
func (t *Terminal) DailyUpdates(data *types.DailyUpdatesData) string {
	groups := data.GroupedByCategory
	if len(groups) == 0 {
		groups = make(map[string]types.DailyUpdateGroup)
		for _, u := range data.Updates {
			g := groups[u.Category]
			g.Category = u.Category
			g.Updates = append(g.Updates, u)
			g.Count = len(g.Updates)
			groups[u.Category] = g
		}
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Daily updates (%d)", data.Total)))
	for _, name := range names {
		g := groups[name]
		label := name
		if label == "" {
			label = "Other"
		}
		fmt.Fprintf(&b, "\n%s", assistantStyle.Render(fmt.Sprintf("%s (%d)", label, g.Count)))
		for _, u := range g.Updates {
			fmt.Fprintf(&b, "\n  • %s", u.Title)
			var meta []string
			if u.State != "" {
				meta = append(meta, u.State)
			}
			if u.ChangeType != "" {
				meta = append(meta, u.ChangeType)
			}
			if u.EffectiveDate != "" {
				meta = append(meta, "effective "+u.EffectiveDate)
			}
			if len(meta) > 0 {
				fmt.Fprintf(&b, "\n    %s", mutedStyle.Render(strings.Join(meta, " · ")))
			}
			if u.SourceLink != "" {
				fmt.Fprintf(&b, "\n    %s", mutedStyle.Render(u.SourceLink))
			}
		}
	}
	return b.String()
}

// Conversation renders every message separated by blank lines.
func (t *Terminal) Conversation(conv *types.Conversation) string {
	if conv == nil {
		return ""
	}
	parts := make([]string, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		parts = append(parts, t.Message(m))
	}
	return strings.Join(parts, "\n\n")
}

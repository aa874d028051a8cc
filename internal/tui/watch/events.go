package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/parley/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Frame.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Frame.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TurnSucceeded:
		typeStyle = theme.Good
	case events.TurnFailed, events.ItemRejected:
		typeStyle = theme.Bad
	case events.DrainStarted:
		typeStyle = theme.Busy
	case events.ItemEnqueued:
		typeStyle = theme.Accent
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-16s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	var d eventData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return truncate(string(e.Data), 60)
	}

	var parts []string
	if id := d.ItemID; id != "" {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", id))
	}
	if d.Identity != "" {
		parts = append(parts, d.Identity)
	}
	switch {
	case d.Position > 0:
		parts = append(parts, fmt.Sprintf("pos=%d", d.Position))
	case d.Chunks > 0:
		parts = append(parts, fmt.Sprintf("chunks=%d", d.Chunks))
	}
	if d.Error != "" {
		parts = append(parts, truncate(d.Error, 40))
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

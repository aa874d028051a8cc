package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/parley/internal/events"
	"github.com/mattjoyce/parley/internal/queue"
)

// IdentityState tracks one identity from /queues polling and the event stream.
// Identities are already masked by the server.
type IdentityState struct {
	Identity     string
	Pending      int
	Busy         bool
	Turns        int
	Failures     int
	LastStatus   string
	LastDuration time.Duration
	LastActive   time.Time
}

type eventData struct {
	Identity   string `json:"identity"`
	ItemID     string `json:"item_id"`
	Position   int    `json:"position"`
	Status     string `json:"status"`
	Error      string `json:"error"`
	Chunks     int    `json:"chunks"`
	DurationMS int64  `json:"duration_ms"`
}

func getOrCreate(states map[string]*IdentityState, identity string) *IdentityState {
	s, ok := states[identity]
	if !ok {
		s = &IdentityState{Identity: identity}
		states[identity] = s
	}
	return s
}

// applySnapshot replaces pending and busy with the server's view. Identities
// missing from the snapshot were reclaimed and are shown idle.
func applySnapshot(states map[string]*IdentityState, snap []queue.EntryStatus) {
	live := make(map[string]bool, len(snap))
	for _, e := range snap {
		s := getOrCreate(states, string(e.Identity))
		s.Pending = e.Pending
		s.Busy = e.Busy
		live[s.Identity] = true
	}
	for id, s := range states {
		if !live[id] {
			s.Pending = 0
			s.Busy = false
		}
	}
}

// applyEvent folds one dispatcher event into states.
func applyEvent(states map[string]*IdentityState, e events.Event) {
	var d eventData
	if err := json.Unmarshal(e.Data, &d); err != nil || d.Identity == "" {
		return
	}
	s := getOrCreate(states, d.Identity)
	s.LastActive = e.At

	switch e.Type {
	case events.ItemEnqueued:
		s.Pending = max(s.Pending, d.Position)
	case events.DrainStarted:
		s.Busy = true
	case events.DrainFinished:
		s.Busy = false
		s.Pending = 0
	case events.TurnSucceeded, events.TurnFailed:
		s.Turns++
		s.Pending = max(0, s.Pending-1)
		s.LastDuration = time.Duration(d.DurationMS) * time.Millisecond
		s.LastStatus = "succeeded"
		if e.Type == events.TurnFailed {
			s.Failures++
			s.LastStatus = d.Status
		}
	}
}

func newQueueTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(queueColumns(80)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	t.SetStyles(theme.Table)
	return t
}

func queueColumns(width int) []table.Column {
	idWidth := max(16, width-60)
	return []table.Column{
		{Title: "Identity", Width: idWidth},
		{Title: "State", Width: 8},
		{Title: "Pending", Width: 8},
		{Title: "Turns", Width: 8},
		{Title: "Failed", Width: 8},
		{Title: "Last", Width: 16},
	}
}

// queueRows renders states sorted by identity.
func queueRows(states map[string]*IdentityState) []table.Row {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		s := states[id]
		st := "idle"
		if s.Busy {
			st = "busy"
		}
		last := "-"
		if s.LastStatus != "" {
			last = fmt.Sprintf("%s %s", s.LastStatus, s.LastDuration.Round(time.Millisecond))
		}
		rows = append(rows, table.Row{
			s.Identity,
			st,
			fmt.Sprint(s.Pending),
			fmt.Sprint(s.Turns),
			fmt.Sprint(s.Failures),
			last,
		})
	}
	return rows
}

func renderQueues(t table.Model, theme Theme, width int) string {
	innerWidth := width - 4
	var body string
	if len(t.Rows()) == 0 {
		body = theme.Dim.Render("  No active identities")
	} else {
		body = t.View()
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("QUEUES"),
		body,
	)
	return theme.Frame.Width(innerWidth).Render(content)
}

package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/parley/internal/api"
)

// HealthState is the last /healthz answer plus connection bookkeeping.
type HealthState struct {
	api.HealthzResponse
	Connected bool
	LastCheck time.Time
}

// staleAfter is how long a health answer stays current.
const staleAfter = 3 * pollInterval

// label classifies the service from the watcher's point of view.
func (h HealthState) label(now time.Time, theme Theme) string {
	switch {
	case !h.Connected || h.LastCheck.IsZero():
		return theme.Bad.Render("CONNECTING")
	case now.Sub(h.LastCheck) > staleAfter:
		return theme.Idle.Render("STALE")
	case h.Status != "ok":
		return theme.Bad.Render("DEGRADED")
	default:
		return theme.Good.Render("HEALTHY")
	}
}

func renderHeader(health HealthState, activity *Activity, spin string, theme Theme, width int) string {
	now := time.Now()
	inner := width - 4

	title := theme.Title.Render("PARLEY WATCH") + " " + spin
	clock := theme.Dim.Render(now.Format("15:04:05"))
	gap := max(1, inner-lipgloss.Width(title)-lipgloss.Width(clock)-2)
	top := title + strings.Repeat(" ", gap) + clock

	cells := []string{
		health.label(now, theme),
		"up " + formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		fmt.Sprintf("identities %d", health.Identities),
		fmt.Sprintf("pending %d", health.Pending),
		fmt.Sprintf("draining %d", health.ActiveDrains),
	}
	if health.EventsDropped > 0 {
		cells = append(cells, theme.Busy.Render(fmt.Sprintf("dropped %d", health.EventsDropped)))
	}
	stats := " " + strings.Join(cells, theme.Dim.Render(" │ "))

	seen := "never"
	if last := activity.LastEvent(); !last.IsZero() {
		seen = now.Sub(last).Round(time.Second).String() + " ago"
	}
	pulse := fmt.Sprintf(" %s %s  %d events/%ds, last %s",
		theme.Dim.Render("activity"),
		theme.Accent.Render(activity.Sparkline(now)),
		activity.Total(now), activityWindow, seen)

	return theme.Frame.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left, top, stats, pulse))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%02dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

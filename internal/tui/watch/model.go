package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/parley/internal/api"
	"github.com/mattjoyce/parley/internal/events"
)

const (
	eventLogSize = 50
	pollInterval = 2 * time.Second
)

// Model is the BubbleTea model for parley queue watch.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health     HealthState
	identities map[string]*IdentityState
	eventLog   []events.Event
	queues     table.Model

	spin     spinner.Model
	activity *Activity
	theme    Theme

	hubEvents chan events.Event
	lastID    int64 // highest event ID seen, for SSE resume

	lastError string
}

// New creates a new watch TUI model for the admin API at apiURL.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		apiURL:     apiURL,
		apiKey:     apiKey,
		identities: make(map[string]*IdentityState),
		eventLog:   make([]events.Event, 0),
		queues:     newQueueTable(theme),
		hubEvents:  make(chan events.Event, 100),
		spin:       spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(theme.Accent)),
		activity:   &Activity{},
		theme:      theme,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		func() tea.Msg { return fetchQueues(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		m.spin.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.queues.SetColumns(queueColumns(m.width - 6))
		m.queues.SetWidth(m.width - 6)
		m.queues.SetHeight(max(4, m.height/3))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tickMsg:
		// Redraw so the clock and sparkline advance without events.
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > 0 && e.ID <= m.lastID {
			// Replayed after a reconnect.
			return m, receiveNextEvent(m.hubEvents)
		}
		m.lastID = max(m.lastID, e.ID)

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.activity.Record(time.Now())
		applyEvent(m.identities, e)
		m.queues.SetRows(queueRows(m.identities))

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.HealthzResponse = api.HealthzResponse(msg)
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case queuesMsg:
		applySnapshot(m.identities, msg.Queues)
		m.queues.SetRows(queueRows(m.identities))

		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg {
			return fetchQueues(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the shared channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case queuesErrMsg:
		m.lastError = msg.err.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchQueues(m.apiURL, m.apiKey)
		})

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	var cmd tea.Cmd
	m.queues, cmd = m.queues.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing parley watch..."
	}

	header := renderHeader(m.health, m.activity, m.spin.View(), m.theme, m.width)
	queues := renderQueues(m.queues, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, queues, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.Bad.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

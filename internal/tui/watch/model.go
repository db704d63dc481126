package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/crucible/internal/events"
	"github.com/mattjoyce/crucible/internal/session"
)

// HealthState tracks controller health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Sessions      int
	Instances     int
	Connected     bool
	LastCheck     time.Time
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health    HealthState
	sessions  []session.Info
	eventLog  []events.Event
	lastEvent time.Time

	spinner spinner.Model

	theme           Theme
	selectedSession int

	hubEvents chan events.Event

	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD"))

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		spinner:   sp,
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchSessions(m.apiURL, m.apiKey) },
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, func() tea.Msg { return fetchSessions(m.apiURL, m.apiKey) }
		case "up", "k":
			if m.selectedSession > 0 {
				m.selectedSession--
			}
		case "down", "j":
			if m.selectedSession < len(m.sessions)-1 {
				m.selectedSession++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		m.lastEvent = time.Now()

		m.health.Connected = true
		m.lastError = ""

		// Lifecycle events change the session table; refresh it.
		return m, tea.Batch(
			receiveNextEvent(m.hubEvents),
			func() tea.Msg { return fetchSessions(m.apiURL, m.apiKey) },
		)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Sessions = msg.Sessions
		m.health.Instances = msg.Instances
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case sessionsMsg:
		m.sessions = msg
		if m.selectedSession >= len(m.sessions) {
			m.selectedSession = 0
		}

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to crucible..."
	}

	header := m.renderHeader()
	sessions := renderSessions(m.sessions, m.selectedSession, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Select Session")

	parts := []string{header, sessions, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	innerWidth := m.width - 4

	statusText := m.theme.StatusRunning.Render("HEALTHY")
	if !m.health.Connected {
		statusText = m.theme.StatusFailed.Render("CONNECTING")
	} else if m.health.Status != "ok" && m.health.Status != "" {
		statusText = m.theme.StatusFailed.Render("DEGRADED")
	}

	lastEventStr := "never"
	if !m.lastEvent.IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(m.lastEvent).Round(time.Second))
	}

	clock := m.theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" CRUCIBLE WATCH %s", m.spinner.View())

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  ⏱ %s  Sessions: %d  Instances: %d",
		statusText,
		formatDuration(time.Duration(m.health.UptimeSeconds)*time.Second),
		m.health.Sessions,
		m.health.Instances,
	)
	activityLine := fmt.Sprintf(" Last event: %s", lastEventStr)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return m.theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

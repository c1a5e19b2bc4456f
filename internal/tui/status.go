// Package tui implements a small bubbletea dashboard that polls the
// engine's /v1/health endpoint and renders queue/worker status.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// pollInterval between health fetches.
const pollInterval = 2 * time.Second

// tickMsg drives the periodic health refresh.
type tickMsg time.Time

// healthMsg carries a fetched health snapshot. nil Data means the engine is
// unreachable.
type healthMsg struct {
	data *HealthData
	err  error
}

// HealthData mirrors the /v1/health response shape (spec §6).
type HealthData struct {
	Version                 string  `json:"version"`
	UptimeSeconds           float64 `json:"uptime_seconds"`
	QueueLength             int64   `json:"queue_length"`
	RunningLength           int64   `json:"running_length"`
	RunningOldestAgeSeconds float64 `json:"running_oldest_age_seconds"`
	TaskTimeoutSeconds      int     `json:"task_timeout_seconds"`
	WorkerState             string  `json:"worker_state"`
	MemoryRSSBytes          uint64  `json:"memory_rss_bytes"`
}

type healthEnvelope struct {
	OK    bool       `json:"ok"`
	Data  HealthData `json:"data"`
	Error string     `json:"error"`
}

// Model is the bubbletea model for the status dashboard.
type Model struct {
	healthURL string
	client    *http.Client

	data    *HealthData
	healthy bool
	err     error

	spinner spinner.Model
	styles  styleSet
}

type styleSet struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	OK      lipgloss.Style
	Error   lipgloss.Style
}

func newStyles() styleSet {
	return styleSet{
		Title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		Label: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		OK:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Error: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
}

// NewModel builds a dashboard model polling healthURL (e.g.
// "http://127.0.0.1:8090/v1/health").
func NewModel(healthURL string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	return Model{
		healthURL: healthURL,
		client:    &http.Client{Timeout: 3 * time.Second},
		spinner:   s,
		styles:    newStyles(),
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetchHealthCmd() tea.Cmd {
	return func() tea.Msg {
		data, err := fetchHealth(m.client, m.healthURL)
		return healthMsg{data: data, err: err}
	}
}

func fetchHealth(client *http.Client, url string) (*HealthData, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env healthEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, fmt.Errorf("health: %s", env.Error)
	}
	return &env.Data, nil
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchHealthCmd(), tickCmd(), m.spinner.Tick)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" || msg.String() == "esc" {
			return m, tea.Quit
		}

	case healthMsg:
		if msg.err != nil {
			m.healthy = false
			m.err = msg.err
		} else {
			m.healthy = true
			m.data = msg.data
			m.err = nil
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchHealthCmd(), tickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	title := m.styles.Title.Render("palletd status")

	if !m.healthy || m.data == nil {
		var status string
		if m.err != nil {
			status = m.styles.Error.Render(fmt.Sprintf("engine unreachable (%v)", m.err))
		} else {
			status = m.spinner.View() + " connecting..."
		}
		return lipgloss.JoinVertical(lipgloss.Left, title, status, "", "press q to quit")
	}

	d := m.data
	lines := []string{
		title,
		"",
		m.styles.Label.Render("version: ") + d.Version,
		m.styles.Label.Render("uptime: ") + fmt.Sprintf("%.0fs", d.UptimeSeconds),
		m.styles.Label.Render("queue length: ") + fmt.Sprintf("%d", d.QueueLength),
		m.styles.Label.Render("running: ") + fmt.Sprintf("%d", d.RunningLength),
		m.styles.Label.Render("oldest running: ") + fmt.Sprintf("%.0fs", d.RunningOldestAgeSeconds),
		m.styles.Label.Render("worker state: ") + m.styles.OK.Render(d.WorkerState),
		m.styles.Label.Render("rss: ") + fmt.Sprintf("%d bytes", d.MemoryRSSBytes),
		"",
		"press q to quit",
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

package remotehaptics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/remotehaptics/remotehaptics/api"
)

const (
	monitorTickInterval = 50 * time.Millisecond
	monitorBarWidth     = 40
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	closedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
)

type connStateMsg struct {
	state api.ConnState
}

type actuationMsg struct {
	device string
	cmd    api.Command
}

type monitorTickMsg time.Time

// deviceBar is the displayed actuation level of one device. The level
// holds until the command's window closes, then snaps back to zero.
type deviceBar struct {
	intensity float64
	until     time.Time
	applied   int64
}

// monitorModel renders live actuation levels per device, one bar each,
// plus the channel connection state.
type monitorModel struct {
	serverAddr string
	connState  api.ConnState
	bars       map[string]*deviceBar
	bar        progress.Model
	spinner    spinner.Model
}

func newMonitorModel(serverAddr string) monitorModel {
	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(monitorBarWidth),
		progress.WithoutPercentage(),
	)
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return monitorModel{
		serverAddr: serverAddr,
		connState:  api.ConnHandshaking,
		bars:       make(map[string]*deviceBar),
		bar:        bar,
		spinner:    s,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(monitorTick(), m.spinner.Tick)
}

func monitorTick() tea.Cmd {
	return tea.Tick(monitorTickInterval, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case connStateMsg:
		m.connState = msg.state

	case actuationMsg:
		bar, ok := m.bars[msg.device]
		if !ok {
			bar = &deviceBar{}
			m.bars[msg.device] = bar
		}
		bar.intensity = msg.cmd.Intensity
		_, bar.until = msg.cmd.Window()
		bar.applied++

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case monitorTickMsg:
		now := time.Time(msg)
		for _, bar := range m.bars {
			if bar.intensity > 0 && now.After(bar.until) {
				bar.intensity = 0
			}
		}
		return m, monitorTick()
	}
	return m, nil
}

func (m monitorModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RemoteHaptics Monitor"))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("Server: "))
	b.WriteString(m.serverAddr)
	b.WriteString("  ")
	switch m.connState {
	case api.ConnActive:
		b.WriteString(activeStyle.Render("● connected"))
	case api.ConnHandshaking:
		b.WriteString(m.spinner.View())
		b.WriteString(labelStyle.Render("connecting"))
	default:
		b.WriteString(closedStyle.Render("○ disconnected"))
	}
	b.WriteString("\n\n")

	if len(m.bars) == 0 {
		b.WriteString(labelStyle.Render("Waiting for the first command..."))
		b.WriteString("\n")
	}

	names := make([]string, 0, len(m.bars))
	for name := range m.bars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		bar := m.bars[name]
		b.WriteString(fmt.Sprintf("%-20s %s %4.0f%%  %s\n",
			name,
			m.bar.ViewAs(bar.intensity),
			bar.intensity*100,
			labelStyle.Render(fmt.Sprintf("%d applied", bar.applied))))
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q: quit"))
	return b.String()
}

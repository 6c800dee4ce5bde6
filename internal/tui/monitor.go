// SPDX-License-Identifier: MIT
/*
Package tui holds the terminal interfaces: a capture device picker for the
sound-card transport and a live session monitor.
*/
package tui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"biostream/internal/classify"
	"biostream/internal/pipeline"
)

var (
	labelStyle = lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("#A0A0A0"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E05252")).Bold(true)

	stateStyles = map[pipeline.State]lipgloss.Style{
		pipeline.StateStreaming: lipgloss.NewStyle().Foreground(lipgloss.Color("#25A065")).Bold(true),
		pipeline.StatePaused:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E0B252")).Bold(true),
		pipeline.StateStopped:   errorStyle,
	}
	resultStyles = map[classify.Label]lipgloss.Style{
		classify.Wakeful: lipgloss.NewStyle().Foreground(lipgloss.Color("#25A065")).Bold(true),
		classify.Drowsy:  lipgloss.NewStyle().Foreground(lipgloss.Color("#E05252")).Bold(true),
	}
)

// Controller is the part of the orchestrator the monitor drives.
type Controller interface {
	Status() pipeline.Status
	Pause() error
	Resume() error
	Mark(label string) error
}

type monitorKeys struct {
	Pause key.Binding
	Mark  key.Binding
	Quit  key.Binding
}

func (k monitorKeys) ShortHelp() []key.Binding { return []key.Binding{k.Pause, k.Mark, k.Quit} }

func (k monitorKeys) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var defaultMonitorKeys = monitorKeys{
	Pause: key.NewBinding(key.WithKeys("p", " "), key.WithHelp("p", "pause/resume")),
	Mark:  key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "mark event")),
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type tickMsg time.Time

// MonitorModel polls the orchestrator status and renders it.
type MonitorModel struct {
	ctl     Controller
	refresh time.Duration
	status  pipeline.Status

	keys       monitorKeys
	help       help.Model
	confidence progress.Model
	buffer     progress.Model

	marks  int
	notice string
}

// NewMonitor creates a monitor refreshing every refresh interval.
func NewMonitor(ctl Controller, refresh time.Duration) MonitorModel {
	if refresh <= 0 {
		refresh = 250 * time.Millisecond
	}
	return MonitorModel{
		ctl:        ctl,
		refresh:    refresh,
		status:     ctl.Status(),
		keys:       defaultMonitorKeys,
		help:       help.New(),
		confidence: progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		buffer:     progress.New(progress.WithSolidFill("#25A065"), progress.WithWidth(30)),
	}
}

func (m MonitorModel) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m MonitorModel) Init() tea.Cmd {
	return m.tick()
}

func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.status = m.ctl.Status()
		return m, m.tick()

	case tea.WindowSizeMsg:
		m.help.Width = msg.Width

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Pause):
			var err error
			if m.status.State == pipeline.StatePaused {
				err = m.ctl.Resume()
			} else {
				err = m.ctl.Pause()
			}
			m.notice = noticeFor(err, "")
			m.status = m.ctl.Status()

		case key.Matches(msg, m.keys.Mark):
			label := fmt.Sprintf("mark-%d", m.marks+1)
			err := m.ctl.Mark(label)
			if err == nil {
				m.marks++
			}
			m.notice = noticeFor(err, "marked "+label)
		}
	}
	return m, nil
}

func noticeFor(err error, ok string) string {
	if err != nil {
		return errorStyle.Render(err.Error())
	}
	return ok
}

func (m MonitorModel) View() string {
	st := m.status
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("biostream"))
	sb.WriteString("\n\n")

	state := st.State.String()
	if style, ok := stateStyles[st.State]; ok {
		state = style.Render(state)
	}
	row(&sb, "State", state)
	if st.SessionID != "" {
		row(&sb, "Session", st.SessionID)
		row(&sb, "Source", st.Source)
		row(&sb, "Running", time.Since(st.Started).Truncate(time.Second).String())
	}
	if len(st.SourceReadings) > 0 {
		names := make([]string, 0, len(st.SourceReadings))
		for name := range st.SourceReadings {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			row(&sb, name, fmt.Sprintf("%.0f", st.SourceReadings[name]))
		}
	}
	if st.Err != "" {
		row(&sb, "Error", errorStyle.Render(st.Err))
	}

	sb.WriteString("\n")
	fill := 0.0
	if st.Buffer.Capacity > 0 {
		fill = float64(st.Buffer.Depth) / float64(st.Buffer.Capacity)
	}
	row(&sb, "Buffer", fmt.Sprintf("%s %d/%d, %d evicted", m.buffer.ViewAs(fill), st.Buffer.Depth, st.Buffer.Capacity, st.Buffer.Overflow))
	row(&sb, "Samples", fmt.Sprintf("%d processed, %d discarded", st.Processed, st.Discarded))
	row(&sb, "Windows", fmt.Sprintf("%d classified, %d rejected", st.Windows, st.ClassifierErrors))

	if res := st.Last; res != nil {
		sb.WriteString("\n")
		label := string(res.Label)
		if style, ok := resultStyles[res.Label]; ok {
			label = style.Render(label)
		}
		if res.LowConfidence {
			label += " (low confidence)"
		}
		row(&sb, "State of mind", label)
		row(&sb, "Confidence", m.confidence.ViewAs(res.Confidence))
		for _, b := range st.Config.Analysis.Bands {
			if p, ok := res.Features[b.Name]; ok {
				row(&sb, b.Name, fmt.Sprintf("%10.4g", p))
			}
		}
	}

	if rec := st.Recorder; rec != nil {
		sb.WriteString("\n")
		line := fmt.Sprintf("%s: %d written, %d dropped", rec.Path, rec.Written, rec.Dropped)
		if rec.Degraded {
			line = errorStyle.Render(line + " (degraded)")
		}
		row(&sb, "Recording", line)
	}
	for _, s := range st.Subscribers {
		if s.Dropped > 0 {
			row(&sb, s.Name, fmt.Sprintf("%d events dropped", s.Dropped))
		}
	}

	if m.notice != "" {
		sb.WriteString("\n" + m.notice + "\n")
	}
	sb.WriteString("\n" + m.help.View(m.keys))
	return sb.String()
}

func row(sb *strings.Builder, label, value string) {
	sb.WriteString(labelStyle.Render(label))
	sb.WriteString(value)
	sb.WriteString("\n")
}

// RunMonitor shows the monitor until the user quits or ctx is cancelled.
func RunMonitor(ctx context.Context, ctl Controller, refresh time.Duration) error {
	p := tea.NewProgram(NewMonitor(ctl, refresh), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

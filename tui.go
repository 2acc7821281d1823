package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"scamdrill/scoring"
	"scamdrill/session"
)

// TUI message types
type SnapshotMsg struct{ Snap session.Snapshot }
type ScoreMsg struct {
	Result scoring.Result
	Copied bool
	Err    error
}
type SavedMsg struct{ Path string }
type notifyMsg struct{ Text string }
type tickMsg time.Time

type tuiModel struct {
	app           *app
	ctx           context.Context
	snap          session.Snapshot
	prevState     session.State
	frame         int
	width, height int
	level         float64 // smoothed
	score         *scoring.Result
	scoring       bool
	copied        bool
	notice        string
	saved         string
}

var (
	statusRec     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusErr     = lipgloss.NewStyle().Foreground(lipgloss.Color("160")).Bold(true)
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	finalStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	interimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	copiedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	levelOnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	levelHotStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	levelOffStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("236"))
	qualityStyles = map[scoring.Quality]lipgloss.Style{
		scoring.Excellent: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		scoring.Good:      lipgloss.NewStyle().Foreground(lipgloss.Color("114")).Bold(true),
		scoring.Fair:      lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		scoring.Poor:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

var spinner = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func runTUI(ctx context.Context, a *app) error {
	m := tuiModel{app: a, ctx: ctx, snap: a.coord.Snapshot()}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	snaps, cancel := a.coord.Subscribe()
	defer cancel()
	go func() {
		for snap := range snaps {
			p.Send(SnapshotMsg{Snap: snap})
		}
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func tuiTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case SnapshotMsg:
		m.prevState = m.snap.State
		m.snap = msg.Snap
		m.level = m.level*0.6 + msg.Snap.Level*0.4
		if m.snap.State == session.Stopped && m.prevState != session.Stopped {
			return m, tea.Batch(m.keepCmd(), m.scoreCmd())
		}
		if m.snap.State == session.Starting && m.prevState != session.Starting {
			m.score = nil
			m.copied = false
			m.notice = ""
			m.saved = ""
		}

	case ScoreMsg:
		m.scoring = false
		m.copied = msg.Copied
		if msg.Err != nil {
			m.notice = msg.Err.Error()
			break
		}
		res := msg.Result
		m.score = &res

	case SavedMsg:
		m.saved = msg.Path

	case notifyMsg:
		m.notice = msg.Text
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	a := m.app
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case " ", "enter":
		mode := a.mode
		return m, func() tea.Msg {
			if err := a.toggle(mode); err != nil {
				return notifyMsg{Text: err.Error()}
			}
			return nil
		}
	case "r":
		m.score = nil
		m.notice = ""
		return m, func() tea.Msg { a.coord.Reset(); return nil }
	case "c":
		m.score = nil
		return m, func() tea.Msg { a.coord.ClearTranscript(); return nil }
	case "m":
		if a.mode == session.ModeRecord {
			a.mode = session.ModeStream
		} else {
			a.mode = session.ModeRecord
		}
		m.notice = "mode: " + a.mode.String()
	case "s":
		return m, m.scoreCmd()
	}
	return m, nil
}

func (m tuiModel) keepCmd() tea.Cmd {
	if m.snap.Artifact == nil {
		return nil
	}
	a := m.app
	return func() tea.Msg {
		art := a.keep()
		if art == nil {
			return nil
		}
		return SavedMsg{Path: art.Path}
	}
}

func (m *tuiModel) scoreCmd() tea.Cmd {
	snap := m.snap
	if strings.TrimSpace(snap.Transcript) == "" {
		return nil
	}
	m.scoring = true
	a, ctx := m.app, m.ctx
	return func() tea.Msg {
		res, copied, err := a.finish(ctx, snap)
		return ScoreMsg{Result: res, Copied: copied, Err: err}
	}
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	const leftWidth = 40
	snap := m.snap

	var left []string
	left = append(left, m.statusLine())
	if snap.State == session.Active || snap.State == session.Stopping {
		left = append(left, renderLevel(m.level, leftWidth-4))
		if snap.NoSignal {
			left = append(left, statusWarn.Render("  ⚠ no voice detected"))
		}
	}
	if snap.State == session.Errored {
		for _, line := range wrapText(snap.Err, leftWidth-2) {
			left = append(left, statusErr.Render(line))
		}
	}
	left = append(left, "")
	left = append(left, infoStyle.Render(m.modeLine()))
	left = append(left, dimStyle.Render(m.app.device))
	if m.app.scenario != "" {
		left = append(left, dimStyle.Render("scenario: "+m.app.scenario))
	}
	if m.saved != "" {
		for _, line := range wrapText("saved: "+m.saved, leftWidth-2) {
			left = append(left, dimStyle.Render(line))
		}
	}
	for _, metric := range snap.Metrics {
		left = append(left, dimStyle.Render(metric))
	}
	if m.notice != "" {
		left = append(left, "", statusWarn.Render(m.notice))
	}
	left = append(left, "", m.helpLine(), helpStyle.Render("scamdrill "+version))

	rightWidth := m.width - leftWidth - 1
	if rightWidth < 20 {
		rightWidth = 20
	}
	right := m.transcriptPanel(rightWidth - 2)

	leftPanel := lipgloss.NewStyle().Width(leftWidth).Height(m.height).PaddingLeft(1).Render(strings.Join(left, "\n"))
	rightPanel := lipgloss.NewStyle().Width(rightWidth).Height(m.height).PaddingLeft(1).Render(right)
	return lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, rightPanel)
}

func (m tuiModel) statusLine() string {
	snap := m.snap
	secs := snap.Duration.Seconds()
	switch snap.State {
	case session.Starting:
		return statusWarn.Render(spinner[m.frame%len(spinner)] + " STARTING")
	case session.Active:
		label := "● REC"
		if snap.Mode == session.ModeStream {
			label = "● LIVE"
		}
		return statusRec.Render(fmt.Sprintf("%s %.1fs", label, secs))
	case session.Stopping:
		return statusWarn.Render(fmt.Sprintf("%s FINALIZING %.1fs", spinner[m.frame%len(spinner)], secs))
	case session.Stopped:
		return statusIdle.Render(fmt.Sprintf("■ STOPPED %.1fs", secs))
	case session.Errored:
		return statusErr.Render("✖ ERROR " + snap.ErrKind.String())
	}
	return statusIdle.Render("○ STANDBY")
}

func (m tuiModel) modeLine() string {
	parts := []string{m.app.mode.String()}
	if m.app.mode == session.ModeStream {
		parts = append(parts, m.app.backend, m.snap.Connection.String())
	}
	return "[" + strings.Join(parts, " | ") + "]"
}

func (m tuiModel) helpLine() string {
	keys := []struct{ key, desc string }{
		{"space", "start/stop"}, {"r", "reset"}, {"c", "clear"},
		{"m", "mode"}, {"s", "score"}, {"q", "quit"},
	}
	var parts []string
	for _, k := range keys {
		parts = append(parts, helpKeyStyle.Render(k.key)+helpStyle.Render(" "+k.desc))
	}
	return strings.Join(parts, helpStyle.Render("  "))
}

func (m tuiModel) transcriptPanel(width int) string {
	if width < 10 {
		width = 10
	}
	var b strings.Builder
	snap := m.snap

	b.WriteString(dimStyle.Render("Transcript") + "\n\n")
	if snap.Transcript == "" && snap.Interim == "" {
		b.WriteString(dimStyle.Render("Nothing transcribed yet"))
	} else {
		lines := wrapText(snap.Transcript, width)
		for i, line := range lines {
			b.WriteString(finalStyle.Render(line))
			if i == len(lines)-1 && m.copied {
				b.WriteString(" " + copiedStyle.Render("[✓ copied]"))
			}
			b.WriteString("\n")
		}
		if snap.Interim != "" {
			for _, line := range wrapText(snap.Interim, width) {
				b.WriteString(interimStyle.Render(line) + "\n")
			}
		}
		if snap.Confidence > 0 {
			b.WriteString(dimStyle.Render(fmt.Sprintf("confidence %.0f%%", snap.Confidence*100)) + "\n")
		}
	}

	switch {
	case m.scoring:
		b.WriteString("\n" + dimStyle.Render(spinner[m.frame%len(spinner)]+" scoring...") + "\n")
	case m.score != nil:
		b.WriteString("\n" + renderScore(*m.score, width))
	}
	return b.String()
}

func renderScore(r scoring.Result, width int) string {
	var b strings.Builder
	style, ok := qualityStyles[r.Quality]
	if !ok {
		style = infoStyle
	}
	b.WriteString(style.Render(fmt.Sprintf("Score %d/100  %s", r.Score, r.Quality)) + "\n")
	for _, line := range wrapText(r.Message, width) {
		b.WriteString(infoStyle.Render(line) + "\n")
	}
	if len(r.Positive) > 0 {
		b.WriteString(copiedStyle.Render("+ "+strings.Join(r.Positive, ", ")) + "\n")
	}
	if len(r.Negative) > 0 {
		b.WriteString(statusRec.Render("- "+strings.Join(r.Negative, ", ")) + "\n")
	}
	for _, rec := range r.Recommendations {
		for i, line := range wrapText(rec, width-2) {
			prefix := "  "
			if i == 0 {
				prefix = "• "
			}
			b.WriteString(dimStyle.Render(prefix+line) + "\n")
		}
	}
	return b.String()
}

// renderLevel draws a horizontal meter; level is linear RMS in [0, 1].
func renderLevel(level float64, width int) string {
	if width < 4 {
		width = 4
	}
	filled := int(level * 4 * float64(width))
	if filled > width {
		filled = width
	}
	hot := width * 3 / 4
	var b strings.Builder
	for i := 0; i < width; i++ {
		switch {
		case i >= filled:
			b.WriteString(levelOffStyle.Render("▁"))
		case i >= hot:
			b.WriteString(levelHotStyle.Render("█"))
		default:
			b.WriteString(levelOnStyle.Render("█"))
		}
	}
	return b.String()
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}

// Package tui is the interactive recording screen: a viewport showing
// the live transcript as it reconciles, with the stop/save/discard
// decisions bound to keys. It renders session snapshots; all policy
// lives in the session controller.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/beingfastian/APD-Listener-Tool/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	// Dark gray for the in-flight partial; finals render plain.
	partialStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	degradedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFF00"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000"))
)

type Model struct {
	controller *session.Controller
	viewport   viewport.Model
	snapshot   session.Snapshot
	ready      bool
	quitting   bool
}

func NewModel(controller *session.Controller) Model {
	return Model{controller: controller}
}

func Run(controller *session.Controller) error {
	program := tea.NewProgram(NewModel(controller), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

type (
	snapshotMsg session.Snapshot
	startedMsg  struct{ err error }
	stoppedMsg  struct{ err error }
	savedMsg    struct{ err error }
)

func waitForSnapshot(updates <-chan session.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForSnapshot(m.controller.Updates()),
		func() tea.Msg {
			return startedMsg{err: m.controller.Start(context.Background())}
		},
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if handled, next, keyCmd := m.handleKey(msg); handled {
			return next, keyCmd
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.contentView())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}

	case snapshotMsg:
		m.snapshot = session.Snapshot(msg)
		if m.ready {
			m.viewport.SetContent(m.contentView())
			m.viewport.GotoBottom()
		}
		cmds = append(cmds, waitForSnapshot(m.controller.Updates()))

	case startedMsg, stoppedMsg:
		// State changes arrive through snapshots.

	case savedMsg:
		if msg.err == nil {
			m.quitting = true
			return m, tea.Quit
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (bool, tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		m.controller.Discard()
		return true, m, tea.Quit

	case "s", " ":
		if m.snapshot.State == session.StateStreaming {
			return true, m, func() tea.Msg {
				return stoppedMsg{err: m.controller.Stop()}
			}
		}

	case "enter", "y":
		if m.snapshot.State == session.StateAwaitingDecision {
			return true, m, func() tea.Msg {
				_, err := m.controller.Save(context.Background())
				return savedMsg{err: err}
			}
		}

	case "d", "n":
		if m.snapshot.State == session.StateAwaitingDecision ||
			m.snapshot.State == session.StateStreaming ||
			m.snapshot.State == session.StateError {
			m.quitting = true
			m.controller.Discard()
			return true, m, tea.Quit
		}
	}
	return false, m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.footerView(),
	)
}

func (m Model) headerView() string {
	title := titleStyle.Render(headerTitle(m.snapshot))
	line := strings.Repeat(
		"─",
		max(0, m.viewport.Width-lipgloss.Width(title)),
	)
	return lipgloss.JoinHorizontal(lipgloss.Center, title, line)
}

func (m Model) footerView() string {
	info := titleStyle.Render(footerHint(m.snapshot.State))
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	return lipgloss.JoinHorizontal(lipgloss.Center, line, info)
}

func (m Model) contentView() string {
	return renderTranscript(m.snapshot)
}

// renderTranscript draws the reconciled transcript: durable finals,
// then the in-flight partial styled gray, then any session notices.
func renderTranscript(snap session.Snapshot) string {
	var b strings.Builder
	if snap.Transcript != "" {
		b.WriteString(snap.Transcript)
		b.WriteString("\n")
	}
	if snap.Partial != "" {
		b.WriteString(partialStyle.Render(snap.Partial))
		b.WriteString("\n")
	}
	if snap.Degraded {
		b.WriteString(degradedStyle.Render(
			"connection lost, recording continues locally"))
		b.WriteString("\n")
	}
	if snap.Err != nil {
		b.WriteString(errorStyle.Render(snap.Err.Error()))
		b.WriteString("\n")
	}
	return b.String()
}

func headerTitle(snap session.Snapshot) string {
	switch snap.State {
	case session.StateConnecting:
		return "Connecting..."
	case session.StateStreaming:
		return fmt.Sprintf("Recording (%d slices)", snap.SliceCount)
	case session.StateStopping:
		return "Stopping..."
	case session.StateAwaitingDecision:
		if snap.Unacknowledged {
			return "Save or discard? (stop unconfirmed)"
		}
		return "Save or discard?"
	case session.StateFinalizing:
		return "Processing..."
	case session.StateComplete:
		return "Saved"
	case session.StateError:
		return "Session failed"
	}
	return "Recorder"
}

func footerHint(state session.State) string {
	switch state {
	case session.StateStreaming:
		return "s: stop  d: discard  q: quit"
	case session.StateAwaitingDecision:
		return "enter: save  d: discard"
	case session.StateError:
		return "d: discard  q: quit"
	}
	return "q: quit"
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/run"
)

// Controller is the slice of the engine's control surface the monitor drives.
type Controller interface {
	Pause(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID, feedback string) error
	SetMode(ctx context.Context, runID string, mode run.Mode) error
	Stop(ctx context.Context, runID string) error
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneNodes PaneID = iota
	PaneDAG
)

const controlTimeout = 10 * time.Second

// controlDoneMsg reports the outcome of a control key.
type controlDoneMsg struct {
	action string
	err    error
}

// RunFinishedMsg tells the monitor the run loop has ended.
type RunFinishedMsg struct {
	Run *run.Run
	Err error
}

// Model is the root Bubble Tea model of the run monitor.
type Model struct {
	runID       string
	goal        string
	phase       run.Phase
	status      run.Status
	mode        run.Mode
	iteration   int
	lastError   string
	notice      string
	finished    bool
	ctl         Controller
	nodePane    NodePaneModel
	dagPane     DAGPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
}

// New creates a monitor for one run. r seeds the header; nodes seeds the
// node list with anything created before sub was opened.
func New(sub <-chan events.Event, ctl Controller, r *run.Run, nodes []*run.Node) Model {
	m := Model{
		runID:     r.ID,
		goal:      r.Goal,
		phase:     r.Phase,
		status:    r.Status,
		mode:      r.Mode,
		iteration: r.Iteration,
		ctl:       ctl,
		nodePane:  NewNodePaneModel(),
		dagPane:   NewDAGPaneModel(),
		eventSub:  sub,
	}
	m.nodePane.Seed(nodes)
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab, KeyShiftTab:
			m.focusedPane = (m.focusedPane + 1) % 2
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneNodes
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneDAG
			m.updateFocusStates()

		case KeyPause:
			if m.status == run.StatusPaused {
				cmds = append(cmds, m.control("resume", func(ctx context.Context) error {
					return m.ctl.Resume(ctx, m.runID, "")
				}))
			} else {
				cmds = append(cmds, m.control("pause", func(ctx context.Context) error {
					return m.ctl.Pause(ctx, m.runID)
				}))
			}

		case KeyMode:
			next := run.ModeInteractive
			if m.mode == run.ModeInteractive {
				next = run.ModeAuto
			}
			cmds = append(cmds, m.control("mode "+string(next), func(ctx context.Context) error {
				return m.ctl.SetMode(ctx, m.runID, next)
			}))

		case KeyStop:
			cmds = append(cmds, m.control("stop", func(ctx context.Context) error {
				return m.ctl.Stop(ctx, m.runID)
			}))

		default:
			var cmd tea.Cmd
			if m.focusedPane == PaneNodes {
				m.nodePane, cmd = m.nodePane.Update(msg)
			} else {
				m.dagPane, cmd = m.dagPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case controlDoneMsg:
		if msg.err != nil {
			m.lastError = fmt.Sprintf("%s: %v", msg.action, msg.err)
		} else {
			m.lastError = ""
			m.notice = msg.action + " sent"
		}

	case RunFinishedMsg:
		m.finished = true
		if msg.Run != nil {
			m.status = msg.Run.Status
			m.phase = msg.Run.Phase
		}
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
		}
		m.notice = "run finished; press q to exit"

	case tickMsg:
		var cmd tea.Cmd
		m.nodePane, cmd = m.nodePane.Update(msg)
		cmds = append(cmds, cmd)

	case events.Event:
		if msg.RunID() == m.runID {
			cmds = append(cmds, m.applyEvent(msg))
		}
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// applyEvent folds one engine event into the header and panes.
func (m *Model) applyEvent(ev events.Event) tea.Cmd {
	switch ev := ev.(type) {
	case events.RunStatusChanged:
		m.status = ev.To
	case events.PhaseChanged:
		m.phase = ev.To
		m.iteration = ev.Iteration
		m.notice = ev.Reason
	case events.ModeChanged:
		m.mode = ev.Mode
	case events.PlanWarning:
		m.notice = "plan warning: " + ev.Detail
	case events.ApprovalRequested:
		m.notice = fmt.Sprintf("approval %s pending for %s", ev.ApprovalID, ev.Tool)
	case events.DAGProgress, events.SchedulerDecision, events.VerificationFinished:
		var cmd tea.Cmd
		m.dagPane, cmd = m.dagPane.Update(ev)
		return cmd
	case events.NodeCreated, events.NodeStatusChanged, events.NodeOutput, events.NodeControlChanged:
		var cmd tea.Cmd
		m.nodePane, cmd = m.nodePane.Update(ev)
		return cmd
	}
	return nil
}

func (m Model) control(action string, fn func(ctx context.Context) error) tea.Cmd {
	if m.finished {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		return controlDoneMsg{action: action, err: fn(ctx)}
	}
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.nodePane.View(), m.dagPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, m.headerView(), body, m.statusLine(), HelpView())
}

func (m Model) headerView() string {
	goal := m.goal
	if limit := m.width - 60; limit > 10 && len(goal) > limit {
		goal = goal[:limit-3] + "..."
	}
	text := fmt.Sprintf("run %s | %s | %s | %s | iteration %d | %s",
		shortID(m.runID), m.phase, m.status, m.mode, m.iteration, goal)
	return StyleHeader.Width(m.width).Render(text)
}

func (m Model) statusLine() string {
	if m.lastError != "" {
		return StyleError.Render(m.lastError)
	}
	return StyleHelp.Render(m.notice)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	// header, status line and help bar
	available := m.height - 3
	nodeWidth := (m.width * 65) / 100
	m.nodePane.SetSize(nodeWidth, available)
	m.dagPane.SetSize(m.width-nodeWidth, available)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.nodePane.SetFocused(m.focusedPane == PaneNodes)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

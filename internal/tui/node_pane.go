package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/run"
)

const nodeListWidth = 28

// NodeState is the monitor's view of one node.
type NodeState struct {
	ID      string
	Title   string
	Role    string
	StepID  string
	Status  run.NodeStatus
	Control run.Control
	Output  []string
}

// NodePaneModel lists the run's nodes and streams the selected node's output.
type NodePaneModel struct {
	nodes       map[string]*NodeState
	order       []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewNodePaneModel creates an empty node pane.
func NewNodePaneModel() NodePaneModel {
	return NodePaneModel{
		nodes:    make(map[string]*NodeState),
		viewport: viewport.New(0, 0),
	}
}

// Seed loads nodes that existed before the monitor subscribed.
func (m *NodePaneModel) Seed(nodes []*run.Node) {
	for _, n := range nodes {
		st := m.ensure(n.ID, n.Title, n.Role)
		st.StepID = n.StepID
		st.Status = n.Status
		st.Control = n.Control
		if n.Output != "" {
			st.Output = append(st.Output, strings.Split(strings.TrimRight(n.Output, "\n"), "\n")...)
		}
	}
	m.updateViewportContent()
}

type tickMsg struct {
	tag int
}

// Update handles messages for the node pane.
func (m NodePaneModel) Update(msg tea.Msg) (NodePaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.NodeCreated:
		st := m.ensure(msg.NodeID(), msg.Title, msg.Role)
		st.StepID = msg.StepID
		if len(m.order) == 1 {
			m.updateViewportContent()
		}

	case events.NodeStatusChanged:
		st := m.ensure(msg.NodeID(), msg.Title, "")
		st.Status = msg.To
		line := fmt.Sprintf("[%s -> %s]", msg.From, msg.To)
		if msg.Message != "" {
			line += " " + msg.Message
		}
		st.Output = append(st.Output, line)
		if m.SelectedID() == msg.NodeID() {
			m.updateViewportContent()
		}

	case events.NodeControlChanged:
		if st, ok := m.nodes[msg.NodeID()]; ok {
			st.Control = msg.Control
		}

	case events.NodeOutput:
		st, ok := m.nodes[msg.NodeID()]
		if !ok {
			break
		}
		st.Output = append(st.Output, msg.Line)
		if m.SelectedID() == msg.NodeID() {
			// Coalesce bursts of output into one redraw.
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *NodePaneModel) ensure(id, title, role string) *NodeState {
	st, ok := m.nodes[id]
	if !ok {
		st = &NodeState{ID: id, Status: run.NodeQueued, Control: run.ControlAuto}
		m.nodes[id] = st
		m.order = append(m.order, id)
	}
	if title != "" {
		st.Title = title
	}
	if role != "" {
		st.Role = role
	}
	return st
}

// View renders the node pane.
func (m NodePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	outputWidth := m.width - nodeListWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderNodeList(nodeListWidth),
		lipgloss.NewStyle().
			Width(outputWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m NodePaneModel) renderNodeList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Nodes")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		st := m.nodes[id]
		name := st.Title
		if st.Control == run.ControlManual {
			name = "[M] " + name
		}
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(st.Status), name)
		if i == m.selectedIdx {
			line = lipgloss.NewStyle().
				Background(lipgloss.Color("62")).
				Foreground(lipgloss.Color("0")).
				Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status run.NodeStatus) string {
	switch status {
	case run.NodeRunning:
		return StyleStatusRunning.Render("●")
	case run.NodeCompleted:
		return StyleStatusComplete.Render("✓")
	case run.NodeFailed:
		return StyleStatusFailed.Render("✗")
	case run.NodeSkipped:
		return StyleStatusPending.Render("-")
	case run.NodeBlockedManualInput:
		return StyleStatusBlocked.Render("?")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SelectedID returns the id of the selected node, if any.
func (m NodePaneModel) SelectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Node returns the monitor state of a node.
func (m NodePaneModel) Node(id string) (NodeState, bool) {
	st, ok := m.nodes[id]
	if !ok {
		return NodeState{}, false
	}
	return *st, true
}

func (m *NodePaneModel) updateViewportContent() {
	st, ok := m.nodes[m.SelectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for nodes...")
		return
	}
	header := fmt.Sprintf("%s (%s, %s)\n\n", st.Title, st.Role, st.Status)
	m.viewport.SetContent(header + strings.Join(st.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *NodePaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-nodeListWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *NodePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *NodePaneModel) SetFocused(focused bool) {
	m.focused = focused
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/parleylabs/parley/stream"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	statusStyle = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle   = lipgloss.NewStyle().Faint(true)

	agentColors = []lipgloss.Color{"2", "4", "5", "6", "3", "10", "12", "13"}
)

func agentStyle(agentId string) lipgloss.Style {
	sum := 0
	for _, c := range agentId {
		sum += int(c)
	}
	return lipgloss.NewStyle().Bold(true).Foreground(agentColors[sum%len(agentColors)])
}

// pushed into the program from the reconciler's change listener
type reconcilerChangedMsg struct{}

// pushed into the program from the connection state listener
type connectionStateMsg struct {
	state     stream.ConnectionState
	attempts  int
	nextDelay time.Duration
}

type watchModel struct {
	experimentId string
	registry     *stream.ConnectionRegistry
	reconciler   *stream.StreamReconciler

	connectionState stream.ConnectionState
	attempts        int
	nextDelay       time.Duration

	// -1 views the live conversation, otherwise an index into runs
	runIndex int

	viewport viewport.Model
	spinner  spinner.Model
	ready    bool
	width    int
	height   int
}

func newWatchModel(
	experimentId string,
	registry *stream.ConnectionRegistry,
	reconciler *stream.StreamReconciler,
) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Points
	return watchModel{
		experimentId:    experimentId,
		registry:        registry,
		reconciler:      reconciler,
		connectionState: stream.ConnectionStateDisconnected,
		runIndex:        -1,
		spinner:         sp,
	}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "l":
			m.runIndex = -1
			m.reconciler.ResumeLive()
		case "f":
			m.reconciler.SetFollowing(!m.reconciler.IsFollowing())
		case "r":
			m.registry.Retry(m.experimentId)
		case "left":
			m = m.selectRun(m.runIndex - 1)
		case "right":
			m = m.selectRun(m.runIndex + 1)
		}
		m.refreshContent()
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		contentHeight := max(1, m.height-4)
		if !m.ready {
			m.viewport = viewport.New(m.width, contentHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = contentHeight
		}
		m.refreshContent()
		return m, nil

	case reconcilerChangedMsg:
		atBottom := m.viewport.AtBottom()
		m.refreshContent()
		if m.reconciler.IsFollowing() && atBottom {
			m.viewport.GotoBottom()
		}
		return m, nil

	case connectionStateMsg:
		m.connectionState = msg.state
		m.attempts = msg.attempts
		m.nextDelay = msg.nextDelay
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// selectRun clamps the index into [-1, len(runs)-1], -1 meaning live
func (m watchModel) selectRun(index int) watchModel {
	runs := m.reconciler.Runs()
	if index < 0 || len(runs) == 0 {
		m.runIndex = -1
		m.reconciler.ResumeLive()
		return m
	}
	if len(runs) <= index {
		index = len(runs) - 1
	}
	m.runIndex = index
	m.reconciler.SelectRun(runs[index], false)
	m.reconciler.SetFollowing(false)
	return m
}

func (m *watchModel) refreshContent() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderConversation())
}

func (m watchModel) renderConversation() string {
	conversation := m.reconciler.Viewed()
	if conversation == nil {
		return statusStyle.Render("waiting for the experiment stream...")
	}

	agentNames := map[string]string{}
	for _, agent := range conversation.Agents {
		agentNames[agent.Id] = agent.Name
	}

	lines := []string{}
	for _, message := range conversation.Messages {
		name := agentNames[message.AgentId]
		if name == "" {
			name = message.AgentId
		}
		header := fmt.Sprintf(
			"%s %s",
			agentStyle(message.AgentId).Render(name),
			statusStyle.Render(message.Timestamp.Format("15:04:05")),
		)
		lines = append(lines, header, message.Content, "")
	}
	if len(lines) == 0 {
		return statusStyle.Render("no messages yet")
	}
	return strings.Join(lines, "\n")
}

func (m watchModel) connectionLine() string {
	switch m.connectionState {
	case stream.ConnectionStateConnected:
		return "connected"
	case stream.ConnectionStateReconnecting:
		return fmt.Sprintf("%s reconnecting (attempt %d)", m.spinner.View(), m.attempts)
	case stream.ConnectionStateDisconnected:
		if 0 < m.nextDelay {
			return fmt.Sprintf("disconnected, retrying in %s", m.nextDelay)
		}
		return "disconnected, press r to retry"
	case stream.ConnectionStateCompleted:
		return "completed"
	}
	return string(m.connectionState)
}

func (m watchModel) View() string {
	if !m.ready {
		return m.spinner.View() + " starting..."
	}

	title := m.experimentId
	if conversation := m.reconciler.Viewed(); conversation != nil && conversation.Title != "" {
		title = conversation.Title
	}

	current, total := m.reconciler.Iterations()
	viewing := "live"
	if !m.reconciler.IsViewingLive() {
		viewing = fmt.Sprintf("run %d/%d", m.runIndex+1, len(m.reconciler.Runs()))
	}
	following := ""
	if m.reconciler.IsFollowing() {
		following = " following"
	}

	header := titleStyle.Render(title) + "  " + statusStyle.Render(fmt.Sprintf(
		"%s iteration %d/%d  %s%s  %s",
		m.reconciler.Status(),
		current,
		total,
		viewing,
		following,
		m.connectionLine(),
	))

	errorLine := ""
	if lastError := m.reconciler.LastError(); lastError != "" {
		errorLine = errorStyle.Render("error: "+lastError) + "\n"
	}

	help := helpStyle.Render("←/→ runs  l live  f follow  r retry  q quit")

	return header + "\n" + errorLine + m.viewport.View() + "\n" + help
}

func runWatch(experimentId string, apiUrl string, wsUrl string, auth *stream.ClientAuth) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := stream.NewWsDialer(wsUrl, auth, stream.DefaultWsTransportSettings())
	registry := stream.NewConnectionRegistryWithDefaults(ctx, dial)
	defer registry.Shutdown()

	api := stream.NewParleyApiWithContext(ctx, apiUrl)
	defer api.Close()
	if auth != nil && auth.ByJwt != "" {
		api.SetByJwt(auth.ByJwt)
	}

	store := stream.NewMemoryExperimentStore()
	reconciler := stream.NewStreamReconciler(ctx, experimentId, registry, api, store)

	p := tea.NewProgram(
		newWatchModel(experimentId, registry, reconciler),
		tea.WithAltScreen(),
	)

	removeChange := reconciler.AddChangeListener(func() {
		p.Send(reconcilerChangedMsg{})
	})
	defer removeChange()

	removeState := registry.AddStateListener(
		experimentId,
		func(state stream.ConnectionState, attempts int, nextDelay time.Duration) {
			p.Send(connectionStateMsg{
				state:     state,
				attempts:  attempts,
				nextDelay: nextDelay,
			})
		},
	)
	defer removeState()

	reconciler.Start()
	defer reconciler.Stop()

	_, err := p.Run()
	return err
}

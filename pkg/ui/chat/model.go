package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"loopsync/pkg/bus"
	"loopsync/pkg/engine"
	"loopsync/pkg/message"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

// Conversation is the part of a session the chat view drives.
type Conversation interface {
	Submit(ctx context.Context, text string) error
	Retry(ctx context.Context) error
	RequestRevision(ctx context.Context, note string) error
	Snapshot() engine.View
}

type actionKind string

const (
	actionSubmit   actionKind = "send"
	actionRetry    actionKind = "retry"
	actionRevision actionKind = "revision"
)

type actionResultMsg struct {
	kind actionKind
	err  error
}

type engineEventMsg struct {
	event bus.Event
}

type eventsClosedMsg struct{}

type model struct {
	ctx          context.Context
	conv         Conversation
	events       <-chan bus.Event
	mode         mode
	oneShotInput string
	oneShotSent  bool

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	view      engine.View
	width     int
	height    int
	isReady   bool
	lastErr   string
	followLog bool
	runtime   RuntimeInfo
	now       func() time.Time
}

func newModel(ctx context.Context, conv Conversation, events <-chan bus.Event, runMode mode, prompt string, info RuntimeInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Describe the plan you need..."
	in.Focus()
	in.CharLimit = 0

	m := &model{
		ctx:          ctx,
		conv:         conv,
		events:       events,
		mode:         runMode,
		oneShotInput: strings.TrimSpace(prompt),
		theme:        defaultTheme(),
		spinner:      spin,
		input:        in,
		viewport:     viewport.New(80, 12),
		width:        100,
		height:       28,
		followLog:    true,
		runtime:      info,
		now:          time.Now,
	}
	if conv != nil {
		m.view = conv.Snapshot()
	}
	return m
}

func (m *model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, waitForEvent(m.events)}
	if m.mode == modeOneShot && m.oneShotInput != "" {
		cmds = append(cmds, runActionCmd(m.ctx, actionSubmit, func(ctx context.Context) error {
			return m.conv.Submit(ctx, m.oneShotInput)
		}))
	} else {
		cmds = append(cmds, textinput.Blink)
	}
	return tea.Batch(cmds...)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case engineEventMsg:
		m.applyEvent(typed.event)
		if m.oneShotDone() {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	case eventsClosedMsg:
		m.events = nil
		if m.mode == modeOneShot {
			return m, tea.Quit
		}
		return m, nil
	case actionResultMsg:
		m.sync()
		if typed.err != nil {
			m.lastErr = fmt.Sprintf("%s failed: %v", typed.kind, typed.err)
			if m.mode == modeOneShot {
				return m, tea.Quit
			}
			return m, nil
		}
		m.lastErr = ""
		if m.mode == modeOneShot && typed.kind == actionSubmit {
			m.oneShotSent = true
		}
		if m.oneShotDone() {
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}
		if m.mode == modeOneShot {
			return m, nil
		}
		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		switch typed.String() {
		case "enter":
			return m, m.submitInput()
		case "ctrl+r":
			m.lastErr = ""
			return m, runActionCmd(m.ctx, actionRetry, m.conv.Retry)
		case "ctrl+u":
			note := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			m.lastErr = ""
			return m, runActionCmd(m.ctx, actionRevision, func(ctx context.Context) error {
				return m.conv.RequestRevision(ctx, note)
			})
		}
	}

	if m.mode == modeInteractive {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

func (m *model) submitInput() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	if isExitCommand(text) {
		return tea.Quit
	}
	if !m.view.InputEnabled {
		m.lastErr = "waiting for the planner to reply"
		return nil
	}

	m.input.SetValue("")
	m.lastErr = ""
	m.followLog = true
	return runActionCmd(m.ctx, actionSubmit, func(ctx context.Context) error {
		return m.conv.Submit(ctx, text)
	})
}

func (m *model) applyEvent(ev bus.Event) {
	m.sync()
	switch ev.Type {
	case bus.EventSendFailed:
		if ev.Error != "" {
			m.lastErr = ev.Error
		}
	case bus.EventConversationReset:
		m.lastErr = ""
	}
}

// sync pulls a fresh snapshot and redraws the log.
func (m *model) sync() {
	if m.conv == nil {
		return
	}
	m.view = m.conv.Snapshot()
	m.refreshViewport(false)
}

func (m *model) oneShotDone() bool {
	if m.mode != modeOneShot || !m.oneShotSent {
		return false
	}
	if m.view.AwaitingReply {
		return false
	}
	for _, msg := range m.view.Messages {
		if msg.State == message.StatePending {
			return false
		}
	}
	return true
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.mode == modeOneShot {
		return m.oneShotView()
	}

	header := m.theme.header.Width(m.width - 2).Render("📡 LoopSync · " + displayOrNA(m.view.ConversationID))
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"relay:%s · transport:%s · connection:%s · messages:%d",
		displayOrNA(m.runtime.BaseURL),
		displayOrNA(m.runtime.Transport),
		displayOrNA(string(m.view.Connection)),
		len(m.view.Messages),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	parts := []string{header, meta, line, m.theme.viewport.Width(m.width - 2).Render(m.viewport.View())}
	if recs := m.renderRecommendations(m.width - 6); recs != "" {
		parts = append(parts, recs)
	}
	parts = append(parts,
		m.statusLine(),
		m.theme.inputLabel.Render("✍️  You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) statusLine() string {
	switch {
	case m.lastErr != "":
		return m.theme.statusErr.Render("🚨 " + m.lastErr)
	case m.view.Err != nil:
		return m.theme.statusErr.Render("🚨 history unavailable: " + m.view.Err.Error())
	case m.view.AwaitingReply:
		return m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ waiting for the planner...", m.spinner.View()))
	case !m.view.HistoryLoaded:
		return m.theme.statusBusy.Render(fmt.Sprintf("%s loading history...", m.spinner.View()))
	default:
		return m.theme.status.Render("💡 Enter send · Ctrl+R retry · Ctrl+U revise · PgUp/PgDn scroll · 🛑 Ctrl+C/Esc quit")
	}
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}
	h := m.height - 10
	if m.view.Recommendations.Len() > 0 {
		h -= m.view.Recommendations.Len() + 3
	}
	if m.mode == modeOneShot {
		h = m.height - 6
	}
	if h < 8 {
		h = 8
	}

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.view.Messages))
	for _, msg := range m.view.Messages {
		sections = append(sections, m.renderMessage(msg, m.viewport.Width))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if previousOffset > maxOffset {
		previousOffset = maxOffset
	}
	m.viewport.SetYOffset(previousOffset)
}

func (m *model) renderMessage(msg message.Message, width int) string {
	body := strings.TrimSpace(msg.Body)
	if n := msg.Recommendations.Len(); n > 0 && body == "" {
		body = fmt.Sprintf("%d recommendations", n)
	}
	stamp := m.theme.timestamp.Render(m.relativeTime(msg.CreatedAt))

	switch msg.Author {
	case message.AuthorLocal:
		title := m.theme.userTitle.Render("▛▚ [ YOU ] ▞▜") + " " + stamp
		if msg.State == message.StatePending {
			title += " " + m.theme.pending.Render("⏳ sending")
		}
		return m.renderCard(title, m.theme.userBox.Width(width).Render(body))
	case message.AuthorRemote:
		title := m.theme.remoteTitle.Render(fmt.Sprintf("▛▚ [ %s ] ▞▜", displayOrNA(msg.SenderID))) + " " + stamp
		return m.renderCard(title, m.theme.remoteBox.Width(width).Render(body))
	case message.AuthorSystem:
		return m.renderCard(m.theme.noticeTitle.Render("▛▚ [NOTICE] ▞▜"), m.theme.noticeBox.Width(width).Render(body))
	default:
		title := m.theme.assistantTitle.Render("▛▚ [ PLANNER ] ▞▜") + " " + stamp
		if msg.NeedsInput {
			title += " " + m.theme.needsInput.Render("❓ needs input")
		}
		return m.renderCard(title, m.theme.assistantBox.Width(width).Render(body))
	}
}

func (m *model) renderRecommendations(width int) string {
	set := m.view.Recommendations
	if set.Len() == 0 {
		return ""
	}

	lines := make([]string, 0, set.Len())
	for _, item := range set.Items {
		lines = append(lines, formatRecommendation(item))
	}
	return m.renderCard(
		m.theme.recsTitle.Render(fmt.Sprintf("▛▚ [PLAN · %d] ▞▜", set.Len())),
		m.theme.recsBox.Width(max(20, width)).Render(strings.Join(lines, "\n")),
	)
}

func (m *model) relativeTime(at time.Time) string {
	if at.IsZero() {
		return ""
	}
	return humanize.RelTime(at, m.now(), "ago", "from now")
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) oneShotView() string {
	contentWidth := max(40, m.width-6)
	parts := []string{m.renderCard(
		m.theme.userTitle.Render("▛▚ [SENT] ▞▜"),
		m.theme.userBox.Width(contentWidth).Render(m.oneShotInput),
	)}

	if m.lastErr != "" {
		parts = append(parts, m.renderCard(
			m.theme.errorTitle.Render("▛▚ [ERROR] ▞▜"),
			m.theme.errorBox.Width(contentWidth).Render(m.lastErr),
		))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
	}

	if !m.oneShotDone() {
		parts = append(parts, m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ sending and waiting for the planner...", m.spinner.View())))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	}

	if reply, ok := lastReply(m.view.Messages); ok {
		parts = append(parts, m.renderMessage(reply, contentWidth))
	}
	if recs := m.renderRecommendations(contentWidth); recs != "" {
		parts = append(parts, recs)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func waitForEvent(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return engineEventMsg{event: ev}
	}
}

func runActionCmd(ctx context.Context, kind actionKind, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return actionResultMsg{kind: kind, err: fn(ctx)}
	}
}

func lastReply(msgs []message.Message) (message.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		switch msgs[i].Author {
		case message.AuthorAssistant, message.AuthorSystem:
			return msgs[i], true
		}
	}
	return message.Message{}, false
}

func formatRecommendation(item message.Recommendation) string {
	line := "• " + item.Title
	switch {
	case item.StartsAt != "" && item.EndsAt != "":
		line += fmt.Sprintf(" %s-%s", item.StartsAt, item.EndsAt)
	case item.StartsAt != "":
		line += " " + item.StartsAt
	}
	if len(item.Days) > 0 {
		line += " (" + strings.Join(item.Days, ", ") + ")"
	}
	if item.Detail != "" {
		line += " · " + item.Detail
	}
	return line
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}

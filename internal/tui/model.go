// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// USABILITY: the input line stays live while a reply streams. Enter always
// submits; prompts entered mid-reply join the queue and run in order.

package tui

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/dispatch"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/render"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/util"
)

// ===========================================================================
// MESSAGES
// ===========================================================================

// QueueEventMsg carries a dispatch event into the program loop. The queue's
// notify callback fires on its worker goroutine; the caller wraps each event
// in this message and hands it to Program.Send.
type QueueEventMsg struct {
	Event dispatch.Event
}

// flushTickMsg drives the streaming flush sweep while a reply is in flight.
type flushTickMsg struct{}

// flushInterval matches the buffer's FPS cap so a tick can always release
// frames that the size threshold alone would hold back.
const flushInterval = 33 * time.Millisecond

func flushTickCmd() tea.Cmd {
	return tea.Tick(flushInterval, func(time.Time) tea.Msg {
		return flushTickMsg{}
	})
}

// ===========================================================================
// MODEL
// ===========================================================================

// Options configures a chat Model. Queue and Client are required; Theme and
// WordWrap fall back to the renderer defaults when unset.
type Options struct {
	Queue    *dispatch.Queue
	Client   *relay.Client
	Theme    string
	WordWrap int
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	queue  *dispatch.Queue
	client *relay.Client

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	keys     KeyMap

	renderer *render.Renderer
	theme    string
	wordWrap int

	buffer    *StreamingBuffer
	optimizer *ViewportOptimizer

	// turns is the render copy of the queue transcript. renderCache holds
	// markdown-rendered content for settled assistant turns, keyed by turn
	// ID; the in-flight turn renders as raw text until it settles.
	turns       []dispatch.Turn
	renderCache map[string]string
	streamIndex int

	processing bool
	ticking    bool
	ready      bool
	width      int
	height     int
	statusMsg  string
}

// New builds a chat model around an existing queue and client.
func New(opts Options) Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message and press Enter..."
	ta.CharLimit = 4096
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Spinner{
		Frames: []string{"|", "/", "-", "\\"},
		FPS:    time.Second / 30,
	}
	sp.Style = spinnerStyle

	wrap := opts.WordWrap
	if wrap <= 0 {
		wrap = render.DefaultWordWrap
	}

	return Model{
		queue:       opts.Queue,
		client:      opts.Client,
		viewport:    viewport.New(80, 20),
		textarea:    ta,
		spinner:     sp,
		keys:        DefaultKeyMap(),
		renderer:    render.New(opts.Theme, wrap),
		theme:       opts.Theme,
		wordWrap:    wrap,
		buffer:      NewStreamingBuffer(),
		optimizer:   NewViewportOptimizer(),
		turns:       opts.Queue.Snapshot(),
		renderCache: make(map[string]string),
		streamIndex: -1,
	}
}

// Init starts the cursor blink and spinner loops.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

// ===========================================================================
// UPDATE
// ===========================================================================

// Update handles input, queue events, and timers.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg), nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case QueueEventMsg:
		return m.applyQueueEvent(msg.Event)

	case flushTickMsg:
		return m.handleFlushTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.processing {
			m.refreshViewport(false)
		}
		return m, cmd

	default:
		var cmd tea.Cmd
		m.textarea, cmd = m.textarea.Update(msg)
		return m, cmd
	}
}

// handleKey routes key presses. Bound keys act on the model; everything else
// goes to the input so the user can keep typing during a reply.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Submit):
		return m.submit()

	case key.Matches(msg, m.keys.Cancel):
		if m.processing {
			m.queue.CancelActive()
			m.statusMsg = "Canceling..."
		}
		return m, nil

	case key.Matches(msg, m.keys.Clear):
		// Local state resets immediately; the queue's cleared event follows
		// and is idempotent.
		m.queue.Clear()
		m.resetTranscript()
		m.refreshViewport(true)
		m.statusMsg = "Conversation cleared"
		return m, nil

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return m, nil

	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return m, nil

	case key.Matches(msg, m.keys.Bottom):
		m.viewport.GotoBottom()
		return m, nil

	default:
		var cmd tea.Cmd
		m.textarea, cmd = m.textarea.Update(msg)
		return m, cmd
	}
}

// submit hands the input to the queue and clears it on acceptance.
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.textarea.Value())
	if text == "" {
		return m, nil
	}
	if err := m.queue.Submit(text); err != nil {
		m.statusMsg = relay.UserMessage(err)
		return m, nil
	}
	m.textarea.Reset()
	m.statusMsg = ""
	return m, nil
}

// applyQueueEvent folds a dispatch event into the render state.
func (m Model) applyQueueEvent(ev dispatch.Event) (tea.Model, tea.Cmd) {
	switch ev.Kind {
	case dispatch.EventTurnAppended:
		m.turns = m.queue.Snapshot()
		if n := len(m.turns); n > 0 && m.turns[n-1].Role == dispatch.RoleAssistant {
			m.processing = true
			m.streamIndex = n - 1
		}
		m.refreshViewport(true)
		return m, m.startFlushTick()

	case dispatch.EventContentGrown:
		m.streamIndex = ev.Index
		m.buffer.Write(ev.Delta)
		if m.buffer.ShouldFlush() {
			if content, ok := m.buffer.Flush(); ok {
				m.applyFlush(content)
			}
		}
		return m, nil

	case dispatch.EventExchangeSettled:
		// The snapshot holds the full settled content; buffered frames that
		// have not been applied yet would only duplicate it.
		m.buffer.Reset()
		m.turns = m.queue.Snapshot()
		m.streamIndex = -1
		if ev.Index >= 0 && ev.Index < len(m.turns) {
			t := m.turns[ev.Index]
			m.renderCache[t.ID] = m.renderer.Render(t.Content)
		}
		m.processing = m.queue.PendingLen() > 0
		if ev.Err != nil {
			m.statusMsg = relay.UserMessage(ev.Err)
		} else {
			m.statusMsg = ""
		}
		m.refreshViewport(true)
		return m, nil

	case dispatch.EventCleared:
		m.resetTranscript()
		m.refreshViewport(true)
		return m, nil
	}
	return m, nil
}

// handleFlushTick sweeps frames the size threshold is still holding and
// reschedules itself while a reply is in flight.
func (m Model) handleFlushTick() (tea.Model, tea.Cmd) {
	if content, ok := m.buffer.Flush(); ok {
		m.applyFlush(content)
	}
	if m.processing {
		return m, flushTickCmd()
	}
	m.ticking = false
	return m, nil
}

// startFlushTick begins the flush loop unless one is already running.
func (m *Model) startFlushTick() tea.Cmd {
	if !m.processing || m.ticking {
		return nil
	}
	m.ticking = true
	return flushTickCmd()
}

// applyFlush appends released frames to the in-flight turn.
func (m *Model) applyFlush(content string) {
	if m.streamIndex < 0 || m.streamIndex >= len(m.turns) {
		return
	}
	m.turns[m.streamIndex].Content += content
	m.refreshViewport(false)
}

// resetTranscript drops the render copy and its caches.
func (m *Model) resetTranscript() {
	m.turns = nil
	m.renderCache = make(map[string]string)
	m.streamIndex = -1
	m.processing = false
	m.buffer.Reset()
	m.optimizer.Reset()
}

// handleResize recomputes the layout and re-renders at the new width.
func (m Model) handleResize(msg tea.WindowSizeMsg) Model {
	m.width = msg.Width
	m.height = msg.Height

	m.textarea.SetWidth(msg.Width)

	headerH := lipgloss.Height(m.headerView())
	inputH := lipgloss.Height(m.textarea.View())
	vpH := msg.Height - headerH - inputH - 1
	if vpH < 1 {
		vpH = 1
	}
	m.viewport.Width = msg.Width
	m.viewport.Height = vpH
	m.ready = true

	wrap := m.wordWrap
	if msg.Width-2 < wrap {
		wrap = msg.Width - 2
	}
	if wrap < 20 {
		wrap = 20
	}
	m.renderer = render.New(m.theme, wrap)
	m.rebuildCache()
	m.refreshViewport(true)
	return m
}

// rebuildCache re-renders settled assistant turns, as after a width change.
// The in-flight turn stays raw; it re-renders when it settles.
func (m *Model) rebuildCache() {
	m.renderCache = make(map[string]string)
	for i, turn := range m.turns {
		if turn.Role != dispatch.RoleAssistant {
			continue
		}
		if m.processing && i == m.streamIndex {
			continue
		}
		m.renderCache[turn.ID] = m.renderer.Render(turn.Content)
	}
}

// refreshViewport rebuilds the transcript and applies it if it changed.
// force bypasses the content-hash skip, as after clears and resizes where
// identical text still needs a re-wrap.
func (m *Model) refreshViewport(force bool) {
	if force {
		m.optimizer.ForceUpdate()
	}
	content := m.renderTranscript()
	if !m.optimizer.ShouldUpdate(content) {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(content)
	if atBottom || force {
		m.viewport.GotoBottom()
	}
	m.optimizer.MarkClean()
}

// ===========================================================================
// VIEW
// ===========================================================================

// View renders the chat screen.
func (m Model) View() string {
	if !m.ready {
		return "\n  Starting..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.viewport.View(),
		m.textarea.View(),
		m.statusView(),
	)
}

func (m Model) headerView() string {
	title := titleStyle.Render("kaggle-chatbot")
	info := headerInfoStyle.Render(m.endpointLabel())
	gap := m.width - lipgloss.Width(title) - lipgloss.Width(info)
	if gap < 1 {
		return title
	}
	return title + strings.Repeat(" ", gap) + info
}

func (m Model) endpointLabel() string {
	if !m.client.Configured() {
		return "(not configured)"
	}
	label := m.endpointHost()
	if model := m.client.Model(); model != "" {
		label += " | " + model
	}
	return label
}

func (m Model) endpointHost() string {
	u, err := url.Parse(m.client.BaseURL())
	if err != nil || u.Host == "" {
		return m.client.BaseURL()
	}
	return u.Host
}

func (m Model) statusView() string {
	var left string
	switch {
	case m.processing:
		left = m.spinner.View() + statusStyle.Render(" waiting for reply")
	case m.statusMsg != "":
		left = statusErrStyle.Render(util.TruncateWidth(m.statusMsg, maxInt(m.width-20, 20)))
	default:
		left = statusStyle.Render(m.helpText())
	}

	right := statusStyle.Render(m.client.GetMode().String())
	if n := m.queue.PendingLen(); n > 0 {
		right = queueBadgeStyle.Render(fmt.Sprintf("%d queued", n)) + statusStyle.Render(" | ") + right
	}

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		return left
	}
	return left + strings.Repeat(" ", gap) + right
}

func (m Model) helpText() string {
	parts := make([]string, 0, 4)
	for _, b := range m.keys.ShortHelp() {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, "  ")
}

// renderTranscript builds the viewport content from the render copy.
func (m *Model) renderTranscript() string {
	if len(m.turns) == 0 {
		return m.welcomeView()
	}

	var b strings.Builder
	for i, turn := range m.turns {
		if i > 0 {
			b.WriteString("\n")
		}
		switch turn.Role {
		case dispatch.RoleUser:
			b.WriteString(userLabelStyle.Render("you"))
			b.WriteString("\n")
			b.WriteString(userTextStyle.Render(turn.Content))
			b.WriteString("\n")
		case dispatch.RoleAssistant:
			b.WriteString(assistantLabelStyle.Render("assistant"))
			b.WriteString("\n")
			if cached, ok := m.renderCache[turn.ID]; ok {
				b.WriteString(cached)
			} else if turn.Content == "" {
				b.WriteString(statusStyle.Render("..."))
				b.WriteString("\n")
			} else {
				b.WriteString(turn.Content)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func (m *Model) welcomeView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("kaggle-chatbot"))
	b.WriteString("\n\n")
	if m.client.Configured() {
		b.WriteString(statusStyle.Render("Endpoint: ") + m.endpointHost() + "\n")
		b.WriteString(statusStyle.Render("Model:    ") + m.client.Model() + "\n")
		b.WriteString(statusStyle.Render("Mode:     ") + m.client.GetMode().String() + "\n\n")
		b.WriteString("Type a message and press Enter.")
	} else {
		b.WriteString(statusErrStyle.Render("No endpoint configured.") + "\n\n")
		b.WriteString("Run " + queueBadgeStyle.Render("kaggle-chatbot setup") + " to point this client\nat your Kaggle tunnel, then come back.")
	}
	return welcomeBoxStyle.Render(b.String())
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/dispatch"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/render"
)

// ===========================================================================
// TEST HARNESS
// ===========================================================================

// stubExchanger settles immediately with a canned reply or error.
type stubExchanger struct {
	reply string
	err   error
}

func (s *stubExchanger) Configured() bool { return true }

func (s *stubExchanger) Exchange(ctx context.Context, messages []relay.ChatMessage, onFrame relay.FrameFunc) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if onFrame != nil {
		for _, word := range strings.SplitAfter(s.reply, " ") {
			onFrame(word)
		}
	}
	return s.reply, nil
}

// gatedExchanger blocks every exchange until release is closed, echoing the
// prompt back. Used to pin an exchange in flight.
type gatedExchanger struct {
	release chan struct{}
}

func (g *gatedExchanger) Configured() bool { return true }

func (g *gatedExchanger) Exchange(ctx context.Context, messages []relay.ChatMessage, onFrame relay.FrameFunc) (string, error) {
	<-g.release
	reply := "echo: " + messages[len(messages)-1].Content
	if onFrame != nil {
		onFrame(reply)
	}
	return reply, nil
}

// newTestModel wires a model to a real queue whose events land on a channel,
// the same path main drives through Program.Send.
func newTestModel(ex relay.Exchanger) (Model, chan dispatch.Event) {
	q := dispatch.NewQueue(ex)
	events := make(chan dispatch.Event, 64)
	q.SetNotify(func(ev dispatch.Event) { events <- ev })

	client := relay.New().
		WithBaseURL("https://shiny-lamp.loca.lt").
		WithAPIKey("sk-test")

	return New(Options{Queue: q, Client: client, Theme: "dark", WordWrap: 80}), events
}

func pressKey(m Model, k tea.KeyType) Model {
	updated, _ := m.Update(tea.KeyMsg{Type: k})
	return updated.(Model)
}

// feedUntil folds queue events into the model until done reports true.
func feedUntil(t *testing.T, m Model, events chan dispatch.Event, done func(dispatch.Event) bool) Model {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			updated, _ := m.Update(QueueEventMsg{Event: ev})
			m = updated.(Model)
			if done(ev) {
				return m
			}
		case <-deadline:
			t.Fatal("queue event did not arrive before deadline")
		}
	}
}

func feedUntilSettled(t *testing.T, m Model, events chan dispatch.Event) Model {
	t.Helper()
	return feedUntil(t, m, events, func(ev dispatch.Event) bool {
		return ev.Kind == dispatch.EventExchangeSettled
	})
}

// ===========================================================================
// CONSTRUCTION
// ===========================================================================

func TestNew_Defaults(t *testing.T) {
	q := dispatch.NewQueue(&stubExchanger{reply: "ok"})
	m := New(Options{Queue: q, Client: relay.New()})

	if m.wordWrap != render.DefaultWordWrap {
		t.Errorf("wordWrap = %d, expected default %d", m.wordWrap, render.DefaultWordWrap)
	}
	if m.streamIndex != -1 {
		t.Errorf("streamIndex = %d, expected -1", m.streamIndex)
	}
	if m.processing {
		t.Error("processing = true on a fresh model")
	}
	if len(m.turns) != 0 {
		t.Errorf("turns = %d, expected empty", len(m.turns))
	}
}

func TestNew_AdoptsExistingTranscript(t *testing.T) {
	q := dispatch.NewQueue(&stubExchanger{reply: "ok"})
	settled := make(chan struct{}, 1)
	q.SetNotify(func(ev dispatch.Event) {
		if ev.Kind == dispatch.EventExchangeSettled {
			settled <- struct{}{}
		}
	})
	if err := q.Submit("hello"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("exchange did not settle")
	}

	m := New(Options{Queue: q, Client: relay.New()})
	if len(m.turns) != 2 {
		t.Fatalf("turns = %d, expected the existing transcript to be adopted", len(m.turns))
	}
}

// ===========================================================================
// SUBMIT FLOW
// ===========================================================================

func TestModel_SubmitRunsExchange(t *testing.T) {
	m, events := newTestModel(&stubExchanger{reply: "hello back"})

	m.textarea.SetValue("hi there")
	m = pressKey(m, tea.KeyEnter)

	if got := m.textarea.Value(); got != "" {
		t.Errorf("textarea.Value() = %q after submit, expected cleared", got)
	}

	m = feedUntilSettled(t, m, events)

	if len(m.turns) != 2 {
		t.Fatalf("turns = %d, expected 2", len(m.turns))
	}
	if m.turns[0].Role != dispatch.RoleUser || m.turns[0].Content != "hi there" {
		t.Errorf("turn 0 = %s %q", m.turns[0].Role, m.turns[0].Content)
	}
	if m.turns[1].Role != dispatch.RoleAssistant || m.turns[1].Content != "hello back" {
		t.Errorf("turn 1 = %s %q", m.turns[1].Role, m.turns[1].Content)
	}
	if m.processing {
		t.Error("processing = true after settle with nothing queued")
	}
	if _, ok := m.renderCache[m.turns[1].ID]; !ok {
		t.Error("settled assistant turn was not render-cached")
	}
	if m.statusMsg != "" {
		t.Errorf("statusMsg = %q after a clean settle, expected empty", m.statusMsg)
	}
}

func TestModel_SubmitEmptyIgnored(t *testing.T) {
	m, _ := newTestModel(&stubExchanger{reply: "never"})

	m.textarea.SetValue("   ")
	m = pressKey(m, tea.KeyEnter)

	if got := len(m.queue.Snapshot()); got != 0 {
		t.Errorf("Snapshot() = %d turns after blank submit, expected 0", got)
	}
	if m.statusMsg != "" {
		t.Errorf("statusMsg = %q, expected empty", m.statusMsg)
	}
}

func TestModel_SubmitUnconfiguredShowsStatus(t *testing.T) {
	q := dispatch.NewQueue(relay.New())
	m := New(Options{Queue: q, Client: relay.New()})

	m.textarea.SetValue("hello")
	m = pressKey(m, tea.KeyEnter)

	if m.statusMsg == "" {
		t.Error("statusMsg empty after submitting without an endpoint")
	}
	if got := m.textarea.Value(); got != "hello" {
		t.Errorf("textarea.Value() = %q, rejected input should stay put", got)
	}
}

func TestModel_SubmitWhileBusyQueues(t *testing.T) {
	gate := &gatedExchanger{release: make(chan struct{})}
	m, events := newTestModel(gate)

	m.textarea.SetValue("first")
	m = pressKey(m, tea.KeyEnter)

	// The assistant placeholder append means the worker holds "first", so
	// the next submission has to queue behind it.
	m = feedUntil(t, m, events, func(ev dispatch.Event) bool {
		return ev.Kind == dispatch.EventTurnAppended && ev.Index == 1
	})
	if !m.processing {
		t.Fatal("processing = false with an exchange in flight")
	}

	m.textarea.SetValue("second")
	m = pressKey(m, tea.KeyEnter)
	if got := m.queue.PendingLen(); got != 1 {
		t.Fatalf("PendingLen() = %d, expected 1", got)
	}

	close(gate.release)
	settles := 0
	m = feedUntil(t, m, events, func(ev dispatch.Event) bool {
		if ev.Kind == dispatch.EventExchangeSettled {
			settles++
		}
		return settles == 2
	})

	if len(m.turns) != 4 {
		t.Fatalf("turns = %d, expected 4", len(m.turns))
	}
	wantOrder := []string{"first", "echo: first", "second", "echo: second"}
	for i, want := range wantOrder {
		if m.turns[i].Content != want {
			t.Errorf("turn %d = %q, expected %q", i, m.turns[i].Content, want)
		}
	}
	if m.processing {
		t.Error("processing = true after the queue drained")
	}
}

func TestModel_ErrorSettleSetsStatus(t *testing.T) {
	m, events := newTestModel(&stubExchanger{err: relay.ErrUnreachable})

	m.textarea.SetValue("hi")
	m = pressKey(m, tea.KeyEnter)
	m = feedUntilSettled(t, m, events)

	want := relay.UserMessage(relay.ErrUnreachable)
	if m.statusMsg != want {
		t.Errorf("statusMsg = %q, expected %q", m.statusMsg, want)
	}
	if len(m.turns) != 2 || !strings.HasPrefix(m.turns[1].Content, "⚠ ") {
		t.Errorf("failed turn = %q, expected the failure marker", m.turns[1].Content)
	}
}

// ===========================================================================
// KEY HANDLING
// ===========================================================================

func TestModel_ClearResetsTranscript(t *testing.T) {
	m, events := newTestModel(&stubExchanger{reply: "reply"})

	m.textarea.SetValue("hi")
	m = pressKey(m, tea.KeyEnter)
	m = feedUntilSettled(t, m, events)

	m = pressKey(m, tea.KeyCtrlL)

	if len(m.turns) != 0 {
		t.Errorf("turns = %d after clear, expected 0", len(m.turns))
	}
	if len(m.renderCache) != 0 {
		t.Errorf("renderCache = %d entries after clear, expected 0", len(m.renderCache))
	}
	if got := len(m.queue.Snapshot()); got != 0 {
		t.Errorf("queue Snapshot() = %d turns after clear, expected 0", got)
	}

	// The queue's own cleared event follows; folding it in is a no-op.
	m = feedUntil(t, m, events, func(ev dispatch.Event) bool {
		return ev.Kind == dispatch.EventCleared
	})
	if len(m.turns) != 0 {
		t.Error("cleared event resurrected turns")
	}
}

func TestModel_CancelIdleIsNoop(t *testing.T) {
	m, _ := newTestModel(&stubExchanger{reply: "ok"})

	m = pressKey(m, tea.KeyEsc)

	if m.statusMsg != "" {
		t.Errorf("statusMsg = %q after idle esc, expected empty", m.statusMsg)
	}
}

func TestModel_QuitReturnsQuitCmd(t *testing.T) {
	m, _ := newTestModel(&stubExchanger{reply: "ok"})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c did not produce tea.Quit")
	}
}

// ===========================================================================
// LAYOUT AND VIEW
// ===========================================================================

func TestModel_ResizeComputesLayout(t *testing.T) {
	m, _ := newTestModel(&stubExchanger{reply: "ok"})

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = updated.(Model)

	if !m.ready {
		t.Fatal("ready = false after the first resize")
	}
	if m.viewport.Width != 100 {
		t.Errorf("viewport.Width = %d, expected 100", m.viewport.Width)
	}
	if m.viewport.Height <= 0 || m.viewport.Height >= 40 {
		t.Errorf("viewport.Height = %d, expected the terminal height minus chrome", m.viewport.Height)
	}
}

func TestModel_ResizeRebuildsRenderCache(t *testing.T) {
	m, events := newTestModel(&stubExchanger{reply: "**bold** reply"})

	m.textarea.SetValue("hi")
	m = pressKey(m, tea.KeyEnter)
	m = feedUntilSettled(t, m, events)

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 60, Height: 30})
	m = updated.(Model)

	if _, ok := m.renderCache[m.turns[1].ID]; !ok {
		t.Error("settled turn missing from the cache after resize")
	}
}

func TestModel_ViewBeforeResize(t *testing.T) {
	m, _ := newTestModel(&stubExchanger{reply: "ok"})

	if view := m.View(); !strings.Contains(view, "Starting") {
		t.Errorf("View() before first resize = %q", view)
	}
}

func TestModel_TranscriptShowsTurns(t *testing.T) {
	m, events := newTestModel(&stubExchanger{reply: "the reply text"})

	m.textarea.SetValue("the question")
	m = pressKey(m, tea.KeyEnter)
	m = feedUntilSettled(t, m, events)

	transcript := m.renderTranscript()
	if !strings.Contains(transcript, "the question") {
		t.Error("transcript missing the user prompt")
	}
	if !strings.Contains(transcript, "the reply text") {
		t.Error("transcript missing the assistant reply")
	}
}

func TestModel_WelcomeWhenUnconfigured(t *testing.T) {
	q := dispatch.NewQueue(relay.New())
	m := New(Options{Queue: q, Client: relay.New()})

	welcome := m.renderTranscript()
	if !strings.Contains(welcome, "setup") {
		t.Errorf("welcome = %q, expected a pointer at setup", welcome)
	}
}

func TestModel_EndpointHost(t *testing.T) {
	m, _ := newTestModel(&stubExchanger{reply: "ok"})

	if got := m.endpointHost(); got != "shiny-lamp.loca.lt" {
		t.Errorf("endpointHost() = %q, expected %q", got, "shiny-lamp.loca.lt")
	}
}

func TestModel_HelpText(t *testing.T) {
	m, _ := newTestModel(&stubExchanger{reply: "ok"})

	help := m.helpText()
	for _, want := range []string{"enter send", "esc cancel", "ctrl+l clear", "ctrl+c quit"} {
		if !strings.Contains(help, want) {
			t.Errorf("helpText() = %q, missing %q", help, want)
		}
	}
}

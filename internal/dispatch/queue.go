// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch owns the conversation transcript and the ordering of
// exchanges against the upstream. Submissions enqueue without blocking, at
// most one exchange is in flight at a time, and a failed exchange never
// stalls the ones queued behind it.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
)

// =============================================================================
// TURNS AND EVENTS
// =============================================================================

// Role identifies who authored a turn. The set is closed: transcripts only
// ever hold user and assistant turns, the system preamble lives upstream.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one transcript entry. Content on assistant turns grows by
// appending while its exchange streams.
type Turn struct {
	ID      string
	Role    Role
	Content string
}

// EventKind discriminates queue notifications.
type EventKind int

const (
	// EventTurnAppended fires when a turn joins the transcript.
	EventTurnAppended EventKind = iota
	// EventContentGrown fires when a streaming frame lands on a turn.
	EventContentGrown
	// EventExchangeSettled fires when an exchange reaches a terminal state.
	// Err is nil on success.
	EventExchangeSettled
	// EventCleared fires when the conversation is reset.
	EventCleared
)

// Event notifies observers of transcript changes. Index addresses the turn
// concerned; Delta carries the appended text for EventContentGrown.
type Event struct {
	Kind  EventKind
	Index int
	Delta string
	Err   error
}

// ErrEmptyMessage rejects submissions with no content after normalization.
var ErrEmptyMessage = errors.New("message is empty")

// markerPrefix flags error text inside an assistant turn.
const markerPrefix = "⚠ "

// =============================================================================
// QUEUE
// =============================================================================

// Queue is the single owner of the conversation state. All mutation goes
// through its methods under one lock; renderers get copies, never references
// into the live transcript.
//
// Processing is single-flight: a busy flag is set under the lock before the
// worker starts and cleared when the pending queue drains. After the clear,
// the worker re-checks for submissions that raced the teardown, so a prompt
// enqueued at that moment is never left unserviced.
type Queue struct {
	mu         sync.Mutex
	transcript []Turn
	pending    []string
	busy       bool
	activeID   string
	gen        uint64

	exchanger relay.Exchanger
	cancelMgr *cancelManager
	notify    func(Event)
}

// NewQueue creates a queue driving the given exchanger.
func NewQueue(exchanger relay.Exchanger) *Queue {
	return &Queue{
		exchanger: exchanger,
		cancelMgr: newCancelManager(),
	}
}

// SetNotify installs the observer callback. Callbacks run outside the queue
// lock; implementations may call back into the queue freely.
func (q *Queue) SetNotify(fn func(Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit appends the prompt to the transcript, enqueues it for exchange and
// returns immediately. It rejects before touching the transcript when no
// endpoint is configured. Input is NFC-normalized so visually identical
// prompts compare equal regardless of how the terminal composed them.
func (q *Queue) Submit(text string) error {
	if q.exchanger == nil || !q.exchanger.Configured() {
		return relay.ErrConfigMissing
	}

	text = strings.TrimSpace(norm.NFC.String(text))
	if text == "" {
		return ErrEmptyMessage
	}

	q.mu.Lock()
	q.transcript = append(q.transcript, Turn{
		ID:      uuid.New().String(),
		Role:    RoleUser,
		Content: text,
	})
	index := len(q.transcript) - 1
	q.pending = append(q.pending, text)

	start := !q.busy
	if start {
		q.busy = true
	}
	gen := q.gen
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify(Event{Kind: EventTurnAppended, Index: index})
	}
	if start {
		go q.processLoop(gen)
	}
	return nil
}

// =============================================================================
// PROCESSING
// =============================================================================

// processLoop drains the pending queue one exchange at a time. The worker
// belongs to one generation of the conversation; when Clear moves the queue
// to a new generation, a superseded worker exits without touching state that
// is no longer its own.
func (q *Queue) processLoop(gen uint64) {
	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}

		if len(q.pending) == 0 {
			q.busy = false
			q.mu.Unlock()

			// A submission that observed busy=true during this teardown
			// must not be left unserviced.
			if !q.reclaim(gen) {
				return
			}
			continue
		}

		q.pending = q.pending[1:]

		placeholder := Turn{ID: uuid.New().String(), Role: RoleAssistant}
		q.transcript = append(q.transcript, placeholder)
		index := len(q.transcript) - 1
		q.activeID = placeholder.ID

		// Snapshot excludes the placeholder: the upstream must never see
		// the empty assistant turn reserved for its own reply.
		snapshot := make([]relay.ChatMessage, 0, index)
		for _, turn := range q.transcript[:index] {
			snapshot = append(snapshot, relay.ChatMessage{Role: string(turn.Role), Content: turn.Content})
		}
		notify := q.notify
		q.mu.Unlock()

		if notify != nil {
			notify(Event{Kind: EventTurnAppended, Index: index})
		}

		q.runExchange(placeholder.ID, index, snapshot)
	}
}

// reclaim re-checks the pending queue after the busy flag was cleared and
// takes ownership again when work arrived in the gap.
func (q *Queue) reclaim(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen == gen && len(q.pending) > 0 && !q.busy {
		q.busy = true
		return true
	}
	return false
}

// runExchange performs one exchange and applies its terminal state to the
// placeholder turn. Every path through here settles the exchange; errors
// are written into the transcript, never propagated.
func (q *Queue) runExchange(exchangeID string, index int, snapshot []relay.ChatMessage) {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancelMgr.set(cancel)
	defer q.cancelMgr.clear()

	_, err := q.exchanger.Exchange(ctx, snapshot, func(text string) {
		q.applyFrame(exchangeID, index, text)
	})

	switch {
	case err == nil:
		q.settle(exchangeID, index, nil)
	case errors.Is(err, context.Canceled):
		q.markCanceled(exchangeID, index)
	default:
		q.fail(exchangeID, index, err)
	}
}

// applyFrame appends one decoded frame to the placeholder. Frames from an
// exchange that is no longer active are dropped: after Clear, a late frame
// must not resurrect discarded conversation state.
func (q *Queue) applyFrame(exchangeID string, index int, text string) {
	q.mu.Lock()
	if q.activeID != exchangeID || index >= len(q.transcript) {
		q.mu.Unlock()
		return
	}
	q.transcript[index].Content += text
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify(Event{Kind: EventContentGrown, Index: index, Delta: text})
	}
}

// settle marks a successful exchange terminal.
func (q *Queue) settle(exchangeID string, index int, err error) {
	q.mu.Lock()
	if q.activeID != exchangeID || index >= len(q.transcript) {
		q.mu.Unlock()
		return
	}
	q.activeID = ""
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify(Event{Kind: EventExchangeSettled, Index: index, Err: err})
	}
}

// fail rewrites the placeholder with an error-marked message. The failure
// stays inline in the conversation and the queue moves on to the next
// pending prompt.
func (q *Queue) fail(exchangeID string, index int, err error) {
	q.mu.Lock()
	if q.activeID != exchangeID || index >= len(q.transcript) {
		q.mu.Unlock()
		return
	}
	q.transcript[index].Content = markerPrefix + relay.UserMessage(err)
	q.activeID = ""
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify(Event{Kind: EventExchangeSettled, Index: index, Err: err})
	}
}

// markCanceled settles a user-canceled exchange. Partial content already
// streamed stays visible with a cancellation marker behind it.
func (q *Queue) markCanceled(exchangeID string, index int) {
	q.mu.Lock()
	if q.activeID != exchangeID || index >= len(q.transcript) {
		q.mu.Unlock()
		return
	}
	if q.transcript[index].Content == "" {
		q.transcript[index].Content = markerPrefix + "Canceled."
	} else {
		q.transcript[index].Content += "\n\n" + markerPrefix + "(canceled)"
	}
	q.activeID = ""
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify(Event{Kind: EventExchangeSettled, Index: index, Err: context.Canceled})
	}
}

// =============================================================================
// CONVERSATION CONTROL
// =============================================================================

// Clear resets the conversation: the in-flight exchange is canceled, the
// transcript and pending queue empty out, and the busy flag drops. Frames
// or terminal results still arriving from the canceled exchange find a new
// generation and are discarded.
func (q *Queue) Clear() {
	q.cancelMgr.cancel()

	q.mu.Lock()
	q.transcript = nil
	q.pending = nil
	q.busy = false
	q.activeID = ""
	q.gen++
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify(Event{Kind: EventCleared})
	}
}

// CancelActive cancels the in-flight exchange without touching the rest of
// the conversation. Queued prompts still run afterwards.
func (q *Queue) CancelActive() {
	q.cancelMgr.cancel()
}

// =============================================================================
// SNAPSHOTS AND QUERIES
// =============================================================================

// Snapshot returns a copy of the transcript for rendering. Readers tolerate
// staleness; the copy never aliases live state.
func (q *Queue) Snapshot() []Turn {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Turn, len(q.transcript))
	copy(out, q.transcript)
	return out
}

// Len returns the transcript length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.transcript)
}

// Busy reports whether an exchange is in flight or pending prompts remain.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// PendingLen returns the number of prompts waiting behind the active
// exchange.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

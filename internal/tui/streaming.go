// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// ===========================================================================
// STREAMING BUFFER
// ===========================================================================
//
// PERFORMANCE: streaming replies arrive one small frame at a time. Rebuilding
// and re-rendering the transcript per frame makes the viewport thrash at
// upstream token rate. The buffer accumulates frames and releases them in
// batches, bounded by both a frame count and a minimum interval between
// flushes.

const (
	// defaultBatchFrames flushes once this many frames have accumulated.
	defaultBatchFrames = 15

	// defaultMaxFPS caps viewport refreshes per second.
	defaultMaxFPS = 30
)

// StreamingBuffer batches streamed frames for display. Safe for concurrent
// use: the queue's notify callback writes from the worker goroutine while
// the program loop flushes.
type StreamingBuffer struct {
	mu          sync.Mutex
	pending     strings.Builder
	frameCount  int
	lastFlush   time.Time
	batchFrames int
	minFlushMs  int64
}

// NewStreamingBuffer returns a buffer with the default batching thresholds.
func NewStreamingBuffer() *StreamingBuffer {
	return NewStreamingBufferWithConfig(defaultBatchFrames, defaultMaxFPS)
}

// NewStreamingBufferWithConfig returns a buffer that flushes after batchFrames
// frames or when 1000/maxFPS milliseconds have passed since the last flush,
// whichever comes first.
func NewStreamingBufferWithConfig(batchFrames, maxFPS int) *StreamingBuffer {
	if batchFrames < 1 {
		batchFrames = 1
	}
	if maxFPS < 1 {
		maxFPS = 1
	}
	return &StreamingBuffer{
		batchFrames: batchFrames,
		minFlushMs:  int64(1000 / maxFPS),
		lastFlush:   time.Now(),
	}
}

// Write appends a frame to the buffer.
func (b *StreamingBuffer) Write(frame string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.WriteString(frame)
	b.frameCount++
}

// Flush returns the buffered content if either threshold has been reached.
// The second return reports whether anything was released.
func (b *StreamingBuffer) Flush() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frameCount == 0 {
		return "", false
	}
	sinceMs := time.Since(b.lastFlush).Milliseconds()
	if b.frameCount < b.batchFrames && sinceMs < b.minFlushMs {
		return "", false
	}
	return b.drain(), true
}

// ForceFlush returns whatever is buffered regardless of thresholds. Used on
// settle so the tail of a reply is never held back.
func (b *StreamingBuffer) ForceFlush() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frameCount == 0 {
		return "", false
	}
	return b.drain(), true
}

// ShouldFlush reports whether a Flush call would release content.
func (b *StreamingBuffer) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frameCount == 0 {
		return false
	}
	if b.frameCount >= b.batchFrames {
		return true
	}
	return time.Since(b.lastFlush).Milliseconds() >= b.minFlushMs
}

// Pending returns the number of frames waiting to be flushed.
func (b *StreamingBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frameCount
}

// Reset discards any buffered content.
func (b *StreamingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.Reset()
	b.frameCount = 0
	b.lastFlush = time.Now()
}

// drain empties the buffer. Caller must hold the lock.
func (b *StreamingBuffer) drain() string {
	content := b.pending.String()
	b.pending.Reset()
	b.frameCount = 0
	b.lastFlush = time.Now()
	return content
}

// ===========================================================================
// VIEWPORT OPTIMIZER
// ===========================================================================

// ViewportOptimizer skips viewport updates whose content is identical to the
// previous update. Spinner ticks and cursor blinks re-enter the update loop
// far more often than the transcript actually changes; comparing a content
// hash is cheaper than having the viewport re-wrap identical text.
type ViewportOptimizer struct {
	mu          sync.Mutex
	lastHash    string
	dirty       bool
	updateCount int64
	skipCount   int64
}

// NewViewportOptimizer returns an optimizer with no recorded content.
func NewViewportOptimizer() *ViewportOptimizer {
	return &ViewportOptimizer{}
}

// ShouldUpdate reports whether content differs from the last applied update
// and records it as applied when it does.
func (v *ViewportOptimizer) ShouldUpdate(content string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	h := hashContent(content)
	if v.lastHash != "" && h == v.lastHash {
		v.skipCount++
		return false
	}
	v.lastHash = h
	v.dirty = true
	v.updateCount++
	return true
}

// MarkClean records that the pending update has been applied.
func (v *ViewportOptimizer) MarkClean() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dirty = false
}

// IsDirty reports whether an update is pending application.
func (v *ViewportOptimizer) IsDirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirty
}

// ForceUpdate clears the recorded hash so the next ShouldUpdate returns true
// even for identical content. Used after resizes, where the same text must
// re-wrap at the new width.
func (v *ViewportOptimizer) ForceUpdate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastHash = ""
}

// Reset clears the recorded content but keeps the counters.
func (v *ViewportOptimizer) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastHash = ""
	v.dirty = false
}

// GetStats returns the totals of applied and skipped updates and the skip
// ratio as a percentage.
func (v *ViewportOptimizer) GetStats() (updates, skips int64, efficiency float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	total := v.updateCount + v.skipCount
	if total == 0 {
		return 0, 0, 0
	}
	return v.updateCount, v.skipCount, float64(v.skipCount) / float64(total) * 100
}

// hashContent returns a stable fingerprint of content. Empty content hashes
// to the empty string so a cleared transcript always registers as a change.
func hashContent(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

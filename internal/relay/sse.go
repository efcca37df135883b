// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

// MaxEventSize limits a single SSE line (64KB). Lines beyond this are a
// protocol violation, not model output.
const MaxEventSize = 64 * 1024

// doneSentinel terminates the logical stream. Bytes after it are never decoded.
var doneSentinel = []byte("[DONE]")

// =============================================================================
// STREAM WIRE TYPES
// =============================================================================

// StreamChunk is one decoded chat-completions stream event.
type StreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice is a single choice within a stream chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

// StreamDelta carries the incremental content of a chunk.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// GetContent returns the text increment carried by this chunk, if any.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// IsDone reports whether the chunk carries a finish reason.
func (c *StreamChunk) IsDone() bool {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason != ""
	}
	return false
}

// GetFinishReason returns the finish reason, or "" while streaming.
func (c *StreamChunk) GetFinishReason() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return ""
}

// FrameFunc receives each decoded text increment in arrival order.
// Callbacks run synchronously on the exchange goroutine.
type FrameFunc func(text string)

// =============================================================================
// STREAM ERRORS
// =============================================================================

// StreamError wraps a mid-stream failure together with the content decoded
// before it. Callers decide whether the partial text is worth keeping.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream failed after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// SSE READER
// =============================================================================

// sseReader decodes server-sent events from a byte stream. Partial lines
// buffer inside the bufio.Reader until their newline arrives, so decode
// results do not depend on how the transport splits reads.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReaderSize(r, 4096)}
}

// readEvent returns the data payload of the next SSE event. Event name and
// id fields are ignored; comment lines (":" prefix) are keep-alives and are
// skipped. Returns io.EOF when the stream ends cleanly.
func (r *sseReader) readEvent() ([]byte, error) {
	var dataLines [][]byte

	for {
		line, err := r.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}

		if len(line) > MaxEventSize {
			return nil, fmt.Errorf("event line exceeds %d bytes", MaxEventSize)
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line ends the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		// Comment / keep-alive.
		if line[0] == ':' {
			continue
		}

		if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			dataLines = append(dataLines, bytes.TrimSpace(data))
			continue
		}

		// event:, id:, retry: and unknown fields are ignored.
	}
}

// =============================================================================
// STREAM ACCUMULATOR
// =============================================================================

// StreamAccumulator gathers frames into a reply and tracks timing stats.
type StreamAccumulator struct {
	content      strings.Builder
	chunkCount   int
	startTime    time.Time
	firstFrameAt time.Time
}

// NewStreamAccumulator creates an accumulator with the clock started.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{startTime: time.Now()}
}

// Add appends one frame of text.
func (a *StreamAccumulator) Add(text string) {
	if text == "" {
		return
	}
	if a.firstFrameAt.IsZero() {
		a.firstFrameAt = time.Now()
	}
	a.content.WriteString(text)
	a.chunkCount++
}

// Content returns everything accumulated so far.
func (a *StreamAccumulator) Content() string {
	return a.content.String()
}

// Frame returns a FrameFunc that feeds this accumulator.
func (a *StreamAccumulator) Frame() FrameFunc {
	return func(text string) { a.Add(text) }
}

// StreamStats summarizes a finished stream.
type StreamStats struct {
	ChunkCount       int
	Duration         time.Duration
	TimeToFirstFrame time.Duration
}

// Stats returns timing statistics for the stream so far.
func (a *StreamAccumulator) Stats() StreamStats {
	stats := StreamStats{
		ChunkCount: a.chunkCount,
		Duration:   time.Since(a.startTime),
	}
	if !a.firstFrameAt.IsZero() {
		stats.TimeToFirstFrame = a.firstFrameAt.Sub(a.startTime)
	}
	return stats
}

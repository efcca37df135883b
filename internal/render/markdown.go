// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render turns model output into terminal markup. Rendering is a
// pure text-to-text transformation: the same reply always produces the same
// markup, and a failed render degrades to the original text rather than an
// error.
package render

import (
	"github.com/charmbracelet/glamour"
)

// DefaultWordWrap is the wrap column used when the caller does not set one.
const DefaultWordWrap = 100

// Renderer renders markdown for terminal display. Construct with New; the
// zero value passes text through unchanged.
type Renderer struct {
	tr *glamour.TermRenderer
}

// New builds a Renderer for the given theme ("dark", "light", or "auto")
// and word wrap column. A failed glamour initialization is not fatal:
// Render then falls back to fence highlighting only.
func New(theme string, wordWrap int) *Renderer {
	if wordWrap <= 0 {
		wordWrap = DefaultWordWrap
	}

	style := glamour.WithAutoStyle()
	switch theme {
	case "dark":
		style = glamour.WithStandardStyle("dark")
	case "light":
		style = glamour.WithStandardStyle("light")
	}

	tr, err := glamour.NewTermRenderer(
		style,
		glamour.WithWordWrap(wordWrap),
	)
	if err != nil {
		tr = nil
	}
	return &Renderer{tr: tr}
}

// Render renders markdown content for terminal display. When the glamour
// renderer is unavailable or fails, fenced code blocks are still syntax
// highlighted and the rest of the text passes through unchanged.
func (r *Renderer) Render(content string) string {
	if r == nil || r.tr == nil {
		return HighlightFences(content)
	}

	rendered, err := r.tr.Render(content)
	if err != nil {
		return HighlightFences(content)
	}
	return rendered
}

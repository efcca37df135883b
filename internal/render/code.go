// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
)

// =============================================================================
// SYNTAX HIGHLIGHTING
// =============================================================================

// HighlightCode applies syntax highlighting to code using chroma. The
// language may be empty, in which case it is detected from the content.
// Returns the code unchanged when highlighting fails.
func HighlightCode(code, language string) string {
	// Get lexer for language
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	// Terminal-friendly style
	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}

	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}

// =============================================================================
// FENCE FALLBACK
// =============================================================================

// HighlightFences replaces markdown code fences with highlighted code,
// leaving the surrounding prose untouched. This is the degraded rendering
// path used when the full markdown renderer is unavailable.
func HighlightFences(text string) string {
	lines := strings.Split(text, "\n")
	var result []string
	var codeLines []string
	var language string
	inFence := false

	flush := func() {
		code := strings.Join(codeLines, "\n")
		result = append(result, HighlightCode(code, language))
		codeLines = nil
		language = ""
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			if inFence {
				flush()
				inFence = false
			} else {
				language = strings.TrimSpace(strings.TrimPrefix(line, "```"))
				inFence = true
			}
			continue
		}
		if inFence {
			codeLines = append(codeLines, line)
		} else {
			result = append(result, line)
		}
	}

	// Unclosed fence: highlight what arrived. Streaming output ends here
	// all the time.
	if inFence && len(codeLines) > 0 {
		flush()
	}

	return strings.Join(result, "\n")
}

// SPDX-License-Identifier: MIT

// Package normalize cleans strings that cross the portal boundary.
// The portal renders its catalogue and error texts as HTML, so scraped
// values arrive with NBSPs, zero-width characters and decomposed
// accents that break equality checks and look wrong in clients.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Token normalizes a string for matching:
// - trims Unicode whitespace + invisible edge characters
// - lowercases for case-insensitive comparisons
func Token(s string) string {
	return strings.ToLower(strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || isInvisible(r)
	}))
}

// DisplayName cleans a human-facing name scraped from portal HTML:
// NFC composition, zero-width characters dropped, every whitespace run
// (NBSP included) collapsed to one plain space, edges trimmed.
func DisplayName(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case isInvisible(r):
		case unicode.IsSpace(r):
			pendingSpace = true
		default:
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isInvisible(r rune) bool {
	return r == '\u200b' || // Zero Width Space
		r == '\u200c' || // Zero Width Non-Joiner
		r == '\u200d' || // Zero Width Joiner
		r == '\ufeff' // Zero Width Non-Breaking Space (BOM)
}

// Package persist writes finished reports somewhere durable. Writes are
// best-effort from the pipeline's point of view.
package persist

import (
	"context"
	"strings"
	"unicode"
)

// Sink stores one report per style label. A later report for the same style
// replaces the earlier one.
type Sink interface {
	Write(ctx context.Context, text, style string) error
}

// Nop discards reports.
type Nop struct{}

func (Nop) Write(context.Context, string, string) error { return nil }

// ObjectName maps a style label to a safe file name. An empty label becomes
// "default.txt"; anything outside letters, digits, '-' and '_' becomes '_'.
func ObjectName(style string) string {
	style = strings.TrimSpace(style)
	if style == "" {
		return "default.txt"
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, style) + ".txt"
}

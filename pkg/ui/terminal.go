package ui

import (
	"os"
	"strings"
	"unicode"

	"golang.org/x/term"
)

// Interactive reports whether f is a terminal that can redraw progress bars.
// TERM=dumb and pipes are not.
func Interactive(f *os.File) bool {
	if f == nil || os.Getenv("TERM") == "dumb" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Clean flattens s onto one line and drops control characters, so tool
// stderr quoted in an error cannot break the summary layout.
func Clean(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
			space = r == ' '
		}
	}
	return strings.TrimSpace(b.String())
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

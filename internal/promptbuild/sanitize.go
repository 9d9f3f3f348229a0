package promptbuild

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Sanitize normalizes caller-supplied text before it enters a prompt block.
// Applies NFKC normalization, strips control characters other than newline
// and tab, and neutralizes delimiter sequences so untrusted content cannot
// close the block early.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, blockOpen, "")
	s = strings.ReplaceAll(s, blockClose, "")
	// Runs of angle brackets could reassemble a delimiter downstream.
	s = collapseRuns(s, '<')
	s = collapseRuns(s, '>')
	return strings.TrimSpace(s)
}

func collapseRuns(s string, c byte) string {
	var b strings.Builder
	b.Grow(len(s))
	run := 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			run++
			if run > 1 {
				continue
			}
		} else {
			run = 0
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

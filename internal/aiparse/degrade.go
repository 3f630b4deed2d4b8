package aiparse

import (
	"fmt"
	"strings"

	"github.com/codefionn/pairspace/internal/consts"
)

// Excerpt returns at most consts.DegradedExcerptRunes runes of the raw body.
func (e *ParseError) Excerpt() string {
	return truncateRunes(e.Raw, consts.DegradedExcerptRunes)
}

// Degrade renders the visible stand-in for an unparseable reply.
func Degrade(err *ParseError) string {
	return fmt.Sprintf("[unreadable assistant reply: %s]\n%s", err.Reason, err.Excerpt())
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return strings.TrimRight(s[:i], " \n\t") + "…"
		}
		count++
	}
	return s
}

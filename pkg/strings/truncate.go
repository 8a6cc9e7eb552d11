package strings

import (
	"strings"
)

// MinTruncateLen is the smallest usable maxLen for Truncate. Anything
// shorter leaves no room for content plus the ellipsis.
const MinTruncateLen = 4

// Truncate flattens a string to a single line and caps it at maxLen
// runes, appending "..." when it had to cut. Upstream error text and
// tool descriptions pass through here before reaching external
// clients, so the cut must never split a multi-byte character.
func Truncate(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	// Fields collapses newlines, tabs and repeated spaces in one pass.
	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

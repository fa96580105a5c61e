package routing

import "strings"

// DefaultSanitizer strips UI-only annotation blocks of the form
// [[ui: ... ]] from message content and trims surrounding whitespace.
// Callers with richer message formats should supply their own Sanitizer.
func DefaultSanitizer(m Message) string {
	return strings.TrimSpace(stripUIBlocks(m.Content))
}

func stripUIBlocks(s string) string {
	const open, close = "[[ui:", "]]"
	for {
		start := strings.Index(s, open)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], close)
		if end == -1 {
			return s[:start]
		}
		s = s[:start] + s[start+end+len(close):]
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// Package stringutil provides common string utility functions.
package stringutil

// TruncateString returns at most the first maxLen bytes of s.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates s to maxLen bytes, replacing the tail
// with "..." when anything was cut. Very small budgets fall back to a plain
// truncation.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

package helpers

import (
	"regexp"
	"strings"
)

var whitespaceRE = regexp.MustCompile(`\s+`)

// CollapseWhitespace rewrites any run of whitespace (newlines included) as a
// single space and trims the ends.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

// Clip returns at most max characters of s, counting runes so multi-byte
// text is never cut mid-character. Non-positive max returns s unchanged.
func Clip(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Snippet clips s to max characters and appends an ellipsis when truncation
// happened.
func Snippet(s string, max int) string {
	clipped := Clip(s, max)
	if clipped != s {
		return clipped + "..."
	}
	return clipped
}

// Package prune shortens provider error text before it is stored or shown.
package prune

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxBytes bounds a stored failure reason.
	DefaultMaxBytes = 512
	marker          = " [...%d bytes omitted...] "
)

// Reason flattens s onto one line and, when it exceeds maxBytes, keeps its
// head and tail around an omission marker. maxBytes <= 0 uses DefaultMaxBytes.
func Reason(s string, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxBytes {
		return s
	}
	budget := maxBytes - len(fmt.Sprintf(marker, len(s)))
	if budget <= 0 {
		return safePrefix(s, maxBytes)
	}
	head := safePrefix(s, budget-budget/3)
	tail := safeSuffix(s, budget/3)
	omitted := len(s) - len(head) - len(tail)
	return head + fmt.Sprintf(marker, omitted) + tail
}

func safePrefix(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if maxBytes >= len(s) {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func safeSuffix(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if maxBytes >= len(s) {
		return s
	}
	start := len(s) - maxBytes
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

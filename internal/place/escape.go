package place

import (
	"strings"
	"unicode/utf8"
)

// textSpecials are the characters with meaning in the text-store query grammar.
const textSpecials = `=()|-!@~"&/\^$`

// Escape backslash-escapes every character of s that is special to the
// full-text query grammar.
func Escape(s string) string {
	if !strings.ContainsAny(s, textSpecials) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if r < utf8.RuneSelf && strings.IndexByte(textSpecials, byte(r)) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Unescape reverses Escape.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && strings.IndexByte(textSpecials, s[i+1]) >= 0 {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// IndexText prepares alternate names for the text store. The result is the
// escaped form of the longest rune prefix of altNames whose escaped length
// fits in maxLen runes, so an escape sequence is never cut in half.
func IndexText(altNames string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	var b strings.Builder
	used := 0
	for _, r := range altNames {
		special := r < utf8.RuneSelf && strings.IndexByte(textSpecials, byte(r)) >= 0
		cost := 1
		if special {
			cost = 2
		}
		if used+cost > maxLen {
			break
		}
		if special {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
		used += cost
	}
	return b.String()
}

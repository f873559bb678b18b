// Package tidfile encodes tiddlers to and from the engine's on-disk
// formats: .tid files, .meta companion files, title lists and dates.
package tidfile

import (
	"strings"
	"unicode"
)

// isListSpace matches the engine's list separator class: whitespace
// except the non-breaking space.
func isListSpace(r rune) bool {
	return r != '\u00a0' && unicode.IsSpace(r)
}

// ParseStringArray splits a title list such as "one [[two words]] three".
// Duplicate titles are dropped, keeping the first occurrence.
func ParseStringArray(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(v string) {
		if v == "" {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	runes := []rune(s)
	i := 0
	for i < len(runes) {
		for i < len(runes) && isListSpace(runes[i]) {
			i++
		}
		if i >= len(runes) {
			break
		}
		if strings.HasPrefix(string(runes[i:]), "[[") {
			if end := closingBrackets(runes, i+2); end >= 0 {
				add(string(runes[i+2 : end]))
				i = end + 2
				continue
			}
		}
		start := i
		for i < len(runes) && !isListSpace(runes[i]) {
			i++
		}
		add(string(runes[start:i]))
	}
	return out
}

// closingBrackets finds the "]]" that ends a bracketed title starting at
// from; it must be followed by a separator or the end of input.
func closingBrackets(runes []rune, from int) int {
	for j := from; j+1 < len(runes); j++ {
		if runes[j] != ']' || runes[j+1] != ']' {
			continue
		}
		if j+2 == len(runes) || isListSpace(runes[j+2]) {
			return j
		}
	}
	return -1
}

// StringifyList joins titles, bracketing any that contain whitespace.
func StringifyList(titles []string) string {
	parts := make([]string, 0, len(titles))
	for _, t := range titles {
		if strings.IndexFunc(t, isListSpace) >= 0 {
			parts = append(parts, "[["+t+"]]")
		} else {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

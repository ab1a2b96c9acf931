package utils

import "strings"

// NormalizeKey folds a title or artist name for fuzzy equality: lowercase,
// trimmed, inner whitespace collapsed to single spaces.
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeISRC strips separators and uppercases an ISRC for exact matching.
func NormalizeISRC(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

package util

import "strings"

// NormalizeHashtags prefixes every whitespace separated word with '#' unless
// it already has one. Blank input yields "".
func NormalizeHashtags(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if !strings.HasPrefix(w, "#") {
			words[i] = "#" + w
		}
	}
	return strings.Join(words, " ")
}

// FirstNonEmpty returns the first argument that is not blank after trimming.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

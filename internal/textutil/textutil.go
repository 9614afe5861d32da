// Package textutil holds the small text helpers shared by the catalog import
// and the conversation engine.
package textutil

import "strings"

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u", "Ü", "u", "Ñ", "n",
)

// Fold lower-cases s, strips Spanish accents and collapses inner whitespace,
// so "Gran  Formato" and "gran formato" compare equal.
func Fold(s string) string {
	s = accentFolder.Replace(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

// Key is Fold with spaces replaced by underscores, for header matching.
func Key(s string) string {
	return strings.ReplaceAll(Fold(s), " ", "_")
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// LastWords returns the last n words of s joined by single spaces.
func LastWords(s string, n int) string {
	words := strings.Fields(s)
	if n <= 0 {
		return ""
	}
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-n:], " ")
}

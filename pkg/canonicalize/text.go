package canonicalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Fold returns s in NFC, case-folded, with runs of non-alphanumeric
// characters collapsed to single spaces. The result is padded with one
// space on each side so phrase lookups respect word boundaries.
func Fold(s string) string {
	s = folder.String(norm.NFC.String(s))
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if b.Len() == 1 {
		return ""
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// ContainsPhrase reports whether folded text (as returned by Fold) contains
// phrase as whole words.
func ContainsPhrase(folded, phrase string) bool {
	p := Fold(phrase)
	if strings.TrimSpace(p) == "" {
		return false
	}
	return strings.Contains(folded, p)
}

// MatchPhrases returns the phrases found in text, in the order given.
func MatchPhrases(text string, phrases []string) []string {
	folded := Fold(text)
	var hits []string
	for _, p := range phrases {
		if ContainsPhrase(folded, p) {
			hits = append(hits, p)
		}
	}
	return hits
}

// Words splits text into folded words.
func Words(text string) []string {
	return strings.Fields(Fold(text))
}

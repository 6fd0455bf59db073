// Package publisher compares publisher names as they appear in citation
// metadata, where case, punctuation and spacing drift between sources.
package publisher

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Matcher treats publisher names as equal when their normalized forms match.
// It is safe for concurrent use.
type Matcher struct{}

// NewMatcher builds a Matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Same reports whether a and b name the same publisher.
func (m *Matcher) Same(a, b string) bool {
	na, nb := m.Normalize(a), m.Normalize(b)
	return na != "" && na == nb
}

// Normalize folds case, applies NFKC, drops punctuation and collapses spaces.
func (m *Matcher) Normalize(name string) string {
	// A Caser carries state, so each call gets its own.
	folded := cases.Fold().String(norm.NFKC.String(name))
	var b strings.Builder
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

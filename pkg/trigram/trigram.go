// Package trigram computes word trigram similarity with the same semantics as Postgres pg_trgm,
// so in-memory matching agrees with the similarity() the database index answers.
package trigram

import (
	"strings"
	"unicode"
)

// Set returns the distinct trigrams of s. Each alphanumeric word is lower-cased and padded with
// two leading blanks and one trailing blank before trigrams are taken.
func Set(s string) map[string]struct{} {
	out := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		padded := []rune("  " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			out[string(padded[i:i+3])] = struct{}{}
		}
	}
	return out
}

// Similarity is |A ∩ B| / |A ∪ B| over the trigram sets of a and b, in [0, 1].
func Similarity(a, b string) float64 {
	ta, tb := Set(a), Set(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	return float64(shared) / float64(union)
}

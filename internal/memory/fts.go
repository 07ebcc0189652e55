package memory

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxMatchTerms = 16

// ignoredTerms are FTS5 operators plus filler words that only add noise to
// similarity lookups.
var ignoredTerms = map[string]bool{
	"and": true, "or": true, "not": true, "near": true,
	"the": true, "an": true, "is": true, "are": true, "was": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
}

// matchQuery turns free text into an FTS5 expression of quoted terms joined
// with OR. Quoting every term keeps chat text from being parsed as query
// syntax. It returns "" when nothing searchable remains.
func matchQuery(text string) string {
	terms := searchTerms(text)
	if len(terms) == 0 {
		return ""
	}
	var b strings.Builder
	for i, term := range terms {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteByte('"')
		b.WriteString(term)
		b.WriteByte('"')
	}
	return b.String()
}

func searchTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 || ignoredTerms[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
		if len(terms) == maxMatchTerms {
			break
		}
	}
	return terms
}

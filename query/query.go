// Package query parses the user-facing search language into its parts:
// semantic terms, quoted phrases, metadata filters, exclusions, and the
// boolean operator used for keyword matching.
package query

import (
	"strings"
	"unicode/utf8"
)

// Filter is a `field:value` metadata constraint.
type Filter struct {
	Field string
	Value string
}

// Query is the parsed form of a search string.
type Query struct {
	SemanticTerms []string
	Phrases       []string
	Filters       []Filter
	ExcludeTerms  []string
	BooleanOp     string // "AND" (default) or "OR"
}

// Parse tokenizes a raw query. Double-quoted substrings become phrases,
// `field:value` tokens become filters, `-term` tokens become exclusions,
// a free-standing OR (case-insensitive) flips the boolean operator, and
// everything else is a semantic term.
func Parse(raw string) *Query {
	q := &Query{BooleanOp: "AND"}

	// Pull out quoted phrases first so their content is not tokenized.
	rest := raw
	for {
		start := strings.IndexByte(rest, '"')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start+1:], '"')
		if end < 0 {
			// Unbalanced quote: treat the rest as plain tokens.
			rest = rest[:start] + " " + rest[start+1:]
			break
		}
		phrase := strings.TrimSpace(rest[start+1 : start+1+end])
		if phrase != "" {
			q.Phrases = append(q.Phrases, phrase)
		}
		rest = rest[:start] + " " + rest[start+2+end:]
	}

	for _, tok := range strings.Fields(rest) {
		switch {
		case strings.EqualFold(tok, "OR"):
			q.BooleanOp = "OR"
		case strings.HasPrefix(tok, "-") && len(tok) > 1:
			q.ExcludeTerms = append(q.ExcludeTerms, tok[1:])
		case isFilter(tok):
			i := strings.IndexByte(tok, ':')
			q.Filters = append(q.Filters, Filter{Field: tok[:i], Value: tok[i+1:]})
		default:
			q.SemanticTerms = append(q.SemanticTerms, tok)
		}
	}
	return q
}

// isFilter reports whether tok looks like field:value with non-empty halves.
// Tokens like "12:30" still qualify; unknown fields simply match nothing.
func isFilter(tok string) bool {
	i := strings.IndexByte(tok, ':')
	return i > 0 && i < len(tok)-1
}

// SemanticQuery joins the semantic terms and phrases into the string that
// gets embedded. It carries no quotes, exclusion prefixes, or filter syntax.
func (q *Query) SemanticQuery() string {
	parts := make([]string, 0, len(q.SemanticTerms)+len(q.Phrases))
	parts = append(parts, q.SemanticTerms...)
	parts = append(parts, q.Phrases...)
	return strings.Join(parts, " ")
}

// FTSQuery builds the FTS5 match expression: phrases stay quoted verbatim,
// bare terms are sanitized and joined by the boolean operator. Bare terms
// shorter than three characters are left out: the keyword index is
// trigram-tokenized, so such a term matches no row. Returns "" when nothing
// keyword-searchable remains.
func (q *Query) FTSQuery() string {
	var parts []string
	for _, p := range q.Phrases {
		parts = append(parts, `"`+strings.ReplaceAll(p, `"`, ``)+`"`)
	}
	for _, t := range q.SemanticTerms {
		if s := sanitizeTerm(t); utf8.RuneCountInString(s) >= 3 {
			parts = append(parts, `"`+s+`"`)
		}
	}
	return strings.Join(parts, " "+q.BooleanOp+" ")
}

// sanitizeTerm strips FTS5 operator characters from a bare term.
func sanitizeTerm(t string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '"', '*', '(', ')', '+', '-', '^', ':', '?', '[', ']', '{', '}', '!', ',', ';':
			return -1
		}
		return r
	}, t)
}

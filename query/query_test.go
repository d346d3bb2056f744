package query

import (
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Query
	}{
		{
			name: "bare terms default to AND",
			in:   "capital of France",
			want: Query{SemanticTerms: []string{"capital", "of", "France"}, BooleanOp: "AND"},
		},
		{
			name: "quoted phrase",
			in:   `find "exact phrase" here`,
			want: Query{SemanticTerms: []string{"find", "here"}, Phrases: []string{"exact phrase"}, BooleanOp: "AND"},
		},
		{
			name: "full syntax",
			in:   `UniqueKeyword -draft author:alice "exact phrase"`,
			want: Query{
				SemanticTerms: []string{"UniqueKeyword"},
				Phrases:       []string{"exact phrase"},
				Filters:       []Filter{{Field: "author", Value: "alice"}},
				ExcludeTerms:  []string{"draft"},
				BooleanOp:     "AND",
			},
		},
		{
			name: "free-standing OR flips the operator",
			in:   "cats OR dogs",
			want: Query{SemanticTerms: []string{"cats", "dogs"}, BooleanOp: "OR"},
		},
		{
			name: "lowercase or also flips",
			in:   "cats or dogs",
			want: Query{SemanticTerms: []string{"cats", "dogs"}, BooleanOp: "OR"},
		},
		{
			name: "lone dash is a semantic term",
			in:   "a - b",
			want: Query{SemanticTerms: []string{"a", "-", "b"}, BooleanOp: "AND"},
		},
		{
			name: "unbalanced quote degrades to terms",
			in:   `broken "quote here`,
			want: Query{SemanticTerms: []string{"broken", "quote", "here"}, BooleanOp: "AND"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.in)
			if !reflect.DeepEqual(*got, tt.want) {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.in, *got, tt.want)
			}
		})
	}
}

func TestSemanticQueryCarriesNoSyntax(t *testing.T) {
	queries := []string{
		`UniqueKeyword -draft author:alice "exact phrase"`,
		`"only a phrase"`,
		`-excluded -also:filtered plain`,
		`a OR b field:v "p q" -x`,
	}
	for _, raw := range queries {
		sem := Parse(raw).SemanticQuery()
		if strings.Contains(sem, `"`) {
			t.Errorf("SemanticQuery(%q) = %q contains quotes", raw, sem)
		}
		for _, tok := range strings.Fields(sem) {
			if strings.HasPrefix(tok, "-") {
				t.Errorf("SemanticQuery(%q) = %q contains exclusion prefix", raw, sem)
			}
			if i := strings.IndexByte(tok, ':'); i > 0 && i < len(tok)-1 {
				t.Errorf("SemanticQuery(%q) = %q contains filter token %q", raw, sem, tok)
			}
		}
	}
}

func TestFTSQueryPreservesPhrases(t *testing.T) {
	q := Parse(`hello "rough seas ahead" world`)
	fts := q.FTSQuery()
	if !strings.Contains(fts, `"rough seas ahead"`) {
		t.Errorf("FTSQuery = %q, want phrase preserved verbatim", fts)
	}
	if !strings.Contains(fts, " AND ") {
		t.Errorf("FTSQuery = %q, want AND joins", fts)
	}

	q = Parse(`hello OR world`)
	if fts := q.FTSQuery(); !strings.Contains(fts, " OR ") {
		t.Errorf("FTSQuery = %q, want OR joins", fts)
	}
}

func TestFTSQueryEmptyForFilterOnly(t *testing.T) {
	q := Parse(`author:alice`)
	if fts := q.FTSQuery(); fts != "" {
		t.Errorf("FTSQuery = %q, want empty for filter-only query", fts)
	}
}

// Package sentence segments plain text into sentences for the chunker and
// the PDF boundary filter.
package sentence

import (
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// Segmenter splits text into sentence segments. Safe for concurrent use.
type Segmenter struct {
	tok *sentences.DefaultSentenceTokenizer
}

// NewSegmenter builds a Segmenter backed by the bundled English training data.
func NewSegmenter() (*Segmenter, error) {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, err
	}
	return &Segmenter{tok: tok}, nil
}

// Segment returns the non-empty sentences of text in order. Hard line breaks
// are treated as segment boundaries first, so headings and footer lines that
// carry no terminal punctuation still come out as their own segments.
func (s *Segmenter) Segment(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, sent := range s.tok.Tokenize(line) {
			t := strings.TrimSpace(sent.Text)
			if t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

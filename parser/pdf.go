package parser

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/RobThePCGuy/rag-vault-sub003/embedder"
	"github.com/RobThePCGuy/rag-vault-sub003/sentence"
)

// PDFParser extracts text from PDFs in visual reading order and strips
// repeated header/footer material with the embedding-based boundary filter.
type PDFParser struct {
	emb embedder.Provider
	seg *sentence.Segmenter
	cfg BoundaryConfig
}

// NewPDFParser builds a PDF parser. The embedder powers the boundary filter.
func NewPDFParser(emb embedder.Provider, seg *sentence.Segmenter) *PDFParser {
	return &PDFParser{emb: emb, seg: seg, cfg: DefaultBoundaryConfig()}
}

func (p *PDFParser) Extensions() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	pages := make([][]string, 0, totalPages)

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := extractPageTextOrdered(page)
		if err != nil {
			// Skip pages that fail to extract.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, p.seg.Segment(text))
	}

	if len(pages) == 0 {
		return "", fmt.Errorf("unable to extract text from PDF: %s", path)
	}

	filtered, err := FilterBoundaries(ctx, pages, p.emb, p.cfg)
	if err != nil {
		return "", fmt.Errorf("filtering page boundaries: %w", err)
	}

	var parts []string
	for _, sents := range filtered {
		if len(sents) == 0 {
			continue
		}
		parts = append(parts, strings.Join(sents, "\n"))
	}
	result := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if result == "" {
		return "", fmt.Errorf("PDF contains no body text after boundary filtering: %s", path)
	}
	return result, nil
}

// extractPageTextOrdered extracts text from a PDF page sorted by visual
// position (top-to-bottom). The default GetPlainText reads text in PDF
// object order which can differ from visual layout — headings may appear
// after the body text they label.
//
// Content() elements are grouped into visual lines by Y proximity
// (preserving the content-stream order within each line, which keeps
// character sequencing correct), then the lines are sorted by Y.
func extractPageTextOrdered(page pdf.Page) (string, error) {
	content := page.Content()
	if len(content.Text) == 0 {
		return page.GetPlainText(nil)
	}

	const lineTolerance = 3.0

	type visualLine struct {
		y   float64 // representative Y (from first element)
		buf strings.Builder
	}

	var lines []*visualLine
	var cur *visualLine

	for _, t := range content.Text {
		if cur == nil || math.Abs(t.Y-cur.y) > lineTolerance {
			lines = append(lines, &visualLine{y: t.Y})
			cur = lines[len(lines)-1]
		}
		cur.buf.WriteString(t.S)
	}

	// Higher Y = higher on the page in PDF coordinates (origin bottom-left).
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].y > lines[j].y
	})

	var parts []string
	for _, l := range lines {
		text := strings.TrimSpace(l.buf.String())
		if text != "" {
			parts = append(parts, text)
		}
	}

	result := strings.Join(parts, "\n")
	if strings.TrimSpace(result) == "" {
		return page.GetPlainText(nil)
	}
	return result, nil
}

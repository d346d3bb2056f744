package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/nguyenthenguyen/docx"
)

// DOCXParser extracts the raw text of Word documents.
type DOCXParser struct{}

func (p *DOCXParser) Extensions() []string { return []string{"docx"} }

func (p *DOCXParser) Parse(ctx context.Context, path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("opening DOCX: %w", err)
	}
	defer r.Close()

	// GetContent returns the raw document.xml; pull the text runs out of it
	// with paragraph breaks preserved.
	text := docxXMLToText(r.Editable().GetContent())
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("DOCX contains no text: %s", path)
	}
	return text, nil
}

// docxXMLToText extracts the contents of <w:t> runs from WordprocessingML,
// inserting newlines at paragraph ends and tabs/breaks where marked.
func docxXMLToText(xml string) string {
	var b strings.Builder
	for i := 0; i < len(xml); {
		open := strings.Index(xml[i:], "<")
		if open < 0 {
			break
		}
		open += i
		close := strings.Index(xml[open:], ">")
		if close < 0 {
			break
		}
		close += open
		tag := xml[open+1 : close]

		switch {
		case tag == "w:t" || strings.HasPrefix(tag, "w:t "):
			end := strings.Index(xml[close+1:], "</w:t>")
			if end < 0 {
				i = close + 1
				continue
			}
			b.WriteString(unescapeXML(xml[close+1 : close+1+end]))
			i = close + 1 + end + len("</w:t>")
			continue
		case tag == "/w:p":
			b.WriteString("\n")
		case tag == "w:tab" || tag == "w:tab/":
			b.WriteString("\t")
		case tag == "w:br" || tag == "w:br/":
			b.WriteString("\n")
		}
		i = close + 1
	}
	return b.String()
}

var xmlUnescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

func unescapeXML(s string) string {
	return xmlUnescaper.Replace(s)
}

package parser

import (
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"golang.org/x/net/html"
)

// chromeTags are page furniture stripped before conversion when no explicit
// main-content element exists.
var chromeTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"svg": true, "nav": true, "header": true, "footer": true, "aside": true,
}

// ConvertHTML turns raw HTML into Markdown with main-content extraction:
// a <main> or <article> element wins when present, otherwise the page is
// converted whole after removing navigation chrome. Fails when the
// extraction yields no text.
func ConvertHTML(content string) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	root := findMainContent(doc)
	if root == nil {
		stripChrome(doc)
		root = doc
	}

	var rendered strings.Builder
	if err := html.Render(&rendered, root); err != nil {
		return "", fmt.Errorf("rendering html: %w", err)
	}

	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(rendered.String())
	if err != nil {
		return "", fmt.Errorf("converting html to markdown: %w", err)
	}

	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return "", fmt.Errorf("html extraction produced empty text")
	}
	return markdown, nil
}

// findMainContent returns the first <main> or <article> element, depth-first.
func findMainContent(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && (n.Data == "main" || n.Data == "article") {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findMainContent(c); found != nil {
			return found
		}
	}
	return nil
}

// stripChrome removes navigation and script elements in place.
func stripChrome(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.ElementNode && chromeTags[c.Data] {
			n.RemoveChild(c)
			continue
		}
		stripChrome(c)
	}
}

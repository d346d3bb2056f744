// Package parser extracts plain UTF-8 text from the supported document
// formats. Each parser handles one family of extensions; the Registry maps
// an extension to its parser. Path and size validation happens before any
// parser runs (see Validator).
package parser

import (
	"context"
	"fmt"
)

// Parser extracts plain text from a document file.
type Parser interface {
	Parse(ctx context.Context, path string) (string, error)
	Extensions() []string
}

// Registry maps file extensions (without dot, lowercase) to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds a registry with the built-in parsers. The PDF parser
// needs an embedder for its boundary filter, so it is registered separately
// by the caller via Register.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{
		&TextParser{},
		&JSONParser{},
		&DOCXParser{},
		&XLSXParser{},
	} {
		for _, ext := range p.Extensions() {
			r.parsers[ext] = p
		}
	}
	return r
}

// Register adds or replaces the parser for each of its extensions.
func (r *Registry) Register(p Parser) {
	for _, ext := range p.Extensions() {
		r.parsers[ext] = p
	}
}

// Get returns the parser for an extension.
func (r *Registry) Get(ext string) (Parser, error) {
	p, ok := r.parsers[ext]
	if !ok {
		return nil, fmt.Errorf("no parser for format: %s", ext)
	}
	return p, nil
}

package parser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Validation errors. The engine maps these onto its own sentinel kinds.
var (
	ErrNotAbsolute = errors.New("parser: path is not absolute")
	ErrOutsideBase = errors.New("parser: path is outside the base directory")
	ErrTooLarge    = errors.New("parser: file exceeds maximum size")
)

// Validator enforces the ingest path contract: absolute paths only, the
// canonical form (symlinks resolved) must live under BaseDir, and the file
// must not exceed MaxFileSize bytes.
type Validator struct {
	BaseDir     string
	MaxFileSize int64
}

// Validate checks path and returns its canonical form and size.
func (v *Validator) Validate(path string) (string, int64, error) {
	if !filepath.IsAbs(path) {
		return "", 0, fmt.Errorf("%w: %s", ErrNotAbsolute, path)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", 0, fmt.Errorf("parser: resolving %s: %w", path, err)
	}

	base, err := filepath.EvalSymlinks(v.BaseDir)
	if err != nil {
		base = v.BaseDir
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", 0, fmt.Errorf("%w: %s", ErrOutsideBase, path)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", 0, fmt.Errorf("parser: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", 0, fmt.Errorf("parser: %s is a directory", path)
	}
	if v.MaxFileSize > 0 && info.Size() > v.MaxFileSize {
		return "", 0, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, info.Size(), v.MaxFileSize)
	}
	return resolved, info.Size(), nil
}

// Package rawdata stores string-ingested content under stable
// content-addressed paths. A source maps deterministically to
// ${dbRoot}/raw-data/base64url(normalizedSource).md, so the path can be
// reconstructed from the source alone and decoded back to it.
package rawdata

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrDisallowedScheme is returned for sources with a forbidden URL scheme.
var ErrDisallowedScheme = errors.New("rawdata: disallowed source scheme")

const dirName = "raw-data"

// Store manages the raw-data directory of one database.
type Store struct {
	dir string
}

// New returns a Store rooted at dbRoot. The directory is created lazily on
// first write.
func New(dbRoot string) *Store {
	return &Store{dir: filepath.Join(dbRoot, dirName)}
}

// Dir returns the raw-data directory path.
func (s *Store) Dir() string { return s.dir }

// NormalizeSource validates the source scheme and strips query string and
// fragment from HTTP(S) URLs. Other schemes pass through unchanged.
func NormalizeSource(source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", fmt.Errorf("rawdata: empty source")
	}

	lower := strings.ToLower(source)
	for _, bad := range []string{"javascript:", "data:", "vbscript:"} {
		if strings.HasPrefix(lower, bad) {
			return "", fmt.Errorf("%w: %s", ErrDisallowedScheme, source)
		}
	}
	if strings.HasPrefix(lower, "file:") && strings.Contains(source, "..") {
		return "", fmt.Errorf("%w: %s", ErrDisallowedScheme, source)
	}

	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		u, err := url.Parse(source)
		if err != nil {
			return "", fmt.Errorf("rawdata: parsing source url: %w", err)
		}
		u.RawQuery = ""
		u.Fragment = ""
		return u.String(), nil
	}
	return source, nil
}

// Path returns the content-addressed path for source without writing
// anything. The extension is always .md: downstream ingestion treats the
// content as markdown, and the path must stay reconstructible from the
// source alone regardless of the original format.
func (s *Store) Path(source string) (string, error) {
	normalized, err := NormalizeSource(source)
	if err != nil {
		return "", err
	}
	name := base64.URLEncoding.EncodeToString([]byte(normalized)) + ".md"
	return filepath.Join(s.dir, name), nil
}

// Save writes content for source atomically (write-temp + rename) and
// returns the resulting path. format is not used: the file always lands
// as markdown.
func (s *Store) Save(source, content, format string) (string, error) {
	path, err := s.Path(source)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("rawdata: creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".rawdata-*")
	if err != nil {
		return "", fmt.Errorf("rawdata: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("rawdata: writing content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rawdata: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rawdata: renaming into place: %w", err)
	}
	return path, nil
}

// IsRawPath reports whether p is a raw-data path of this store.
func (s *Store) IsRawPath(p string) bool {
	if filepath.Ext(p) != ".md" {
		return false
	}
	dir := filepath.Dir(p)
	if dir != s.dir {
		return false
	}
	_, ok := decodeBasename(p)
	return ok
}

// ExtractSource decodes the original (normalized) source from a raw-data
// path. Returns false for paths that are not raw-data paths.
func (s *Store) ExtractSource(p string) (string, bool) {
	if !s.IsRawPath(p) {
		return "", false
	}
	return decodeBasename(p)
}

// Delete removes the physical file for source. A missing file is tolerated.
func (s *Store) Delete(source string) error {
	path, err := s.Path(source)
	if err != nil {
		return err
	}
	return s.DeletePath(path)
}

// DeletePath unlinks a raw-data file, tolerating NotFound.
func (s *Store) DeletePath(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rawdata: removing %s: %w", path, err)
	}
	return nil
}

func decodeBasename(p string) (string, bool) {
	base := strings.TrimSuffix(filepath.Base(p), ".md")
	decoded, err := base64.URLEncoding.DecodeString(base)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

package ragvault

import "errors"

var (
	// ErrPathNotAbsolute is returned when a caller passes a relative path.
	ErrPathNotAbsolute = errors.New("ragvault: path is not absolute")

	// ErrPathOutsideBase is returned when a path escapes the configured base directory.
	ErrPathOutsideBase = errors.New("ragvault: path is outside the base directory")

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = errors.New("ragvault: unsupported document format")

	// ErrFileTooLarge is returned when a file exceeds the configured size cap.
	ErrFileTooLarge = errors.New("ragvault: file exceeds maximum size")

	// ErrEmptyContent is returned when parsing or conversion yields no text.
	ErrEmptyContent = errors.New("ragvault: empty content")

	// ErrEmptyQuery is returned for a blank search query.
	ErrEmptyQuery = errors.New("ragvault: empty query")

	// ErrLimitOutOfRange is returned when the result limit is outside 1..20.
	ErrLimitOutOfRange = errors.New("ragvault: limit out of range")

	// ErrDisallowedScheme is returned for raw-data sources with a forbidden URL scheme.
	ErrDisallowedScheme = errors.New("ragvault: disallowed source scheme")

	// ErrMetadataTooLarge is returned when custom metadata exceeds the key/value caps.
	ErrMetadataTooLarge = errors.New("ragvault: metadata exceeds size caps")

	// ErrInvalidTarget is returned when a delete names neither or both of
	// file_path and source.
	ErrInvalidTarget = errors.New("ragvault: exactly one of file_path or source required")

	// ErrParsingFailed is returned when document parsing fails.
	ErrParsingFailed = errors.New("ragvault: parsing failed")

	// ErrStorageFailed is returned when a vector table operation fails.
	ErrStorageFailed = errors.New("ragvault: storage operation failed")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("ragvault: embedding generation failed")

	// ErrSwapInProgress is returned when a database swap is already running.
	ErrSwapInProgress = errors.New("ragvault: database swap already in progress")

	// ErrNotFound is returned when a requested file or chunk does not exist.
	ErrNotFound = errors.New("ragvault: not found")
)

// Code maps an engine error to a stable machine-readable code for transports.
// Unrecognized errors map to "internal".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrPathNotAbsolute),
		errors.Is(err, ErrPathOutsideBase),
		errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrFileTooLarge),
		errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrEmptyQuery),
		errors.Is(err, ErrLimitOutOfRange),
		errors.Is(err, ErrDisallowedScheme),
		errors.Is(err, ErrMetadataTooLarge),
		errors.Is(err, ErrInvalidTarget):
		return "validation"
	case errors.Is(err, ErrParsingFailed):
		return "parse"
	case errors.Is(err, ErrStorageFailed):
		return "storage"
	case errors.Is(err, ErrEmbeddingFailed):
		return "model"
	case errors.Is(err, ErrSwapInProgress):
		return "concurrency"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

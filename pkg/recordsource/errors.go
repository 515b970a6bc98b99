package recordsource

import (
	"errors"
	"fmt"
)

// Sentinel errors for record source operations.
var (
	// ErrSourceNotFound indicates the configured root, bucket or object
	// does not exist.
	ErrSourceNotFound = errors.New("source not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrThrottled indicates the request was rate limited by the backend.
	ErrThrottled = errors.New("request throttled")

	// ErrSourceUnavailable indicates the backend cannot be reached.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrBadRecord indicates a row that cannot be turned into a record,
	// e.g. a file without the configured id column.
	ErrBadRecord = errors.New("bad record")
)

// errFetchDone aborts a fetch-by-streaming scan once every id was found.
var errFetchDone = errors.New("fetch done")

// SourceError wraps source failures with context.
type SourceError struct {
	// Op is the operation that failed (e.g. "Stream").
	Op string

	// Source identifies the source kind (e.g. "file", "s3").
	Source string

	// Path is the file path or object key, if applicable.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Source, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SourceError) Unwrap() error {
	return e.Err
}

// IsSourceNotFound returns true if the error indicates a missing root,
// bucket or object.
func IsSourceNotFound(err error) bool {
	return errors.Is(err, ErrSourceNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsThrottled returns true if the error indicates backend rate limiting.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsSourceUnavailable returns true if the error indicates an unreachable backend.
func IsSourceUnavailable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable)
}

// IsBadRecord returns true if the error indicates an unusable row.
func IsBadRecord(err error) bool {
	return errors.Is(err, ErrBadRecord)
}

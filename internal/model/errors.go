package model

import "errors"

// Submission errors. A job is never created when one of these is returned.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrDuplicateFormat   = errors.New("duplicate format")
	ErrInvalidSettings   = errors.New("invalid settings")
	ErrMissingSubject    = errors.New("missing subject")
	ErrEmptyBatch        = errors.New("batch has no jobs")
)

// Lookup and state errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid job state")
	ErrShuttingDown = errors.New("export queue is shutting down")
)

// ErrJobFailed marks a whole-job failure reported by the worker. The queue
// applies its automatic retry policy to jobs failed with this error.
var ErrJobFailed = errors.New("export job failed")

// IsSubmissionError reports whether err was caused by invalid input.
func IsSubmissionError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrDuplicateFormat) ||
		errors.Is(err, ErrInvalidSettings) ||
		errors.Is(err, ErrMissingSubject) ||
		errors.Is(err, ErrEmptyBatch)
}

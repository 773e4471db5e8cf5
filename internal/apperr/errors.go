// Package apperr defines the error taxonomy shared by the engine and its
// call surfaces.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")

	// Fatal to the current job.
	ErrDetection  = errors.New("detection failed")
	ErrExtraction = errors.New("extraction failed")
	ErrTraversal  = errors.New("archive entry escapes target directory")
	ErrSizeLimit  = errors.New("decompressed size limit exceeded")
	ErrCorrupted  = errors.New("archive corrupted")
	ErrStore      = errors.New("store failure")

	// Recorded in the validation report, never fatal.
	ErrParse = errors.New("malformed document")

	// Not a failure: a first-class terminal state.
	ErrCancelled = errors.New("cancelled")
)

// StageError attributes a fatal error to the pipeline stage it came from.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// SizeLimitError reports how many bytes had been written when the
// extraction ceiling was hit.
type SizeLimitError struct {
	Limit   int64
	Written int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("extraction wrote %d bytes, exceeding the %d byte limit", e.Written, e.Limit)
}

func (e *SizeLimitError) Unwrap() error { return ErrSizeLimit }

// Fatal reports whether err belongs to a category that aborts a job.
func Fatal(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) {
		return false
	}
	return !errors.Is(err, ErrParse)
}

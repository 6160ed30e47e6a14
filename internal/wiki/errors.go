package wiki

import (
	"errors"
	"fmt"
)

var (
	// ErrConversion is the single failure kind for per-item conversion errors.
	ErrConversion = errors.New("article conversion failed")
	// ErrEmptyArticle marks a title whose raw content is empty or missing.
	ErrEmptyArticle = errors.New("empty article")
	// ErrStoreInit is fatal at startup: a store handle could not be opened.
	ErrStoreInit = errors.New("store initialization failed")
	// ErrCanceled reports that the run was interrupted before completion.
	ErrCanceled = errors.New("conversion canceled")
	// ErrWorkerLost reports that a worker process exited mid-item.
	ErrWorkerLost = errors.New("worker process lost")
)

// ConversionError wraps any per-item failure so callers can match on
// ErrConversion regardless of the underlying cause.
type ConversionError struct {
	Title string
	Cause error
}

// Error implements error.
func (e *ConversionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("failed to process article %q", e.Title)
	}
	return fmt.Sprintf("failed to process article %q: %v", e.Title, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *ConversionError) Unwrap() error {
	return e.Cause
}

// Is makes every ConversionError match ErrConversion.
func (e *ConversionError) Is(target error) bool {
	return target == ErrConversion
}

package pipeline

import (
	"errors"
	"fmt"
)

// ValidationError marks malformed caller input. It is fatal immediately and
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InferenceError marks a corrupt or unsupported image reaching a model. It is
// fatal to the owning sub-task, never retried, and reported to the aggregator
// as a warning rather than a session failure.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// SegmentationError marks a segmentation failure. Nothing can fan out without
// containers, so it fails the whole session.
type SegmentationError struct {
	SessionID string
	Err       error
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("segment session %s: %v", e.SessionID, e.Err)
}

func (e *SegmentationError) Unwrap() error { return e.Err }

// retryable reports whether an error is worth another attempt. Validation and
// inference errors are deterministic; everything else is treated as transient
// infrastructure trouble.
func retryable(err error) bool {
	var verr *ValidationError
	var ierr *InferenceError
	return !errors.As(err, &verr) && !errors.As(err, &ierr)
}

package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy surfaced by the answer engine. Collaborator failures are
// wrapped into one of these with %w so callers branch with errors.Is.
var (
	// ErrInvalidInput indicates an empty or missing query or session id.
	ErrInvalidInput = errors.New("invalid input")

	// ErrContentUnavailable indicates a corpus or page fetch failed.
	ErrContentUnavailable = errors.New("content unavailable")

	// ErrCompletionUnavailable indicates the completion service failed or timed out.
	ErrCompletionUnavailable = errors.New("completion service unavailable")

	// ErrInternalIndex indicates the content index could not be built or is corrupt.
	ErrInternalIndex = errors.New("internal index error")

	// ErrTimeout marks a collaborator call that exceeded its deadline.
	// It is always joined with one of the kinds above.
	ErrTimeout = errors.New("timed out")
)

// ErrorKind is the stable, caller-facing name of an error class.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindInvalidInput          ErrorKind = "invalid_input"
	KindContentUnavailable    ErrorKind = "content_unavailable"
	KindCompletionUnavailable ErrorKind = "completion_unavailable"
	KindInternal              ErrorKind = "internal"
)

// Kind classifies err into the taxonomy. Unknown errors are KindInternal.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrContentUnavailable):
		return KindContentUnavailable
	case errors.Is(err, ErrCompletionUnavailable):
		return KindCompletionUnavailable
	default:
		return KindInternal
	}
}

// IsTimeout reports whether err was caused by an exceeded deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Wrap joins a collaborator error with a taxonomy kind, adding ErrTimeout
// when the cause is a deadline. A nil cause yields nil.
func Wrap(kind, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, context.DeadlineExceeded) && !errors.Is(cause, ErrTimeout) {
		return fmt.Errorf("%w (%w): %w", kind, ErrTimeout, cause)
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

package audit

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by stores; the API layer maps them to
// HTTP statuses.
var (
	ErrAuditNotFound    = errors.New("audit not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrTerminal         = errors.New("audit already in a terminal state")
)

// FetchKind splits fetch failures into retryable and final.
type FetchKind string

// Fetch failure kinds.
const (
	FetchTransient FetchKind = "transient"
	FetchPermanent FetchKind = "permanent"
)

// FetchError is returned by fetchers when a page cannot be retrieved.
// Timeouts and 5xx responses are transient; 4xx responses, malformed
// URLs, and repeated transient failures are permanent.
type FetchError struct {
	Kind       FetchKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch failed (%s, status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch failed (%s): %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether err is a transient *FetchError.
func Transient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FetchTransient
}

// NewTransientFetchError wraps err as a retryable fetch failure.
func NewTransientFetchError(statusCode int, err error) *FetchError {
	return &FetchError{Kind: FetchTransient, StatusCode: statusCode, Err: err}
}

// NewPermanentFetchError wraps err as a final fetch failure.
func NewPermanentFetchError(statusCode int, err error) *FetchError {
	return &FetchError{Kind: FetchPermanent, StatusCode: statusCode, Err: err}
}

// PersistenceError marks a result-store write failure. These are
// unrecoverable for the running audit and fail it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

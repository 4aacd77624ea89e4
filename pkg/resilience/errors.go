// Package resilience provides the shared failure-handling primitives:
// a typed error taxonomy, named circuit breakers, and a retrying executor
// with exponential backoff.
package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for routing decisions (retry, repair, surface).
type Kind string

// Error kinds. These are kinds, not Go types: every error crossing a
// component boundary carries exactly one.
const (
	KindValidation       Kind = "validation_error"
	KindLLM              Kind = "llm_error"
	KindDBRecoverable    Kind = "db_error.recoverable"
	KindDBNonRecoverable Kind = "db_error.non_recoverable"
	KindCircuitOpen      Kind = "circuit_open"
	KindApprovalRejected Kind = "approval_rejected"
	KindInternal         Kind = "internal_error"
)

// ErrCircuitOpen is returned when a named breaker fast-fails a call.
// Surfaced with 503 semantics at the HTTP boundary.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Error is a classified error with an optional backend error code
// (e.g. "ORA-00942") and the stage that produced it.
type Error struct {
	Kind  Kind
	Stage string
	Code  string
	Err   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and stage.
func NewError(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf extracts the Kind of err, defaulting to internal_error for
// unclassified errors. Context and breaker errors map to their kinds.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindDBRecoverable
	}
	return KindInternal
}

// Recoverable reports whether err is worth retrying: transport, timeout,
// and transient classes are; validation and semantic SQL failures are not.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindDBRecoverable, KindLLM:
		return true
	}
	return false
}

// CodeOf extracts the backend error code, if any.
func CodeOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

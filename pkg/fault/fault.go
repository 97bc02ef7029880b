// Package fault defines the structured error taxonomy for the governance
// safety core. Every failure surfaced to a caller carries a Kind, a message,
// and a context map so API and CLI layers can render it without leaking
// internal stack traces.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation policy decisions.
type Kind string

const (
	// KindValidation: bad input (unknown snapshot id, missing field).
	// Surfaced to the caller, never retried automatically.
	KindValidation Kind = "validation"
	// KindNotFound: unknown record or snapshot id.
	KindNotFound Kind = "not_found"
	// KindConcurrency: write conflict that survived bounded retry.
	KindConcurrency Kind = "concurrency"
	// KindRollback: a rollback apply step failed; wraps the cause.
	KindRollback Kind = "rollback"
	// KindStorageUnavailable: the persistence backend is unreachable.
	// Counts toward health-check critical.
	KindStorageUnavailable Kind = "storage_unavailable"
)

// Fault is a structured error.
type Fault struct {
	Kind    Kind
	Message string
	Context map[string]string
	cause   error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (f *Fault) Unwrap() error { return f.cause }

// With attaches a context key/value and returns the fault for chaining.
func (f *Fault) With(key, value string) *Fault {
	if f.Context == nil {
		f.Context = make(map[string]string)
	}
	f.Context[key] = value
	return f
}

// New creates a fault of the given kind.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault wrapping an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a Fault, or "" otherwise.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind reports whether err is a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

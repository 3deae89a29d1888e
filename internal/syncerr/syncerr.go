// Package syncerr defines the error kinds shared by the backend adapters
// and the sync engine. Adapters classify failures; the engine decides the
// policy (retry next cycle, clear the mapping, skip, abort the cycle).
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter or store failure.
type Kind int

const (
	// KindUnknown is the zero value; treated as transient by the engine.
	KindUnknown Kind = iota
	// KindTransient failures are retried on the next scheduled cycle.
	KindTransient
	// KindNotFound means the remote entity is gone; the mapping is cleared.
	KindNotFound
	// KindMalformed failures are logged and skipped, never retried silently.
	KindMalformed
	// KindForbidden failures are logged once per project per hour and skipped.
	KindForbidden
	// KindFatal aborts the cycle and marks the process unhealthy.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	case KindForbidden:
		return "forbidden"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error. Op names the failing operation ("primary.ListIssues").
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown when err carries no kind.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried at the next cycle.
// Unclassified errors count as transient: retrying is the safe default.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindUnknown
}

// IsFatal reports whether err must abort the current cycle.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

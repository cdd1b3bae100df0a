// Package apperr defines the error kinds the supervisor surfaces to its
// callers. Kinds are observable distinctly via errors.As so transport
// layers can map them without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a supervisor-visible failure.
type Kind int

const (
	// Validation: channel missing required fields or invalid status.
	Validation Kind = iota + 1
	// NotFound: channel id unknown.
	NotFound
	// Conflict: operation collides with the channel's current state
	// (start of a running channel, concurrent restart, budget exceeded, ...).
	Conflict
	// Resource: a required device is missing or unreadable. Never downgraded.
	Resource
	// Spawn: OS-level failure creating the child process.
	Spawn
	// Internal: unexpected store or I/O failure.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Resource:
		return "resource"
	case Spawn:
		return "spawn"
	case Internal:
		return "internal"
	}
	return "unknown"
}

// Error carries a kind plus a wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or Internal when untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

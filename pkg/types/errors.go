package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the HTTP layer can map them to
// status codes without inspecting messages.
type ErrorKind string

const (
	// KindNotFound covers missing rows and rows owned by someone else.
	// The two are deliberately indistinguishable to callers.
	KindNotFound ErrorKind = "not_found"

	// KindConflict covers uniqueness violations (duplicate email).
	KindConflict ErrorKind = "conflict"

	// KindUnauthorized covers bad credentials and invalid tokens.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindInvalidState covers operations disallowed in the project's
	// current status.
	KindInvalidState ErrorKind = "invalid_state"

	// KindExternal covers runtime/cloud/registry failures.
	KindExternal ErrorKind = "external"
)

// Error is a kind-tagged error. Use the constructors below.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NotFound builds a not-found error.
func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

// Conflict builds a conflict error.
func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Msg: msg}
}

// Unauthorized builds an unauthorized error.
func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Msg: msg}
}

// InvalidState builds an invalid-state error.
func InvalidState(msg string) error {
	return &Error{Kind: KindInvalidState, Msg: msg}
}

// External wraps a dependency failure.
func External(msg string, err error) error {
	return &Error{Kind: KindExternal, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or KindExternal for untagged errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

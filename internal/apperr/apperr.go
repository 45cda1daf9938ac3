// Package apperr defines the error kinds shared by the ledger services and
// the structured codes clients receive.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for transport mapping and retry decisions.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindAuthorization Kind = "authorization"
	KindDependency    Kind = "dependency"
	KindConcurrency   Kind = "concurrency"
	KindInternal      Kind = "internal"
)

// Error carries a kind, an operation-scoped code and the wrapped cause.
type Error struct {
	kind      Kind
	code      string
	err       error
	permanent bool
}

// New builds an Error whose code is "<operation>.<reason>".
func New(kind Kind, operation, reason string, cause error) *Error {
	return &Error{kind: kind, code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// NewPermanent builds an Error that must not be retried even when its kind
// usually is, such as a verifier that answered but rejected the input.
func NewPermanent(kind Kind, operation, reason string, cause error) *Error {
	appErr := New(kind, operation, reason, cause)
	appErr.permanent = true
	return appErr
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the structured error code.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the error classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Retryable reports whether the caller may retry the same request unchanged.
func (e *Error) Retryable() bool {
	if e.permanent {
		return false
	}
	return e.kind == KindConcurrency || e.kind == KindDependency
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

// CodeOf returns the structured code of the first *Error in the chain.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.code
	}
	return ""
}

// IsKind reports whether err carries the provided kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Package apperr defines the error kinds reported by the case manager core.
//
// Every failure returned to a caller wraps exactly one kind, so callers can
// branch with errors.Is and still show the attached human-readable message.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds
var (
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrDimensionMismatch      = errors.New("dimension mismatch")
	ErrDuplicateArtifact      = errors.New("duplicate artifact")
	ErrStateConflict          = errors.New("state conflict")
	ErrStorage                = errors.New("storage error")
	ErrEntityNotPersisted     = errors.New("entity not persisted")
	ErrArtifactMissing        = errors.New("artifact missing")
	ErrInvalidVolume          = errors.New("invalid volume")
)

var kinds = []error{
	ErrValidation,
	ErrNotFound,
	ErrPermissionDenied,
	ErrInvalidStateTransition,
	ErrDimensionMismatch,
	ErrDuplicateArtifact,
	ErrStateConflict,
	ErrStorage,
	ErrEntityNotPersisted,
	ErrArtifactMissing,
	ErrInvalidVolume,
}

// Error is a classified failure: a kind, a message for humans and an optional cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// New creates a classified error with a formatted message.
func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind error, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Storage wraps a filesystem or object store failure.
// Errors that are already classified are returned unchanged.
func Storage(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	return Wrap(ErrStorage, err, format, args...)
}

// KindOf returns the kind err belongs to, or nil for unclassified errors.
func KindOf(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Message returns the human-readable part of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

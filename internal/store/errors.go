package store

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes experiment store failures.
type ErrorCode string

const (
	// ErrCodeResume indicates there is no run to resume or its state cannot
	// be loaded or rebuilt.
	ErrCodeResume ErrorCode = "RESUME"

	// ErrCodeStorage indicates a filesystem write failed. The run must halt
	// because logging integrity can no longer be guaranteed.
	ErrCodeStorage ErrorCode = "STORAGE"

	// ErrCodeConsistency indicates on-disk data contradicts the counters,
	// e.g. the next image filename already exists.
	ErrCodeConsistency ErrorCode = "CONSISTENCY"
)

// Error is a store failure with a code, the affected path and the cause.
// All store errors are fatal for the run.
type Error struct {
	Code    ErrorCode
	Message string
	Path    string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func resumeError(path, msg string, err error) *Error {
	return &Error{Code: ErrCodeResume, Message: msg, Path: path, Err: err}
}

func storageError(path, msg string, err error) *Error {
	return &Error{Code: ErrCodeStorage, Message: msg, Path: path, Err: err}
}

func consistencyFault(path, msg string) *Error {
	return &Error{Code: ErrCodeConsistency, Message: msg, Path: path}
}

// NewConsistencyFault reports a fault detected outside the store, such as a
// backend finding its target already occupied.
func NewConsistencyFault(path, msg string, err error) *Error {
	return &Error{Code: ErrCodeConsistency, Message: msg, Path: path, Err: err}
}

// IsResumeError reports whether err is (or wraps) a resume failure.
func IsResumeError(err error) bool {
	return hasCode(err, ErrCodeResume)
}

// IsStorageError reports whether err is (or wraps) a storage failure.
func IsStorageError(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

// IsConsistencyFault reports whether err is (or wraps) a consistency fault.
func IsConsistencyFault(err error) bool {
	return hasCode(err, ErrCodeConsistency)
}

func hasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

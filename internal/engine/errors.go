package engine

import "fmt"

// RuntimeError is a fatal failure while handling one trigger event. It
// wraps the store or backend error that caused it, so store.IsStorageError
// and friends still match.
type RuntimeError struct {
	// Code identifies the step that failed.
	Code RuntimeErrorCode

	// TriggerIndex is the trigger being handled.
	TriggerIndex uint64

	// ImageIndex is the reserved image index, zero when none was reserved.
	ImageIndex uint64

	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeTarget indicates the image target could not be computed or was
	// already taken.
	ErrCodeTarget RuntimeErrorCode = "TARGET"

	// ErrCodeOverwrite indicates the backend found its target occupied.
	ErrCodeOverwrite RuntimeErrorCode = "OVERWRITE_REFUSED"

	// ErrCodeRecord indicates the event could not be made durable.
	ErrCodeRecord RuntimeErrorCode = "RECORD"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.ImageIndex != 0 {
		return fmt.Sprintf("%s: trigger %d (image %d): %v", e.Code, e.TriggerIndex, e.ImageIndex, e.Err)
	}
	return fmt.Sprintf("%s: trigger %d: %v", e.Code, e.TriggerIndex, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

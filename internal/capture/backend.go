// Package capture defines the camera backend consumed by the orchestrator
// and ships two implementations: GPhoto2, which shells out to the gphoto2
// CLI, and Mock, which writes placeholder files for bench runs and tests.
package capture

import (
	"context"
	"errors"
	"fmt"
)

// Backend performs one exposure and stores the image at target.
//
// Capture blocks until the file is in place or the attempt has failed. It
// must never replace an existing file at target; if one appears it returns
// an error wrapping ErrTargetExists.
type Backend interface {
	Capture(ctx context.Context, target string) error
}

// Prober is implemented by backends that can check camera connectivity
// without taking a picture.
type Prober interface {
	Probe(ctx context.Context) (string, error)
}

// ErrTargetExists reports that the destination path was already occupied.
var ErrTargetExists = errors.New("capture target already exists")

// BackendError is a failed capture. The orchestrator logs it and continues
// the run.
type BackendError struct {
	Target   string
	Attempts int
	Err      error
}

func (e *BackendError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("capture %s failed after %d attempts: %v", e.Target, e.Attempts, e.Err)
	}
	return fmt.Sprintf("capture %s failed: %v", e.Target, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Func adapts a plain function to Backend.
type Func func(ctx context.Context, target string) error

// Capture calls f.
func (f Func) Capture(ctx context.Context, target string) error {
	return f(ctx, target)
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Mock simulates a camera for bench runs and tests.
//
// Each Capture consumes the next entry of Outcomes: nil writes Content to
// the target, non-nil fails with that error. Once Outcomes is exhausted
// every capture succeeds. Delay simulates exposure and transfer time.
type Mock struct {
	Outcomes []error
	Delay    time.Duration
	Content  []byte

	mu    sync.Mutex
	calls int
}

// Capture implements Backend. The file is created with O_EXCL so an existing
// target is reported, not replaced.
func (m *Mock) Capture(ctx context.Context, target string) error {
	m.mu.Lock()
	n := m.calls
	m.calls++
	var outcome error
	if n < len(m.Outcomes) {
		outcome = m.Outcomes[n]
	}
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return &BackendError{Target: target, Attempts: 1, Err: ctx.Err()}
		case <-time.After(m.Delay):
		}
	}
	if outcome != nil {
		return &BackendError{Target: target, Attempts: 1, Err: outcome}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &BackendError{Target: target, Attempts: 1, Err: err}
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrTargetExists, target)
	}
	if err != nil {
		return &BackendError{Target: target, Attempts: 1, Err: err}
	}
	defer f.Close()

	content := m.Content
	if content == nil {
		content = []byte("mock image " + filepath.Base(target) + "\n")
	}
	if _, err := f.Write(content); err != nil {
		return &BackendError{Target: target, Attempts: 1, Err: err}
	}
	return nil
}

// Probe implements Prober.
func (m *Mock) Probe(context.Context) (string, error) {
	return "Mock camera\nModel: simulated\n", nil
}

// Calls returns how many captures were attempted.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for GPhoto2.
const (
	DefaultCommand   = "gphoto2"
	DefaultTimeout   = 90 * time.Second
	DefaultRetries   = 6
	DefaultBaseDelay = 250 * time.Millisecond
)

// transientMarkers are gphoto2 messages that mean "try again shortly".
var transientMarkers = []string{
	"camera busy",
	"ptp i/o error",
	"could not claim the usb device",
	"resource busy",
	"i/o in progress",
	"device busy",
}

// Runner executes a command and returns its stdout and stderr.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// GPhoto2 captures through the gphoto2 CLI
// (--capture-image-and-download).
//
// Each attempt is bounded by Timeout; a hung camera counts as a failed
// attempt. Attempts whose output carries a known transient marker, and
// timeouts, are retried up to Retries times with linearly growing delays.
// Anything else fails immediately.
//
// The image is downloaded to a hidden partial file next to the target and
// then hard-linked into place, so an existing target is never replaced.
type GPhoto2 struct {
	Command   string
	Timeout   time.Duration
	Retries   int
	BaseDelay time.Duration
	Logger    *slog.Logger
	Run       Runner
}

// NewGPhoto2 returns a backend with default settings.
func NewGPhoto2() *GPhoto2 {
	return &GPhoto2{}
}

func (g *GPhoto2) command() string {
	if g.Command == "" {
		return DefaultCommand
	}
	return g.Command
}

func (g *GPhoto2) timeout() time.Duration {
	if g.Timeout <= 0 {
		return DefaultTimeout
	}
	return g.Timeout
}

func (g *GPhoto2) retries() int {
	if g.Retries <= 0 {
		return DefaultRetries
	}
	return g.Retries
}

func (g *GPhoto2) baseDelay() time.Duration {
	if g.BaseDelay <= 0 {
		return DefaultBaseDelay
	}
	return g.BaseDelay
}

func (g *GPhoto2) runner() Runner {
	if g.Run == nil {
		return ExecRunner
	}
	return g.Run
}

func (g *GPhoto2) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// Capture implements Backend.
func (g *GPhoto2) Capture(ctx context.Context, target string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &BackendError{Target: target, Err: err}
	}
	partial := filepath.Join(dir, "."+filepath.Base(target)+".partial")
	_ = os.Remove(partial)
	defer os.Remove(partial)

	_, attempts, err := g.run(ctx, g.retries(), g.timeout(), "--capture-image-and-download", "--force-overwrite", "--filename", partial)
	if err != nil {
		return &BackendError{Target: target, Attempts: attempts, Err: err}
	}

	if _, err := os.Stat(partial); err != nil {
		return &BackendError{Target: target, Attempts: attempts, Err: fmt.Errorf("%s reported success but file not found: %w", g.command(), err)}
	}
	if err := publish(partial, target); err != nil {
		return err
	}
	return nil
}

// Probe runs gphoto2 --summary to confirm the camera is claimable.
func (g *GPhoto2) Probe(ctx context.Context) (string, error) {
	out, _, err := g.run(ctx, 2, 30*time.Second, "--summary")
	if err != nil {
		return "", fmt.Errorf("%s --summary: %w", g.command(), err)
	}
	return out, nil
}

// run executes one gphoto2 invocation with the retry policy and returns
// its stdout and the number of attempts made.
func (g *GPhoto2) run(ctx context.Context, retries int, timeout time.Duration, args ...string) (string, int, error) {
	attempts := 0
	var out string
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		stdout, stderr, err := g.runner()(actx, g.command(), args...)
		if err == nil {
			out = stdout
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		failure := fmt.Errorf("%w\nSTDOUT:\n%s\nSTDERR:\n%s", err, strings.TrimSpace(stdout), strings.TrimSpace(stderr))
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s: %w", timeout, failure)
		}
		if isTransient(stdout) || isTransient(stderr) {
			return failure
		}
		return backoff.Permanent(failure)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: g.baseDelay()}, uint64(retries-1)), ctx)
	notify := func(err error, wait time.Duration) {
		g.logger().Warn("camera command failed, retrying", "attempt", attempts, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", attempts, err
	}
	return out, attempts, nil
}

func isTransient(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// publish moves the finished partial file to target without ever replacing
// an existing file. Filesystems without hard links fall back to a checked
// rename, which is safe because the orchestrator is the only writer.
func publish(partial, target string) error {
	err := os.Link(partial, target)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrTargetExists, target)
	}

	if _, statErr := os.Lstat(target); statErr == nil {
		return fmt.Errorf("%w: %s", ErrTargetExists, target)
	}
	if err := os.Rename(partial, target); err != nil {
		return &BackendError{Target: target, Err: fmt.Errorf("move image into place: %w", err)}
	}
	return nil
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

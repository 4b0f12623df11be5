package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runResult struct {
	stdout string
	stderr string
	err    error
}

// startRun executes args in the background. Cancel ctx to stop the run.
func startRun(ctx context.Context, args ...string) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		out, errOut, err := execute(ctx, args...)
		done <- runResult{out, errOut, err}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
		return runResult{}
	}
}

// waitArmed waits until the run directory exists and gives the watcher time
// to sample the idle TRIGGER line.
func waitArmed(t *testing.T, base string) string {
	t.Helper()
	var runDir string
	require.Eventually(t, func() bool {
		m, _ := filepath.Glob(filepath.Join(base, "Run_*", "state.json"))
		if len(m) == 0 {
			return false
		}
		runDir = filepath.Dir(m[len(m)-1])
		return true
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	return runDir
}

func logRows(t *testing.T, runDir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(runDir, "log.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	return lines[1:]
}

// pulse raises TRIGGER, waits for the row it produces and lowers it again.
func pulse(t *testing.T, rig benchRig, runDir string, wantRows int) {
	t.Helper()
	setLine(t, rig.Trigger, true)
	require.Eventually(t, func() bool {
		return len(logRows(t, runDir)) == wantRows
	}, 5*time.Second, 2*time.Millisecond)
	setLine(t, rig.Trigger, false)
	time.Sleep(30 * time.Millisecond)
}

func decodeSummary(t *testing.T, stdout string) runSummary {
	t.Helper()
	var resp struct {
		Status string     `json:"status"`
		Data   runSummary `json:"data"`
		RunID  string     `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, resp.Data.RunID, resp.RunID)
	return resp.Data
}

func TestRestartAndResume_EndToEnd(t *testing.T) {
	rig := newBenchRig(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(ctx, "--config", rig.Config, "--format", "json", "restart", rig.Base)
	runDir := waitArmed(t, rig.Base)

	setLine(t, rig.Enable, true)
	pulse(t, rig, runDir, 1)
	setLine(t, rig.Enable, false)
	pulse(t, rig, runDir, 2)
	cancel()

	res := waitRun(t, done)
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stderr, "Capturing into "+runDir)

	sum := decodeSummary(t, res.stdout)
	assert.Equal(t, "restart", sum.Mode)
	assert.Equal(t, runDir, sum.RunDir)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 2, sum.Triggers)
	assert.Equal(t, 1, sum.Captured)
	assert.Equal(t, 1, sum.Disabled)
	assert.Equal(t, uint64(3), sum.NextTrigger)
	assert.Equal(t, uint64(2), sum.NextImage)

	rows := logRows(t, runDir)
	require.Len(t, rows, 2)
	assert.Regexp(t, `^[^,]+,1,1,1,\d{8}_00001\.jpg$`, rows[0])
	assert.Regexp(t, `^[^,]+,2,0,0,$`, rows[1])

	// Resume continues both counters in the same directory.
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	done = startRun(ctx, "--config", rig.Config, "--format", "json", "resume", rig.Base)
	assert.Equal(t, runDir, waitArmed(t, rig.Base))

	setLine(t, rig.Enable, true)
	pulse(t, rig, runDir, 3)
	cancel()

	res = waitRun(t, done)
	require.NoError(t, res.err, res.stderr)
	resumed := decodeSummary(t, res.stdout)
	assert.Equal(t, "resume", resumed.Mode)
	assert.Equal(t, sum.RunID, resumed.RunID)
	assert.Equal(t, 1, resumed.Triggers)
	assert.Equal(t, uint64(4), resumed.NextTrigger)
	assert.Equal(t, uint64(3), resumed.NextImage)

	rows = logRows(t, runDir)
	require.Len(t, rows, 3)
	assert.Regexp(t, `^[^,]+,3,1,1,\d{8}_00002\.jpg$`, rows[2])

	photos, err := filepath.Glob(filepath.Join(runDir, "photos", "*.jpg"))
	require.NoError(t, err)
	assert.Len(t, photos, 2)
}

func TestRestart_TextSummaryOnStop(t *testing.T) {
	rig := newBenchRig(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(ctx, "--config", rig.Config, "restart", rig.Base)
	waitArmed(t, rig.Base)
	cancel()

	res := waitRun(t, done)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Triggers: 0 (captured 0, failed 0, disabled 0)")
	assert.Contains(t, res.stdout, "Next:     trigger 1, image 1")
}

func TestResume_NothingToResume(t *testing.T) {
	rig := newBenchRig(t, "")

	_, _, err := execute(context.Background(), "--config", rig.Config, "resume", rig.Base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open run")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRestart_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trigcap.yaml")
	writeFile(t, path, "gpio:\n  driver: wiringpi\n")

	_, _, err := execute(context.Background(), "--config", path, "restart", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRestart_UnopenableLineIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trigcap.yaml")
	writeFile(t, path, "gpio:\n  driver: sim\n  trigger: "+filepath.Join(dir, "missing", "trigger")+"\ncapture:\n  backend: mock\n")

	_, _, err := execute(context.Background(), "--config", path, "restart", filepath.Join(dir, "exp"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open gpio lines")
	assert.Equal(t, ExitFatal, GetExitCode(err))
}

func TestRestart_FailingLineHaltsRun(t *testing.T) {
	rig := newBenchRig(t, "")
	writeFile(t, rig.Trigger, "garbage\n")

	done := startRun(context.Background(), "--config", rig.Config, "--format", "json", "restart", rig.Base)
	res := waitRun(t, done)

	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "run halted")
	assert.Equal(t, ExitFatal, GetExitCode(res.err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &resp), res.stdout)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "RUN_HALTED", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "trigger")
}

func TestNewLogger_JSONWhenNotATerminal(t *testing.T) {
	var buf strings.Builder
	logger := newLogger(&buf, false)
	logger.Debug("hidden")
	logger.Info("shown", "trigger_index", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"trigger_index":3`)

	buf.Reset()
	newLogger(&buf, true).Debug("visible")
	assert.Contains(t, buf.String(), `"msg":"visible"`)
}

func TestCancelOnFirstSignal_ReleasesHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	released := false

	sigChan <- os.Interrupt
	cancelOnFirstSignal(ctx, sigChan, func() { released = true }, cancel, newLogger(io.Discard, false))

	assert.True(t, released, "a second signal must reach the default handler")
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestCancelOnFirstSignal_ParentDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	released := false

	cancelOnFirstSignal(ctx, make(chan os.Signal), func() { released = true }, cancel, newLogger(io.Discard, false))
	assert.False(t, released)
}

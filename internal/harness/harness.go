package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/trigcap/internal/capture"
	"github.com/roach88/trigcap/internal/engine"
	"github.com/roach88/trigcap/internal/gpio"
	"github.com/roach88/trigcap/internal/store"
	"github.com/roach88/trigcap/internal/testutil"
)

// Epoch is the fake clock's start. Trace times are milliseconds after it.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// RunID is stamped into every scenario run.
const RunID = "harness-run"

// Harness is the test execution engine.
// It wires the real watcher, engine and store to scripted lines, a mock
// camera and a fake clock.
type Harness struct {
	base    string
	clock   *testutil.FakeClock
	camera  *capture.Mock
	trigger *gpio.ScriptedLine
	enable  *gpio.ScriptedLine
	cfg     gpio.WatcherConfig
	logger  *slog.Logger

	store   *store.Store
	engine  *engine.Engine
	watcher *gpio.Watcher
}

// Run executes a test scenario with dir as the base path and returns the
// result.
//
// Execution flow:
// 1. Set the initial line levels and open a fresh run
// 2. Execute steps until they run out or a fatal error halts the run
// 3. Read the durable counters back from disk
// 4. Evaluate assertions against the trace and the run's index
func Run(scenario *Scenario, dir string) (*Result, error) {
	ctx := context.Background()
	h := newHarness(scenario, dir)

	h.trigger.Set(scenario.Initial.Trigger == LevelHigh)
	h.enable.Set(scenario.Initial.Enable != LevelLow)

	if err := h.open(ctx, store.ModeRestart); err != nil {
		return nil, fmt.Errorf("failed to open run: %w", err)
	}
	defer func() { h.store.Close() }()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if result.Halted {
			h.logger.Info("run halted, skipping remaining steps", "step", i)
			break
		}
	}

	final, err := h.counters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read final counters: %w", err)
	}
	result.Final = final

	actx := &AssertionContext{
		Index: h.store.Index(),
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, dir string) *Harness {
	cfg := gpio.WatcherConfig{
		PollInterval: scenario.Watcher.PollInterval.Std(),
		Debounce:     gpio.DefaultDebounce,
	}
	if scenario.Watcher.Debounce != nil {
		cfg.Debounce = scenario.Watcher.Debounce.Std()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = gpio.DefaultPollInterval
	}

	outcomes := make([]error, len(scenario.Camera))
	for i, o := range scenario.Camera {
		if o != "ok" {
			outcomes[i] = errors.New(o)
		}
	}

	return &Harness{
		base:    dir,
		clock:   testutil.NewFakeClock(Epoch),
		camera:  &capture.Mock{Outcomes: outcomes},
		trigger: gpio.NewScriptedLine("trigger"),
		enable:  gpio.NewScriptedLine("enable"),
		cfg:     cfg,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
}

// open starts a run in mode with a fresh engine and watcher, the way the
// trigcap binary does on startup.
func (h *Harness) open(ctx context.Context, mode store.Mode) error {
	st, err := store.Open(ctx, h.base, mode, store.Options{
		Clock:  h.clock,
		RunIDs: store.NewFixedGenerator(RunID),
		Logger: h.logger,
	})
	if err != nil {
		return err
	}
	h.store = st
	h.engine = engine.New(st, h.camera, engine.WithLogger(h.logger))
	h.watcher = gpio.NewWatcher(h.trigger, h.enable, h.cfg,
		gpio.WithClock(h.clock), gpio.WithLogger(h.logger))
	return h.watcher.Start(ctx)
}

func (h *Harness) executeStep(ctx context.Context, step Step, result *Result) error {
	run := h.store.Run()

	if step.Occupy > 0 {
		name := store.ImageFilename(h.clock.Now(), step.Occupy, store.DefaultImageExtension)
		if err := os.WriteFile(filepath.Join(run.PhotosDir, name), []byte("occupied\n"), 0o644); err != nil {
			return fmt.Errorf("occupy image %d: %w", step.Occupy, err)
		}
	}

	if step.CorruptState {
		if err := os.WriteFile(run.StatePath, []byte(`{"next_image_index":`), 0o644); err != nil {
			return fmt.Errorf("corrupt state: %w", err)
		}
	}

	if step.Resume {
		if err := h.store.Close(); err != nil {
			return fmt.Errorf("close run: %w", err)
		}
		if err := h.open(ctx, store.ModeResume); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		st := h.store.State()
		result.AddEvent(TraceEvent{
			Type:         EventResume,
			AtMS:         h.clock.Now().Sub(Epoch).Milliseconds(),
			TriggerIndex: st.NextTriggerIndex,
			ImageIndex:   st.NextImageIndex,
		})
	}

	if step.Trigger != "" {
		h.trigger.Set(step.Trigger == LevelHigh)
	}
	if step.Enable != "" {
		h.enable.Set(step.Enable == LevelHigh)
	}

	return h.hold(ctx, step.Hold.Std(), result)
}

// hold advances the clock by d one poll interval at a time and handles every
// edge the watcher accepts.
func (h *Harness) hold(ctx context.Context, d time.Duration, result *Result) error {
	poll := h.cfg.PollInterval
	for elapsed := time.Duration(0); elapsed < d; elapsed += poll {
		h.clock.Advance(poll)

		evt, ok, err := h.watcher.Poll(ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		at := evt.EdgeTime.Sub(Epoch).Milliseconds()
		out, err := h.engine.Handle(ctx, evt)
		if err != nil {
			result.AddEvent(TraceEvent{
				Type:         EventHalt,
				AtMS:         at,
				TriggerIndex: out.TriggerIndex,
				ImageIndex:   out.ImageIndex,
				Error:        haltCode(err),
			})
			result.Halted = true
			return nil
		}
		result.AddEvent(outcomeEvent(out, at))
	}
	return nil
}

func outcomeEvent(out engine.Outcome, at int64) TraceEvent {
	ev := TraceEvent{
		AtMS:         at,
		TriggerIndex: out.TriggerIndex,
		ImageIndex:   out.ImageIndex,
	}
	switch {
	case !out.Enabled:
		ev.Type = EventDisabled
	case out.Captured:
		ev.Type = EventCapture
		ev.Filename = out.Filename
	default:
		ev.Type = EventCaptureFailed
		ev.Error = out.CaptureErr.Error()
		var be *capture.BackendError
		if errors.As(out.CaptureErr, &be) {
			ev.Error = be.Err.Error()
		}
	}
	return ev
}

// haltCode reduces a fatal error to something stable across machines: the
// failing step, not the temp paths in the message.
func haltCode(err error) string {
	var re *engine.RuntimeError
	if errors.As(err, &re) {
		return string(re.Code)
	}
	return err.Error()
}

// counters reads the run back from disk the way the status command does.
func (h *Harness) counters(ctx context.Context) (Counters, error) {
	rep, err := store.Inspect(ctx, h.base)
	if err != nil {
		return Counters{}, err
	}
	c := Counters{LogRows: rep.LogRows}
	if rep.State != nil {
		c.NextTriggerIndex = rep.State.NextTriggerIndex
		c.NextImageIndex = rep.State.NextImageIndex
	}

	entries, err := os.ReadDir(rep.Run.PhotosDir)
	if err != nil {
		return Counters{}, err
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			c.Photos++
		}
	}
	return c, nil
}

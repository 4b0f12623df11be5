package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trigcap/internal/capture"
	"github.com/roach88/trigcap/internal/gpio"
	"github.com/roach88/trigcap/internal/store"
	"github.com/roach88/trigcap/internal/testutil"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T, base string, mode store.Mode, clk *testutil.FakeClock, runID string) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), base, mode, store.Options{
		Clock:  clk,
		RunIDs: store.NewFixedGenerator(runID),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func edge(clk *testutil.FakeClock, enabled bool) gpio.TriggerEvent {
	return gpio.TriggerEvent{EdgeTime: clk.Advance(time.Second), Enabled: enabled}
}

func readLog(t *testing.T, s *store.Store) []store.LogRecord {
	t.Helper()
	rows, err := store.ReadLog(s.Run().LogPath)
	require.NoError(t, err)
	return rows
}

func TestHandle_EnableHighLowHigh(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	s := openStore(t, filepath.Join(t.TempDir(), "exp"), store.ModeRestart, clk, "run-1")
	mock := &capture.Mock{}
	e := New(s, mock, WithLogger(quietLogger()))

	ctx := context.Background()
	var outs []Outcome
	for _, enabled := range []bool{true, false, true} {
		out, err := e.Handle(ctx, edge(clk, enabled))
		require.NoError(t, err)
		outs = append(outs, out)
	}

	assert.Equal(t, []uint64{1, 2, 3}, []uint64{outs[0].TriggerIndex, outs[1].TriggerIndex, outs[2].TriggerIndex})
	assert.Equal(t, []uint64{1, 0, 2}, []uint64{outs[0].ImageIndex, outs[1].ImageIndex, outs[2].ImageIndex})

	rows := readLog(t, s)
	require.Len(t, rows, 3)
	assert.Equal(t, []bool{true, false, true}, []bool{rows[0].Captured, rows[1].Captured, rows[2].Captured})
	assert.Equal(t, []bool{true, false, true}, []bool{rows[0].EnableState, rows[1].EnableState, rows[2].EnableState})
	assert.Equal(t, "02012026_00001.jpg", rows[0].Filename)
	assert.Empty(t, rows[1].Filename)
	assert.Equal(t, "02012026_00002.jpg", rows[2].Filename)

	assert.FileExists(t, filepath.Join(s.Run().PhotosDir, "02012026_00001.jpg"))
	assert.FileExists(t, filepath.Join(s.Run().PhotosDir, "02012026_00002.jpg"))
	assert.Equal(t, 2, mock.Calls())

	st := s.State()
	assert.Equal(t, uint64(4), st.NextTriggerIndex)
	assert.Equal(t, uint64(3), st.NextImageIndex)

	assert.Equal(t, Stats{Triggers: 3, Captured: 2, Disabled: 1}, e.Stats())
}

func TestHandle_FailedCaptureConsumesImageIndex(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	s := openStore(t, t.TempDir(), store.ModeRestart, clk, "run-1")
	mock := &capture.Mock{Outcomes: []error{errors.New("camera busy")}}
	e := New(s, mock, WithLogger(quietLogger()))

	ctx := context.Background()
	first, err := e.Handle(ctx, edge(clk, true))
	require.NoError(t, err, "backend failures are not fatal")
	assert.False(t, first.Captured)
	var be *capture.BackendError
	assert.ErrorAs(t, first.CaptureErr, &be)

	second, err := e.Handle(ctx, edge(clk, true))
	require.NoError(t, err)
	assert.True(t, second.Captured)
	assert.Equal(t, uint64(2), second.ImageIndex)

	rows := readLog(t, s)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].EnableState)
	assert.False(t, rows[0].Captured)
	assert.Empty(t, rows[0].Filename)
	assert.Equal(t, "02012026_00002.jpg", rows[1].Filename)

	assert.NoFileExists(t, filepath.Join(s.Run().PhotosDir, "02012026_00001.jpg"))
	assert.Equal(t, uint64(3), s.State().NextImageIndex)
	assert.Equal(t, Stats{Triggers: 2, Captured: 1, Failed: 1}, e.Stats())
}

func TestHandle_ExistingImageIsConsistencyFault(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	s := openStore(t, t.TempDir(), store.ModeRestart, clk, "run-1")
	mock := &capture.Mock{}
	e := New(s, mock, WithLogger(quietLogger()))

	squatter := filepath.Join(s.Run().PhotosDir, "02012026_00001.jpg")
	require.NoError(t, os.WriteFile(squatter, []byte("precious"), 0o644))

	_, err := e.Handle(context.Background(), edge(clk, true))
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeTarget, re.Code)
	assert.True(t, store.IsConsistencyFault(err))
	assert.Zero(t, mock.Calls(), "backend must not be invoked")

	data, readErr := os.ReadFile(squatter)
	require.NoError(t, readErr)
	assert.Equal(t, "precious", string(data))
	assert.Empty(t, readLog(t, s))
}

func TestHandle_BackendTargetExistsIsFatal(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	s := openStore(t, t.TempDir(), store.ModeRestart, clk, "run-1")
	backend := capture.Func(func(_ context.Context, target string) error {
		return fmt.Errorf("%w: %s", capture.ErrTargetExists, target)
	})
	e := New(s, backend, WithLogger(quietLogger()))

	_, err := e.Handle(context.Background(), edge(clk, true))

	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeOverwrite, re.Code)
	assert.True(t, store.IsConsistencyFault(err))
	assert.ErrorIs(t, err, capture.ErrTargetExists)
}

func TestHandle_ResumeAfterKillDoesNotDuplicate(t *testing.T) {
	base := t.TempDir()
	clk := testutil.NewFakeClock(epoch)

	// First process: five events, then "killed" without Close.
	s1, err := store.Open(context.Background(), base, store.ModeRestart, store.Options{
		Clock:  clk,
		RunIDs: store.NewFixedGenerator("run-1"),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s1.Close() })

	e1 := New(s1, &capture.Mock{}, WithLogger(quietLogger()))
	for i := 0; i < 5; i++ {
		_, err := e1.Handle(context.Background(), edge(clk, i%2 == 0))
		require.NoError(t, err)
	}

	s2 := openStore(t, base, store.ModeResume, clk, "unused")
	assert.Equal(t, s1.Run().Path, s2.Run().Path)
	assert.Equal(t, uint64(6), s2.State().NextTriggerIndex)
	assert.Equal(t, uint64(4), s2.State().NextImageIndex)
	assert.Equal(t, "run-1", s2.State().RunID)

	e2 := New(s2, &capture.Mock{}, WithLogger(quietLogger()))
	out, err := e2.Handle(context.Background(), edge(clk, true))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), out.TriggerIndex)
	assert.Equal(t, "02012026_00004.jpg", out.Filename)

	rows := readLog(t, s2)
	require.Len(t, rows, 6)
	for i, row := range rows {
		assert.Equal(t, uint64(i+1), row.TriggerIndex)
	}
}

func TestRun_DrainsQueueAfterClose(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	s := openStore(t, t.TempDir(), store.ModeRestart, clk, "run-1")
	e := New(s, &capture.Mock{}, WithLogger(quietLogger()), WithWarnDepth(1))

	for _, enabled := range []bool{true, true, false} {
		require.True(t, e.Enqueue(edge(clk, enabled)))
	}
	assert.Equal(t, 3, e.Pending())
	e.Close()
	assert.False(t, e.Enqueue(edge(clk, true)))

	// A cancelled context still handles every queued edge.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))

	assert.Len(t, readLog(t, s), 3)
	assert.Equal(t, Stats{Triggers: 3, Captured: 2, Disabled: 1}, e.Stats())
}

func TestRun_ProcessesConcurrentEnqueues(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	s := openStore(t, t.TempDir(), store.ModeRestart, clk, "run-1")
	mock := &capture.Mock{Delay: 5 * time.Millisecond}
	e := New(s, mock, WithLogger(quietLogger()))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	for i := 0; i < 4; i++ {
		e.Enqueue(edge(clk, true))
	}
	e.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}

	rows := readLog(t, s)
	require.Len(t, rows, 4)
	for i, row := range rows {
		assert.Equal(t, uint64(i+1), row.TriggerIndex)
		assert.Equal(t, fmt.Sprintf("02012026_%05d.jpg", i+1), row.Filename)
	}
}

func TestRun_StopsOnFatalError(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	s := openStore(t, t.TempDir(), store.ModeRestart, clk, "run-1")
	e := New(s, &capture.Mock{}, WithLogger(quietLogger()))

	require.NoError(t, os.WriteFile(filepath.Join(s.Run().PhotosDir, "02012026_00002.jpg"), nil, 0o644))
	for i := 0; i < 3; i++ {
		e.Enqueue(edge(clk, true))
	}
	e.Close()

	err := e.Run(context.Background())
	assert.True(t, store.IsConsistencyFault(err))
	assert.Len(t, readLog(t, s), 1, "events before the fault stay recorded")
	assert.Equal(t, 1, e.Pending())
}

func TestRun_EdgesDuringCaptureAreQueued(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	s := openStore(t, t.TempDir(), store.ModeRestart, clk, "run-1")
	mock := &capture.Mock{Delay: 500 * time.Millisecond}
	e := New(s, mock, WithLogger(quietLogger()))

	trigger := gpio.NewScriptedLine("trigger")
	enable := gpio.NewScriptedLine("enable")
	enable.Set(true)
	w := gpio.NewWatcher(trigger, enable, gpio.WatcherConfig{PollInterval: time.Millisecond},
		gpio.WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() {
		defer e.Close()
		watchDone <- w.Run(ctx, func(evt gpio.TriggerEvent) { e.Enqueue(evt) })
	}()
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	press := func() {
		trigger.Set(true)
		time.Sleep(30 * time.Millisecond)
		trigger.Set(false)
		time.Sleep(30 * time.Millisecond)
	}

	press()
	require.Eventually(t, func() bool { return mock.Calls() == 1 }, 2*time.Second, time.Millisecond)

	// Two more presses while the first capture is still exposing.
	press()
	press()
	assert.Equal(t, 1, mock.Calls(), "first capture still running")
	require.Eventually(t, func() bool { return e.Pending() == 2 }, time.Second, time.Millisecond)

	cancel()
	for _, ch := range []chan error{watchDone, runDone} {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not stop")
		}
	}

	rows := readLog(t, s)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, uint64(i+1), row.TriggerIndex)
		assert.True(t, row.Captured)
	}
	assert.Equal(t, 3, mock.Calls())
	assert.Equal(t, Stats{Triggers: 3, Captured: 3}, e.Stats())
}

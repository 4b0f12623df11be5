package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/trigcap/internal/testutil"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestStore opens a store under base and closes it at test end.
func createTestStore(t *testing.T, base string, mode Mode, clk *testutil.FakeClock, runIDs ...string) *Store {
	t.Helper()
	s, err := openTestStore(base, mode, clk, runIDs...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestStore(base string, mode Mode, clk *testutil.FakeClock, runIDs ...string) (*Store, error) {
	if len(runIDs) == 0 {
		runIDs = []string{"run-1"}
	}
	return Open(context.Background(), base, mode, Options{
		Clock:  clk,
		RunIDs: NewFixedGenerator(runIDs...),
		Logger: quietLogger(),
	})
}

// recordTriggers records one event per flag, capturing a placeholder file
// for every enabled trigger.
func recordTriggers(t *testing.T, s *Store, clk *testutil.FakeClock, enabled ...bool) {
	t.Helper()
	ctx := context.Background()
	for _, en := range enabled {
		at := clk.Advance(time.Second)
		rec := LogRecord{Timestamp: at, TriggerIndex: s.ReserveTriggerIndex(), EnableState: en}
		if en {
			name, path, err := s.ImageTarget(ctx, s.ReserveImageIndex(), at)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, []byte("img"), 0o644))
			rec.Captured = true
			rec.Filename = name
		}
		require.NoError(t, s.RecordEvent(ctx, rec))
	}
}

func readState(t *testing.T, path string) PersistedState {
	t.Helper()
	st, err := loadState(path)
	require.NoError(t, err)
	return st
}

package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

func TestMock_ScriptedOutcomes(t *testing.T) {
	dir := t.TempDir()
	m := &Mock{Outcomes: []error{nil, errors.New("lens cap on")}}
	ctx := context.Background()

	require.NoError(t, m.Capture(ctx, filepath.Join(dir, "1.jpg")))

	err := m.Capture(ctx, filepath.Join(dir, "2.jpg"))
	assert.True(t, isBackendError(err))
	assert.NoFileExists(t, filepath.Join(dir, "2.jpg"))

	require.NoError(t, m.Capture(ctx, filepath.Join(dir, "3.jpg")), "exhausted script succeeds")

	assert.Equal(t, 3, m.Calls())
	assert.FileExists(t, filepath.Join(dir, "3.jpg"))

	data, err := os.ReadFile(filepath.Join(dir, "1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "mock image 1.jpg\n", string(data))
}

func TestMock_RefusesExistingTarget(t *testing.T) {
	target := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(target, []byte("keep"), 0o644))

	err := (&Mock{}).Capture(context.Background(), target)
	assert.ErrorIs(t, err, ErrTargetExists)

	data, readErr := os.ReadFile(target)
	require.NoError(t, readErr)
	assert.Equal(t, "keep", string(data))
}

func TestMock_DelayHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := (&Mock{Delay: time.Hour}).Capture(ctx, filepath.Join(t.TempDir(), "a.jpg"))
	assert.True(t, isBackendError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFunc_AdaptsBackend(t *testing.T) {
	var got string
	var b Backend = Func(func(_ context.Context, target string) error {
		got = target
		return nil
	})

	require.NoError(t, b.Capture(context.Background(), "/x.jpg"))
	assert.Equal(t, "/x.jpg", got)
}

func TestBackendError_Message(t *testing.T) {
	one := &BackendError{Target: "/a.jpg", Attempts: 1, Err: errors.New("boom")}
	assert.Equal(t, "capture /a.jpg failed: boom", one.Error())

	many := &BackendError{Target: "/a.jpg", Attempts: 4, Err: errors.New("boom")}
	assert.Equal(t, "capture /a.jpg failed after 4 attempts: boom", many.Error())
}

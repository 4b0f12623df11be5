package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trigcap/internal/capture"
)

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	assert.Equal(t, "periph", cfg.GPIO.Driver)
	assert.Equal(t, "GPIO17", cfg.GPIO.Trigger)
	assert.Equal(t, "GPIO27", cfg.GPIO.Enable)
	assert.Equal(t, 5*time.Millisecond, cfg.GPIO.PollInterval.Std())
	assert.Equal(t, 90*time.Second, cfg.Capture.Timeout.Std())
	assert.Equal(t, 6, cfg.Capture.Retries)
	assert.Equal(t, ByteSize(2_000_000_000), cfg.Preflight.MinFree)
}

func TestParse_OverridesOnlyGivenKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
gpio:
  driver: sim
  trigger: /tmp/trigger
  debounce: 0s
capture:
  backend: mock
  extension: .nef
preflight:
  min_free: 500 MiB
`))
	require.NoError(t, err)

	assert.Equal(t, "sim", cfg.GPIO.Driver)
	assert.Equal(t, "/tmp/trigger", cfg.GPIO.Trigger)
	assert.Equal(t, "GPIO27", cfg.GPIO.Enable, "untouched key keeps default")
	assert.Zero(t, cfg.GPIO.Debounce.Std())
	assert.Equal(t, "mock", cfg.Capture.Backend)
	assert.Equal(t, ".nef", cfg.Capture.Extension)
	assert.Equal(t, ByteSize(500*1024*1024), cfg.Preflight.MinFree)
	assert.Equal(t, 8, cfg.Queue.WarnDepth)
}

func TestParse_EmptyDocument(t *testing.T) {
	for _, doc := range []string{"", "\n  \n", "# nothing here\n", "# gpio:\n#   driver: sim\n"} {
		cfg, err := Parse([]byte(doc))
		require.NoError(t, err, "%q", doc)
		assert.Equal(t, Default(), cfg, "%q", doc)
	}
}

func TestLoad_CommentOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trigcap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("# defaults are fine\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown top-level key", "cameras: 2\n"},
		{"unknown nested key", "gpio:\n  pin: 4\n"},
		{"bad driver", "gpio:\n  driver: wiringpi\n"},
		{"bad duration", "gpio:\n  debounce: soon\n"},
		{"numeric duration", "capture:\n  timeout: 90\n"},
		{"retries out of range", "capture:\n  retries: 0\n"},
		{"bad backend", "capture:\n  backend: webcam\n"},
		{"bad extension", "capture:\n  extension: ../jpg\n"},
		{"warn depth", "queue:\n  warn_depth: -1\n"},
		{"not yaml", "gpio: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_RejectsBadByteSize(t *testing.T) {
	_, err := Parse([]byte("preflight:\n  min_free: lots\n"))
	assert.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trigcap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  warn_depth: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queue.WarnDepth)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestConfig_WatcherConfig(t *testing.T) {
	cfg := Default()
	cfg.GPIO.Debounce = Duration(3 * time.Millisecond)

	wc := cfg.WatcherConfig()
	assert.Equal(t, 3*time.Millisecond, wc.Debounce)
	assert.Equal(t, 5*time.Millisecond, wc.PollInterval)
	assert.Equal(t, 5, wc.ReadRetries)
}

func TestConfig_Backend(t *testing.T) {
	cfg := Default()
	b, err := cfg.Backend()
	require.NoError(t, err)
	g, ok := b.(*capture.GPhoto2)
	require.True(t, ok)
	assert.Equal(t, "gphoto2", g.Command)
	assert.Equal(t, 90*time.Second, g.Timeout)

	cfg.Capture.Backend = BackendMock
	b, err = cfg.Backend()
	require.NoError(t, err)
	assert.IsType(t, &capture.Mock{}, b)

	cfg.Capture.Backend = "polaroid"
	_, err = cfg.Backend()
	assert.Error(t, err)
}

func TestConfig_JSONIsReadable(t *testing.T) {
	data, err := json.Marshal(Default())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"poll_interval":"5ms"`)
	assert.Contains(t, string(data), `"min_free":"2.0 GB"`)
}

func TestProblems_ListsSchemaViolations(t *testing.T) {
	_, err := Parse([]byte("gpio:\n  driver: wiringpi\ncapture:\n  retries: 0\n"))
	require.Error(t, err)

	problems := Problems(err)
	require.NotEmpty(t, problems)
	var paths []string
	for _, p := range problems {
		assert.NotEmpty(t, p.Message)
		paths = append(paths, p.Path)
	}
	assert.Contains(t, strings.Join(paths, " "), "gpio.driver")
}

func TestProblems_NonSchemaError(t *testing.T) {
	_, err := Parse([]byte("gpio: [\n"))
	require.Error(t, err)

	problems := Problems(err)
	require.Len(t, problems, 1)
	assert.Empty(t, problems[0].Path)

	assert.Nil(t, Problems(nil))
}

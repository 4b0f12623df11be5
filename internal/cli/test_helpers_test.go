package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// benchRig is a config with simulated lines and the mock camera.
type benchRig struct {
	Config  string
	Trigger string
	Enable  string
	Base    string
}

func newBenchRig(t *testing.T, extra string) benchRig {
	t.Helper()
	dir := t.TempDir()
	rig := benchRig{
		Config:  filepath.Join(dir, "trigcap.yaml"),
		Trigger: filepath.Join(dir, "trigger"),
		Enable:  filepath.Join(dir, "enable"),
		Base:    filepath.Join(dir, "experiment"),
	}
	setLine(t, rig.Trigger, false)
	setLine(t, rig.Enable, false)

	cfg := fmt.Sprintf(`gpio:
  driver: sim
  trigger: %s
  enable: %s
  poll_interval: 1ms
  debounce: 0s
  read_retries: 2
capture:
  backend: mock
%s`, rig.Trigger, rig.Enable, extra)
	writeFile(t, rig.Config, cfg)
	return rig
}

// setLine replaces a simulated line's value in one rename so the watcher
// never reads a half-written file.
func setLine(t *testing.T, path string, high bool) {
	t.Helper()
	v := "0\n"
	if high {
		v = "1\n"
	}
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(v), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// execute runs the root command with args and returns stdout and stderr.
func execute(ctx context.Context, args ...string) (string, string, error) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

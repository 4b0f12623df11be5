package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedRun writes a finished run directory by hand.
func seedRun(t *testing.T, base string) string {
	t.Helper()
	runDir := filepath.Join(base, "Run_20260102_030405")
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "photos"), 0o755))
	writeFile(t, filepath.Join(runDir, "log.csv"), "timestamp,trigger_index,enable_state,captured,filename\n"+
		"2026-01-02T03:04:06.000Z,1,1,1,02012026_00001.jpg\n"+
		"2026-01-02T03:04:07.000Z,2,0,0,\n"+
		"2026-01-02T03:04:08.000Z,3,1,0,\n")
	return runDir
}

func TestStatus_Text(t *testing.T) {
	base := t.TempDir()
	runDir := seedRun(t, base)

	out, _, err := execute(context.Background(), "status", base)
	require.NoError(t, err)
	assert.Contains(t, out, "Run:      "+runDir)
	assert.Contains(t, out, "Triggers: 3 (captured 1, failed 1, disabled 1)")
	assert.Contains(t, out, "Last:     02012026_00001.jpg")
	assert.Contains(t, out, "resume will rebuild it", "no state.json was written")
}

func TestStatus_JSON(t *testing.T) {
	base := t.TempDir()
	runDir := seedRun(t, base)

	out, _, err := execute(context.Background(), "--format", "json", "status", base)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			RunDir   string `json:"run_dir"`
			LogRows  int    `json:"log_rows"`
			TornTail bool   `json:"torn_tail"`
			Summary  struct {
				Triggers    int    `json:"triggers"`
				Failed      int    `json:"failed"`
				LastTrigger uint64 `json:"last_trigger"`
			} `json:"summary"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, runDir, resp.Data.RunDir)
	assert.Equal(t, 3, resp.Data.LogRows)
	assert.False(t, resp.Data.TornTail)
	assert.Equal(t, 3, resp.Data.Summary.Triggers)
	assert.Equal(t, 1, resp.Data.Summary.Failed)
	assert.Equal(t, uint64(3), resp.Data.Summary.LastTrigger)
}

func TestStatus_TornTailWarning(t *testing.T) {
	base := t.TempDir()
	runDir := seedRun(t, base)
	f, err := os.OpenFile(filepath.Join(runDir, "log.csv"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("2026-01-02T03:04:09.000Z,4,")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, _, err := execute(context.Background(), "status", base)
	require.NoError(t, err)
	assert.Contains(t, out, "Triggers: 3")
	assert.Contains(t, out, "partial row")
}

func TestStatus_NoRuns(t *testing.T) {
	out, _, err := execute(context.Background(), "status", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [NO_RUN]")
}

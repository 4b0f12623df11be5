package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(dir string) PersistedState {
	return PersistedState{
		NextImageIndex:   7,
		NextTriggerIndex: 12,
		RunDirectory:     dir,
		LastUpdate:       epoch,
		RunID:            "run-1",
	}
}

func TestWriteStateAtomic_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	written, err := writeStateAtomic(path, sampleState(dir))
	require.NoError(t, err)
	assert.NotEmpty(t, written.Checksum)

	got, err := loadState(path)
	require.NoError(t, err)
	assert.Equal(t, written, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestWriteStateAtomic_UsesDocumentedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	_, err := writeStateAtomic(path, sampleState(dir))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, key := range []string{"next_image_index", "next_trigger_index", "run_directory", "last_update", "run_id", "checksum"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, "2026-01-02T03:04:05Z", raw["last_update"])
}

func TestWriteStateAtomic_ReplacesPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	st := sampleState(dir)
	_, err := writeStateAtomic(path, st)
	require.NoError(t, err)

	st.NextTriggerIndex = 13
	_, err = writeStateAtomic(path, st)
	require.NoError(t, err)

	got, err := loadState(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), got.NextTriggerIndex)
}

func TestWriteStateAtomic_MissingDirIsStorageError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone", "state.json")

	_, err := writeStateAtomic(path, sampleState("x"))
	assert.True(t, IsStorageError(err))
}

func TestLoadState_Missing(t *testing.T) {
	_, err := loadState(filepath.Join(t.TempDir(), "state.json"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoadState_Corrupt(t *testing.T) {
	dir := t.TempDir()
	valid := sampleState(dir)
	sum, err := valid.computeChecksum()
	require.NoError(t, err)
	valid.Checksum = sum

	zeroCounter := valid
	zeroCounter.NextImageIndex = 0
	zeroCounter.Checksum, err = zeroCounter.computeChecksum()
	require.NoError(t, err)

	edited := valid
	edited.NextImageIndex = 99

	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{")},
		{"empty", nil},
		{"zero counter", mustJSON(t, zeroCounter)},
		{"checksum mismatch", mustJSON(t, edited)},
		{"no checksum", mustJSON(t, sampleState(dir))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			require.NoError(t, os.WriteFile(path, tt.data, 0o644))

			_, err := loadState(path)
			assert.ErrorIs(t, err, errStateCorrupt)
		})
	}
}

func TestChecksum_IgnoresTimeZone(t *testing.T) {
	a := sampleState("/runs/a")
	b := a
	b.LastUpdate = a.LastUpdate.In(fixedZone)

	sa, err := a.computeChecksum()
	require.NoError(t, err)
	sb, err := b.computeChecksum()
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

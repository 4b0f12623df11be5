package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PersistedState is the counter snapshot written to state.json after every
// trigger event.
//
// NextImageIndex and NextTriggerIndex are both >= 1. Checksum covers every
// other field; a mismatch on load means the file was damaged or hand-edited
// and is treated as corrupt.
type PersistedState struct {
	NextImageIndex   uint64    `json:"next_image_index"`
	NextTriggerIndex uint64    `json:"next_trigger_index"`
	RunDirectory     string    `json:"run_directory"`
	LastUpdate       time.Time `json:"last_update"`
	RunID            string    `json:"run_id"`
	Checksum         string    `json:"checksum"`
}

// errStateCorrupt marks a state.json that exists but cannot be trusted.
var errStateCorrupt = errors.New("state file is corrupt")

func (s PersistedState) canonicalFields() map[string]any {
	return map[string]any{
		"next_image_index":   s.NextImageIndex,
		"next_trigger_index": s.NextTriggerIndex,
		"run_directory":      s.RunDirectory,
		"last_update":        s.LastUpdate.UTC().Format(time.RFC3339Nano),
		"run_id":             s.RunID,
	}
}

func (s PersistedState) computeChecksum() (string, error) {
	return canonicalDigest(s.canonicalFields())
}

func (s PersistedState) validate() error {
	if s.NextImageIndex < 1 {
		return fmt.Errorf("%w: next_image_index %d < 1", errStateCorrupt, s.NextImageIndex)
	}
	if s.NextTriggerIndex < 1 {
		return fmt.Errorf("%w: next_trigger_index %d < 1", errStateCorrupt, s.NextTriggerIndex)
	}
	want, err := s.computeChecksum()
	if err != nil {
		return fmt.Errorf("%w: %v", errStateCorrupt, err)
	}
	if s.Checksum != want {
		return fmt.Errorf("%w: checksum mismatch", errStateCorrupt)
	}
	return nil
}

// loadState reads and verifies state.json. A missing file is returned as an
// fs.ErrNotExist error; anything unparseable or failing validation wraps
// errStateCorrupt.
func loadState(path string) (PersistedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PersistedState{}, err
	}

	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return PersistedState{}, fmt.Errorf("%w: %v", errStateCorrupt, err)
	}
	if err := st.validate(); err != nil {
		return PersistedState{}, err
	}
	return st, nil
}

// writeStateAtomic replaces state.json so readers only ever see the old or
// the new content. The temp file lives in the same directory so the rename
// stays on one filesystem. Returns st with its checksum filled in.
func writeStateAtomic(path string, st PersistedState) (PersistedState, error) {
	sum, err := st.computeChecksum()
	if err != nil {
		return st, storageError(path, "checksum state", err)
	}
	st.Checksum = sum

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return st, storageError(path, "encode state", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return st, storageError(path, "create temp state file", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return st, storageError(tmpName, "write temp state file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return st, storageError(tmpName, "sync temp state file", err)
	}
	if err := tmp.Close(); err != nil {
		return st, storageError(tmpName, "close temp state file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return st, storageError(path, "replace state file", err)
	}
	committed = true

	if err := syncDir(dir); err != nil {
		return st, storageError(dir, "sync run directory", err)
	}
	return st, nil
}

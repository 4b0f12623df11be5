package store

import (
	"bytes"
	"context"
	"os"
)

// RunReport describes a run directory as found on disk.
type RunReport struct {
	Run RunDirectory `json:"-"`

	Path     string          `json:"run_dir"`
	State    *PersistedState `json:"state,omitempty"`
	StateErr string          `json:"state_error,omitempty"`
	LogRows  int             `json:"log_rows"`
	TornTail bool            `json:"torn_tail,omitempty"`
	Summary  Summary         `json:"summary"`
}

// Inspect reports on the most recent run under base without modifying it.
// A torn trailing log row is skipped, not repaired, and the summary comes
// from an in-memory index built from log.csv.
func Inspect(ctx context.Context, base string) (RunReport, error) {
	rd, err := findLatestRunDirectory(base)
	if err != nil {
		return RunReport{}, err
	}
	rep := RunReport{Run: rd, Path: rd.Path}

	if st, err := loadState(rd.StatePath); err != nil {
		rep.StateErr = err.Error()
	} else {
		rep.State = &st
	}

	data, err := os.ReadFile(rd.LogPath)
	if err != nil {
		return rep, resumeError(rd.LogPath, "read log", err)
	}
	if n := len(data); n > 0 && data[n-1] != '\n' {
		data = data[:bytes.LastIndexByte(data, '\n')+1]
		rep.TornTail = true
	}
	records, err := parseLog(bytes.NewReader(data), rd.LogPath)
	if err != nil {
		return rep, resumeError(rd.LogPath, "log is unreadable", err)
	}
	rep.LogRows = len(records)

	ix, err := OpenIndex(":memory:")
	if err != nil {
		return rep, storageError(rd.LogPath, "open scratch index", err)
	}
	defer ix.Close()
	if _, err := ix.Reconcile(ctx, records); err != nil {
		return rep, consistencyFault(rd.LogPath, err.Error())
	}
	if rep.Summary, err = ix.Summary(ctx); err != nil {
		return rep, storageError(rd.LogPath, "summarize log", err)
	}
	return rep, nil
}

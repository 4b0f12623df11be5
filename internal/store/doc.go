// Package store is the experiment store: the durable bookkeeping for one
// capture run.
//
// A run lives in base/Run_YYYYMMDD_HHMMSS/ and contains:
//   - log.csv: one append-only row per trigger edge, fsynced per row
//   - state.json: the next trigger and image indices, replaced atomically
//   - photos/: captured images named DDMMYYYY_NNNNN.ext
//   - index.db: SQLite mirror of log.csv, rebuilt from it on every open
//
// # Durability Contract
//
// RecordEvent is the single durability boundary. It appends the row and
// fsyncs the log, then writes state.json to a temp file, fsyncs it, renames
// it over the old one and fsyncs the directory. A crash at any point leaves
// state.json either old or new, never torn. If the crash lands between the
// log append and the rename, resume sees a log row beyond the state's
// counters and advances them, so no trigger index is reused.
//
// # Reservations
//
// ReserveTriggerIndex and ReserveImageIndex advance counters in memory
// only. A reservation that never reaches RecordEvent is forgotten on
// restart, except that an image already written to photos/ pushes the image
// counter past it on resume.
//
// # Errors
//
// Every error from this package that carries a *Error is fatal for the run:
// ErrCodeResume (nothing to resume), ErrCodeStorage (a write failed) and
// ErrCodeConsistency (an image target already exists).
package store

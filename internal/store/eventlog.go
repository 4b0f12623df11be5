package store

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"
)

// LogTimeLayout is the timestamp format of the log.csv timestamp column.
const LogTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// LogHeader is the first row of every log.csv.
var LogHeader = []string{"timestamp", "trigger_index", "enable_state", "captured", "filename"}

// LogRecord is one row of log.csv: the outcome of a single trigger edge.
// Filename is empty unless Captured is true.
type LogRecord struct {
	Timestamp    time.Time
	TriggerIndex uint64
	EnableState  bool
	Captured     bool
	Filename     string
}

func (r LogRecord) fields() []string {
	return []string{
		r.Timestamp.Format(LogTimeLayout),
		strconv.FormatUint(r.TriggerIndex, 10),
		formatFlag(r.EnableState),
		formatFlag(r.Captured),
		r.Filename,
	}
}

func formatFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseFlag(s string) (bool, error) {
	switch s {
	case "1", "true", "TRUE", "True":
		return true, nil
	case "0", "false", "FALSE", "False", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid flag %q", s)
}

func parseLogTime(s string) (time.Time, error) {
	return time.Parse(LogTimeLayout, s)
}

func parseLogRecord(fields []string) (LogRecord, error) {
	if len(fields) != len(LogHeader) {
		return LogRecord{}, fmt.Errorf("expected %d fields, got %d", len(LogHeader), len(fields))
	}
	ts, err := parseLogTime(fields[0])
	if err != nil {
		return LogRecord{}, fmt.Errorf("timestamp: %w", err)
	}
	ti, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return LogRecord{}, fmt.Errorf("trigger_index: %w", err)
	}
	en, err := parseFlag(fields[2])
	if err != nil {
		return LogRecord{}, fmt.Errorf("enable_state: %w", err)
	}
	cp, err := parseFlag(fields[3])
	if err != nil {
		return LogRecord{}, fmt.Errorf("captured: %w", err)
	}
	return LogRecord{
		Timestamp:    ts,
		TriggerIndex: ti,
		EnableState:  en,
		Captured:     cp,
		Filename:     fields[4],
	}, nil
}

// eventLog is the append-only handle on log.csv.
type eventLog struct {
	path string
	f    *os.File
}

// createEventLog creates log.csv with its header. It refuses to touch an
// existing file.
func createEventLog(path string) (*eventLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return nil, storageError(path, "create log", err)
	}
	l := &eventLog{path: path, f: f}
	if err := l.writeRow(LogHeader); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// openEventLog opens an existing log.csv for appending, creating it with a
// header if it has gone missing. An empty file gets its header too.
func openEventLog(path string) (*eventLog, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return createEventLog(path)
	}
	if err != nil {
		return nil, storageError(path, "stat log", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, storageError(path, "open log", err)
	}
	l := &eventLog{path: path, f: f}
	if info.Size() == 0 {
		if err := l.writeRow(LogHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return l, nil
}

// Append writes one record and fsyncs before returning.
func (l *eventLog) Append(rec LogRecord) error {
	return l.writeRow(rec.fields())
}

// writeRow encodes the row in memory first so it reaches the file in a
// single write call.
func (l *eventLog) writeRow(fields []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return storageError(l.path, "encode log row", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return storageError(l.path, "encode log row", err)
	}

	if _, err := l.f.Write(buf.Bytes()); err != nil {
		return storageError(l.path, "append log row", err)
	}
	if err := l.f.Sync(); err != nil {
		return storageError(l.path, "sync log", err)
	}
	return nil
}

func (l *eventLog) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadLog parses every record of a log.csv, skipping the header.
func ReadLog(path string) ([]LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseLog(f, path)
}

// parseLog decodes log rows from r. name labels errors.
func parseLog(r io.Reader, name string) ([]LogRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var records []LogRecord
	line := 0
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", name, line, err)
		}
		if line == 1 && len(fields) > 0 && fields[0] == LogHeader[0] {
			continue
		}
		rec, err := parseLogRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", name, line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// repairTornTail truncates a trailing partial row left by a crash in the
// middle of an append. The row's record call never returned, so dropping it
// is within the durability contract. Returns the number of bytes removed.
func repairTornTail(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, storageError(path, "read log", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return 0, nil
	}

	keep := int64(bytes.LastIndexByte(data, '\n') + 1)
	if err := os.Truncate(path, keep); err != nil {
		return 0, storageError(path, "truncate torn log row", err)
	}
	return int64(len(data)) - keep, nil
}

// logSummary is what resume needs from log.csv.
type logSummary struct {
	Rows        int
	LastTrigger uint64
	MaxImage    uint64
	Filenames   map[string]struct{}
}

func summarizeLog(records []LogRecord) logSummary {
	sum := logSummary{Filenames: make(map[string]struct{})}
	for _, rec := range records {
		sum.Rows++
		if rec.TriggerIndex > sum.LastTrigger {
			sum.LastTrigger = rec.TriggerIndex
		}
		if rec.Filename == "" {
			continue
		}
		sum.Filenames[rec.Filename] = struct{}{}
		if idx, ok := ParseImageIndex(rec.Filename); ok && idx > sum.MaxImage {
			sum.MaxImage = idx
		}
	}
	return sum
}

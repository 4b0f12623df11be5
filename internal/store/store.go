package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/roach88/trigcap/internal/clock"
)

// Mode selects how Open obtains a run directory.
type Mode int

const (
	// ModeResume continues the most recent run under the base path.
	ModeResume Mode = iota
	// ModeRestart creates a fresh run directory.
	ModeRestart
)

func (m Mode) String() string {
	switch m {
	case ModeRestart:
		return "restart"
	case ModeResume:
		return "resume"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts "restart" or "resume" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "restart":
		return ModeRestart, nil
	case "resume":
		return ModeResume, nil
	}
	return 0, fmt.Errorf("invalid mode %q: must be restart or resume", s)
}

// Options configures Open. Zero values select production defaults.
type Options struct {
	Clock          clock.Clock
	RunIDs         RunIDGenerator
	ImageExtension string
	Logger         *slog.Logger
}

// Store owns one run's durable bookkeeping: the counters, log.csv,
// state.json and the derived index.
//
// All mutating methods serialize on an internal mutex. After the first
// storage failure every later RecordEvent returns that same error; the run
// must halt.
type Store struct {
	mu     sync.Mutex
	run    RunDirectory
	state  PersistedState
	log    *eventLog
	index  *Index
	clock  clock.Clock
	ext    string
	logger *slog.Logger
	failed error
}

// Open creates (ModeRestart) or resumes (ModeResume) a run under base.
//
// Resume loads state.json from the most recent run directory. If state.json
// is missing or corrupt but log.csv is readable, the counters are rebuilt
// from the log and the photos directory. Counters are also advanced past
// any row or image the state does not yet account for, which covers a crash
// between the log append and the state rename.
func Open(ctx context.Context, base string, mode Mode, opts Options) (*Store, error) {
	s := &Store{
		clock:  clock.Or(opts.Clock),
		ext:    strings.TrimPrefix(opts.ImageExtension, "."),
		logger: opts.Logger,
	}
	if s.ext == "" {
		s.ext = DefaultImageExtension
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	runIDs := opts.RunIDs
	if runIDs == nil {
		runIDs = UUIDv7Generator{}
	}

	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base path %q: %w", base, err)
	}

	switch mode {
	case ModeRestart:
		err = s.openRestart(ctx, abs, runIDs)
	case ModeResume:
		err = s.openResume(ctx, abs, runIDs)
	default:
		err = fmt.Errorf("unknown mode %v", mode)
	}
	if err != nil {
		s.closeHandles()
		return nil, err
	}
	return s, nil
}

func (s *Store) openRestart(ctx context.Context, base string, runIDs RunIDGenerator) error {
	now := s.clock.Now()
	rd, err := createRunDirectory(base, now)
	if err != nil {
		return err
	}
	s.run = rd

	s.log, err = createEventLog(rd.LogPath)
	if err != nil {
		return err
	}

	s.state, err = writeStateAtomic(rd.StatePath, PersistedState{
		NextImageIndex:   1,
		NextTriggerIndex: 1,
		RunDirectory:     rd.Path,
		LastUpdate:       now,
		RunID:            runIDs.Generate(),
	})
	if err != nil {
		return err
	}

	if err := s.openIndex(ctx, nil); err != nil {
		return err
	}

	s.logger.Info("run created", "run_dir", rd.Path, "run_id", s.state.RunID)
	return nil
}

func (s *Store) openResume(ctx context.Context, base string, runIDs RunIDGenerator) error {
	rd, err := findLatestRunDirectory(base)
	if err != nil {
		return err
	}
	s.run = rd

	if err := os.MkdirAll(rd.PhotosDir, 0o755); err != nil {
		return storageError(rd.PhotosDir, "create photos directory", err)
	}

	torn, err := repairTornTail(rd.LogPath)
	if err != nil {
		return err
	}
	if torn > 0 {
		s.logger.Warn("truncated torn log row", "path", rd.LogPath, "bytes", torn)
	}

	records, logErr := ReadLog(rd.LogPath)
	logMissing := errors.Is(logErr, fs.ErrNotExist)
	if logErr != nil && !logMissing {
		return resumeError(rd.LogPath, "log is unreadable", logErr)
	}
	sum := summarizeLog(records)

	diskMax, err := maxImageOnDisk(rd.PhotosDir)
	if err != nil {
		return resumeError(rd.PhotosDir, "scan photos directory", err)
	}

	st, stErr := loadState(rd.StatePath)
	dirty := false
	switch {
	case stErr == nil:
	case logMissing:
		return resumeError(rd.StatePath, "state is missing or corrupt and there is no log to rebuild it from", stErr)
	case errors.Is(stErr, fs.ErrNotExist) || errors.Is(stErr, errStateCorrupt):
		s.logger.Warn("rebuilding state from log", "path", rd.StatePath, "error", stErr)
		st = PersistedState{
			NextImageIndex:   1,
			NextTriggerIndex: 1,
			RunDirectory:     rd.Path,
			RunID:            s.recoverRunID(ctx, rd, runIDs),
		}
		dirty = true
	default:
		return resumeError(rd.StatePath, "read state", stErr)
	}

	if sum.LastTrigger >= st.NextTriggerIndex {
		s.logger.Warn("log is ahead of state", "last_trigger", sum.LastTrigger, "next_trigger_index", st.NextTriggerIndex)
		st.NextTriggerIndex = sum.LastTrigger + 1
		dirty = true
	}
	imageMax := max(sum.MaxImage, diskMax)
	if imageMax >= st.NextImageIndex {
		s.logger.Warn("images on disk are ahead of state", "max_image", imageMax, "next_image_index", st.NextImageIndex)
		st.NextImageIndex = imageMax + 1
		dirty = true
	}
	if st.RunDirectory != rd.Path {
		st.RunDirectory = rd.Path
		dirty = true
	}

	if dirty {
		st.LastUpdate = s.clock.Now()
		if st, err = writeStateAtomic(rd.StatePath, st); err != nil {
			return err
		}
	}
	s.state = st

	s.log, err = openEventLog(rd.LogPath)
	if err != nil {
		return err
	}
	if err := s.openIndex(ctx, records); err != nil {
		return err
	}

	s.logger.Info("run resumed",
		"run_dir", rd.Path,
		"run_id", st.RunID,
		"next_trigger_index", st.NextTriggerIndex,
		"next_image_index", st.NextImageIndex,
		"log_rows", sum.Rows,
	)
	return nil
}

// recoverRunID keeps the run's identity across a state rebuild when the
// index still remembers it.
func (s *Store) recoverRunID(ctx context.Context, rd RunDirectory, runIDs RunIDGenerator) string {
	if _, err := os.Stat(rd.IndexPath); err == nil {
		if ix, err := OpenIndex(rd.IndexPath); err == nil {
			defer ix.Close()
			if id, err := ix.Meta(ctx, "run_id"); err == nil && id != "" {
				return id
			}
		}
	}
	return runIDs.Generate()
}

// openIndex opens index.db and replays records into it. The index is
// derived data, so a damaged one is discarded and rebuilt.
func (s *Store) openIndex(ctx context.Context, records []LogRecord) error {
	path := s.run.IndexPath
	for attempt := 0; attempt < 2; attempt++ {
		ix, err := OpenIndex(path)
		if err == nil {
			var added int
			added, err = ix.Reconcile(ctx, records)
			if err == nil {
				if added > 0 {
					s.logger.Info("index reconciled from log", "added", added)
				}
				if err = ix.SetMeta(ctx, "run_id", s.state.RunID); err == nil {
					s.index = ix
					return nil
				}
			}
			ix.Close()
		}
		if attempt == 0 {
			s.logger.Warn("discarding index", "path", path, "error", err)
			for _, suffix := range []string{"", "-wal", "-shm"} {
				_ = os.Remove(path + suffix)
			}
			continue
		}
		return storageError(path, "open index", err)
	}
	return nil
}

// Run returns the run directory.
func (s *Store) Run() RunDirectory {
	return s.run
}

// State returns a copy of the in-memory state, including reservations not
// yet recorded.
func (s *Store) State() PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Index exposes the run's event index for read-only queries.
func (s *Store) Index() *Index {
	return s.index
}

// ReserveTriggerIndex returns the next trigger index and advances the
// counter in memory. Nothing is persisted until RecordEvent.
func (s *Store) ReserveTriggerIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.state.NextTriggerIndex
	s.state.NextTriggerIndex++
	return idx
}

// ReserveImageIndex returns the next image index and advances the counter
// in memory. A reserved index is never handed out again, even if the
// capture using it fails.
func (s *Store) ReserveImageIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.state.NextImageIndex
	s.state.NextImageIndex++
	return idx
}

// ImageTarget returns the filename and absolute path for image index at the
// capture time. A name that already exists on disk or in the index means the
// counters are corrupt; that is a consistency fault, never an overwrite.
func (s *Store) ImageTarget(ctx context.Context, index uint64, at time.Time) (string, string, error) {
	name := ImageFilename(at, index, s.ext)
	path := filepath.Join(s.run.PhotosDir, name)

	if _, err := os.Lstat(path); err == nil {
		return "", "", consistencyFault(path, fmt.Sprintf("image %d already exists on disk", index))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", "", storageError(path, "stat image target", err)
	}

	taken, err := s.index.HasFilename(ctx, name)
	if err != nil {
		return "", "", storageError(s.run.IndexPath, "check image filename", err)
	}
	if taken {
		return "", "", consistencyFault(path, fmt.Sprintf("image filename %s already recorded", name))
	}
	return name, path, nil
}

// RecordEvent is the durability boundary. It appends rec to log.csv and
// fsyncs, then atomically replaces state.json with the current counters,
// then mirrors rec into the index. Once it returns nil the event and the
// counters survive a crash. After a log or state failure every later call
// returns the same error.
func (s *Store) RecordEvent(ctx context.Context, rec LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return s.failed
	}
	if rec.TriggerIndex == 0 || rec.TriggerIndex >= s.state.NextTriggerIndex {
		return fmt.Errorf("record event: trigger index %d was not reserved", rec.TriggerIndex)
	}
	if rec.Captured != (rec.Filename != "") {
		return fmt.Errorf("record event: captured=%t with filename %q", rec.Captured, rec.Filename)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock.Now()
	}

	if err := s.log.Append(rec); err != nil {
		s.failed = err
		return err
	}

	next := s.state
	next.LastUpdate = s.clock.Now()
	st, err := writeStateAtomic(s.run.StatePath, next)
	if err != nil {
		s.failed = err
		return err
	}
	s.state = st

	// index.db is rebuilt from the log on resume, so a failed mirror write
	// does not stop the run.
	if err := s.index.WriteEvent(ctx, rec); err != nil {
		s.logger.Warn("index write failed", "trigger_index", rec.TriggerIndex, "error", err)
	}
	return nil
}

// Close releases the log and index handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeHandles()
}

func (s *Store) closeHandles() error {
	var errs []error
	if s.log != nil {
		errs = append(errs, s.log.Close())
		s.log = nil
	}
	if s.index != nil {
		errs = append(errs, s.index.Close())
		s.index = nil
	}
	return errors.Join(errs...)
}

package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

const (
	runDirPrefix  = "Run_"
	runDirLayout  = "20060102_150405"
	photosDirName = "photos"
	logFileName   = "log.csv"
	stateFileName = "state.json"
	indexFileName = "index.db"
	maxSameSecond = 99
)

// runDirPattern matches Run_YYYYMMDD_HHMMSS with an optional _NN suffix for
// runs started within the same second. Names sort chronologically.
var runDirPattern = regexp.MustCompile(`^Run_(\d{8}_\d{6})(?:_(\d{2}))?$`)

// RunDirectory identifies one experiment run on disk.
// It is immutable once opened.
type RunDirectory struct {
	Base      string
	Path      string
	StartedAt time.Time
	PhotosDir string
	LogPath   string
	StatePath string
	IndexPath string
}

// Name returns the run directory's base name.
func (r RunDirectory) Name() string {
	return filepath.Base(r.Path)
}

func newRunDirectory(base, path string, started time.Time) RunDirectory {
	return RunDirectory{
		Base:      base,
		Path:      path,
		StartedAt: started,
		PhotosDir: filepath.Join(path, photosDirName),
		LogPath:   filepath.Join(path, logFileName),
		StatePath: filepath.Join(path, stateFileName),
		IndexPath: filepath.Join(path, indexFileName),
	}
}

// createRunDirectory makes a fresh run directory and its photos subdirectory.
// os.Mkdir fails on an existing name, so two restarts in the same second get
// distinct suffixed directories instead of sharing one.
func createRunDirectory(base string, now time.Time) (RunDirectory, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return RunDirectory{}, storageError(base, "create base directory", err)
	}

	stem := runDirPrefix + now.Format(runDirLayout)
	for i := 0; i <= maxSameSecond; i++ {
		name := stem
		if i > 0 {
			name = fmt.Sprintf("%s_%02d", stem, i)
		}
		path := filepath.Join(base, name)
		err := os.Mkdir(path, 0o755)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return RunDirectory{}, storageError(path, "create run directory", err)
		}

		rd := newRunDirectory(base, path, now)
		if err := os.Mkdir(rd.PhotosDir, 0o755); err != nil {
			return RunDirectory{}, storageError(rd.PhotosDir, "create photos directory", err)
		}
		if err := syncDir(base); err != nil {
			return RunDirectory{}, storageError(base, "sync base directory", err)
		}
		return rd, nil
	}
	return RunDirectory{}, storageError(base, fmt.Sprintf("more than %d runs started at %s", maxSameSecond+1, stem), nil)
}

// findLatestRunDirectory returns the last run directory under base by name.
func findLatestRunDirectory(base string) (RunDirectory, error) {
	runs, err := ListRuns(base)
	if err != nil {
		return RunDirectory{}, err
	}
	if len(runs) == 0 {
		return RunDirectory{}, resumeError(base, "no previous run directory found", nil)
	}
	return runs[len(runs)-1], nil
}

// ListRuns returns every run directory under base, oldest first.
func ListRuns(base string) ([]RunDirectory, error) {
	entries, err := os.ReadDir(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, resumeError(base, "base directory does not exist", err)
	}
	if err != nil {
		return nil, resumeError(base, "list base directory", err)
	}

	var runs []RunDirectory
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := runDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		started, err := time.ParseInLocation(runDirLayout, m[1], time.Local)
		if err != nil {
			continue
		}
		runs = append(runs, newRunDirectory(base, filepath.Join(base, e.Name()), started))
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Name() < runs[j].Name()
	})
	return runs, nil
}

// syncDir fsyncs a directory so a rename or create inside it survives power
// loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

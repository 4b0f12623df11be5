package gpio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const sysfsRoot = "/sys/class/gpio"

// SysfsLine reads a line's value file. A bare pin number selects the
// kernel's /sys/class/gpio interface; any other spec is used as a path,
// which lets bench setups drive the lines from ordinary files.
type SysfsLine struct {
	name string
	path string
}

// OpenSysfs opens spec as described on SysfsLine, exporting the pin and
// setting it as an input when needed.
func OpenSysfs(spec string) (*SysfsLine, error) {
	n, err := strconv.Atoi(spec)
	if err != nil {
		if _, statErr := os.Stat(spec); statErr != nil {
			return nil, fmt.Errorf("open value file: %w", statErr)
		}
		return &SysfsLine{name: spec, path: spec}, nil
	}

	dir := filepath.Join(sysfsRoot, fmt.Sprintf("gpio%d", n))
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(sysfsRoot, "export"), []byte(spec), 0o200); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", n, err)
		}
		// udev needs a moment to fix permissions on the new node.
		time.Sleep(100 * time.Millisecond)
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("in"), 0o200); err != nil {
		return nil, fmt.Errorf("set gpio %d direction: %w", n, err)
	}
	return &SysfsLine{name: "gpio" + spec, path: filepath.Join(dir, "value")}, nil
}

// OpenSim opens a bench line backed by the file at path, creating it at LOW
// when missing. Writing "1" or "0" to the file drives the line.
func OpenSim(path string) (*SysfsLine, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case err == nil:
		_, werr := f.WriteString("0\n")
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return nil, fmt.Errorf("init sim line %s: %w", path, werr)
		}
	case !errors.Is(err, fs.ErrExist):
		return nil, fmt.Errorf("create sim line %s: %w", path, err)
	}
	return &SysfsLine{name: filepath.Base(path), path: path}, nil
}

func (l *SysfsLine) Name() string {
	return l.name
}

func (l *SysfsLine) Read() (bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(string(data)) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("unexpected value %q in %s", strings.TrimSpace(string(data)), l.path)
}

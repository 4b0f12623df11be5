package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/roach88/trigcap/internal/capture"
	"github.com/roach88/trigcap/internal/config"
)

const (
	probeTimeout    = 30 * time.Second
	probeSummaryMax = 8
)

// NewPreflightCommand creates the preflight command.
func NewPreflightCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight <base-path>",
		Short: "Check free disk space and camera connectivity",
		Long: `Check that the filesystem holding base has at least preflight.min_free
available and that the configured camera answers a summary probe.

Example:
  trigcap preflight /data/experiment
  trigcap preflight --config trigcap.yaml /data/experiment`,
		Args:          basePathArg,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreflight(rootOpts, args[0], cmd)
		},
	}
}

type preflightReport struct {
	Path       string   `json:"path"`
	FreeBytes  uint64   `json:"free_bytes"`
	MinFree    uint64   `json:"min_free_bytes"`
	DiskOK     bool     `json:"disk_ok"`
	CameraOK   bool     `json:"camera_ok"`
	CameraInfo []string `json:"camera_info,omitempty"`
	CameraErr  string   `json:"camera_error,omitempty"`
}

func (r preflightReport) ok() bool {
	return r.DiskOK && r.CameraOK
}

func (r preflightReport) String() string {
	var b strings.Builder
	mark := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "FAIL"
	}
	fmt.Fprintf(&b, "Disk:   %s free on %s (need %s) ... %s\n",
		humanize.Bytes(r.FreeBytes), r.Path, humanize.Bytes(r.MinFree), mark(r.DiskOK))
	fmt.Fprintf(&b, "Camera: %s", mark(r.CameraOK))
	if r.CameraErr != "" {
		fmt.Fprintf(&b, " (%s)", r.CameraErr)
	}
	for _, line := range r.CameraInfo {
		fmt.Fprintf(&b, "\n  %s", line)
	}
	return b.String()
}

func runPreflight(opts *RootOptions, base string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	backend, err := cfg.Backend(config.WithLogger(newLogger(cmd.ErrOrStderr(), opts.Verbose)))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create capture backend", err)
	}

	dir, err := existingAncestor(base)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to resolve base path", err)
	}
	free, err := freeBytes(dir)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read free space", err)
	}
	rep := preflightReport{
		Path:      dir,
		FreeBytes: free,
		MinFree:   uint64(cfg.Preflight.MinFree),
		DiskOK:    free >= uint64(cfg.Preflight.MinFree),
	}
	formatter.VerboseLog("free space on %s: %d bytes", dir, free)

	if prober, ok := backend.(capture.Prober); ok {
		ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
		out, err := prober.Probe(ctx)
		cancel()
		if err != nil {
			rep.CameraErr = firstLine(err.Error())
		} else {
			rep.CameraOK = true
			rep.CameraInfo = summaryLines(out, probeSummaryMax)
		}
	} else {
		rep.CameraOK = true
		rep.CameraInfo = []string{"backend has no probe; skipped"}
	}

	if !rep.ok() {
		_ = formatter.Error("PREFLIGHT", "preflight checks failed", rep)
		if opts.Format != "json" {
			fmt.Fprintln(cmd.OutOrStdout(), rep)
		}
		return NewExitError(ExitFailure, "preflight checks failed")
	}
	return formatter.Success(rep)
}

// existingAncestor returns the nearest directory at or above path that
// exists, so free space can be checked before base is created.
func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			return dir, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing directory above %s", path)
		}
		dir = parent
	}
}

func freeBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// summaryLines returns up to limit non-empty trimmed lines of s.
func summaryLines(s string, limit int) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == limit {
			break
		}
	}
	return lines
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

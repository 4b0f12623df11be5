package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/trigcap/internal/config"
	"github.com/roach88/trigcap/internal/engine"
	"github.com/roach88/trigcap/internal/gpio"
	"github.com/roach88/trigcap/internal/store"
)

// RunOptions holds flags for the restart and resume commands.
type RunOptions struct {
	*RootOptions
}

// NewRestartCommand creates the restart command.
func NewRestartCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts}, store.ModeRestart)
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts}, store.ModeResume)
}

func newRunCommand(opts *RunOptions, mode store.Mode) *cobra.Command {
	short := "Start a new run directory and capture on every trigger"
	long := `Create base/Run_YYYYMMDD_HHMMSS/ with fresh counters and start capturing.

Example:
  trigcap restart /data/experiment
  trigcap restart --config trigcap.yaml /data/experiment -v`
	if mode == store.ModeResume {
		short = "Continue the most recent run directory"
		long = `Reopen the newest run under base and continue its trigger and image
numbering. Damaged state is rebuilt from log.csv and photos/.

Example:
  trigcap resume /data/experiment`
	}

	return &cobra.Command{
		Use:           mode.String() + " <base-path>",
		Short:         short,
		Long:          long,
		Args:          basePathArg,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(opts, mode, args[0], cmd)
		},
	}
}

// runSummary is printed when a run stops.
type runSummary struct {
	Mode        string `json:"mode"`
	RunDir      string `json:"run_dir"`
	RunID       string `json:"run_id"`
	Triggers    int    `json:"triggers"`
	Captured    int    `json:"captured"`
	Failed      int    `json:"failed"`
	Disabled    int    `json:"disabled"`
	NextTrigger uint64 `json:"next_trigger_index"`
	NextImage   uint64 `json:"next_image_index"`
}

func (s runSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:      %s (%s)\n", s.RunDir, s.Mode)
	fmt.Fprintf(&b, "Triggers: %d (captured %d, failed %d, disabled %d)\n", s.Triggers, s.Captured, s.Failed, s.Disabled)
	fmt.Fprintf(&b, "Next:     trigger %d, image %d", s.NextTrigger, s.NextImage)
	return b.String()
}

// cancelOnFirstSignal cancels the run when the first signal arrives. release
// runs before cancel so a second signal gets the default handling and kills
// the process, even while a capture is still retrying.
func cancelOnFirstSignal(ctx context.Context, sigChan <-chan os.Signal, release func(), cancel context.CancelFunc, logger *slog.Logger) {
	select {
	case sig := <-sigChan:
		release()
		logger.Info("received signal, finishing queued triggers (signal again to abort)", "signal", sig)
		cancel()
	case <-ctx.Done():
		// Parent context cancelled (e.g., from test)
	}
}

func runCapture(opts *RunOptions, mode store.Mode, base string, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	backend, err := cfg.Backend(config.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create capture backend", err)
	}
	trigger, enable, err := gpio.Open(cfg.GPIO.Driver, cfg.GPIO.Trigger, cfg.GPIO.Enable)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to open gpio lines", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go cancelOnFirstSignal(ctx, sigChan, func() { signal.Stop(sigChan) }, cancel, logger)

	st, err := store.Open(ctx, base, mode, store.Options{
		ImageExtension: cfg.Capture.Extension,
		Logger:         logger,
	})
	if err != nil {
		return classify("failed to open run", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing run", "error", closeErr)
		}
	}()

	eng := engine.New(st, backend,
		engine.WithLogger(logger),
		engine.WithWarnDepth(cfg.Queue.WarnDepth),
	)
	watcher := gpio.NewWatcher(trigger, enable, cfg.WatcherConfig(), gpio.WithLogger(logger))

	fmt.Fprintf(cmd.ErrOrStderr(), "Capturing into %s\n", st.Run().Path)
	fmt.Fprintln(cmd.ErrOrStderr(), "Press Ctrl-C to stop.")

	// The watcher stops on cancel and closes the queue; the engine then
	// drains whatever was already queued before returning.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer eng.Close()
		return watcher.Run(gctx, func(evt gpio.TriggerEvent) {
			eng.Enqueue(evt)
		})
	})
	g.Go(func() error {
		return eng.Run(gctx)
	})
	runErr := g.Wait()

	stats := eng.Stats()
	state := st.State()
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
		RunID:     state.RunID,
	}
	summary := runSummary{
		Mode:        mode.String(),
		RunDir:      st.Run().Path,
		RunID:       state.RunID,
		Triggers:    stats.Triggers,
		Captured:    stats.Captured,
		Failed:      stats.Failed,
		Disabled:    stats.Disabled,
		NextTrigger: state.NextTriggerIndex,
		NextImage:   state.NextImageIndex,
	}

	if runErr != nil {
		logger.Error("run halted", "error", runErr, "pending", eng.Pending())
		_ = formatter.Error("RUN_HALTED", runErr.Error(), summary)
		return classify("run halted", runErr)
	}

	logger.Info("run stopped gracefully")
	return formatter.Success(summary)
}

// newLogger writes human-readable logs to a terminal and JSON lines to
// anything else.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: logLevel}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/trigcap/internal/store"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <base-path>",
		Short: "Summarize the most recent run",
		Long: `Print the newest run directory under base with its counters and how many
triggers were captured, failed or disabled. Nothing on disk is changed.

Example:
  trigcap status /data/experiment
  trigcap status --format json /data/experiment`,
		Args:          basePathArg,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, args[0], cmd)
		},
	}
}

// statusReport wraps store.RunReport with its text rendering.
type statusReport struct {
	store.RunReport
}

func (r statusReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:      %s\n", r.Path)
	if r.State != nil {
		fmt.Fprintf(&b, "Run ID:   %s\n", r.State.RunID)
		fmt.Fprintf(&b, "Updated:  %s (%s)\n", r.State.LastUpdate.Format(time.RFC3339), humanize.Time(r.State.LastUpdate))
		fmt.Fprintf(&b, "Next:     trigger %d, image %d\n", r.State.NextTriggerIndex, r.State.NextImageIndex)
	} else {
		fmt.Fprintf(&b, "State:    unusable (%s); resume will rebuild it\n", r.StateErr)
	}
	s := r.Summary
	fmt.Fprintf(&b, "Triggers: %d (captured %d, failed %d, disabled %d)", s.Triggers, s.Captured, s.Failed, s.Disabled)
	if s.LastFilename != "" {
		fmt.Fprintf(&b, "\nLast:     %s", s.LastFilename)
	}
	if r.TornTail {
		b.WriteString("\nWarning:  log.csv ends in a partial row; resume will drop it")
	}
	return b.String()
}

func runStatus(opts *RootOptions, base string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	rep, err := store.Inspect(cmd.Context(), base)
	if err != nil {
		_ = formatter.Error("NO_RUN", err.Error(), nil)
		return classify("failed to inspect run", err)
	}
	formatter.VerboseLog("log rows: %d", rep.LogRows)
	if rep.State != nil {
		formatter.RunID = rep.State.RunID
	}
	return formatter.Success(statusReport{rep})
}

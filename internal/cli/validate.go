package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/trigcap/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool             `json:"valid"`
	Path      string           `json:"path,omitempty"`
	Errors    []config.Problem `json:"errors,omitempty"`
	Effective *config.Config   `json:"effective,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a config file and print the effective settings",
		Long: `Check trigcap.yaml against the config schema and print the configuration
a run would use, with defaults filled in. The file may be given as an
argument or with --config; with neither, the built-in defaults are shown.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				return WrapExitError(ExitCommandError, "expected at most one config file", err)
			}
			return nil
		},
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	if path == "" {
		formatter.VerboseLog("No config file given; showing defaults")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return outputValidationErrors(formatter, path, config.Problems(err))
	}

	result := ValidationResult{Valid: true, Path: path, Effective: &cfg}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return outputEffective(formatter.Writer, path, cfg)
}

func outputValidationErrors(formatter *OutputFormatter, path string, problems []config.Problem) error {
	if formatter.Format == "json" {
		_ = formatter.Error("INVALID_CONFIG", fmt.Sprintf("%d problem(s) in %s", len(problems), path), ValidationResult{
			Valid:  false,
			Path:   path,
			Errors: problems,
		})
	} else {
		fmt.Fprintf(formatter.Writer, "%s: invalid\n", path)
		for _, p := range problems {
			if p.Path != "" {
				fmt.Fprintf(formatter.Writer, "  %s: %s\n", p.Path, p.Message)
			} else {
				fmt.Fprintf(formatter.Writer, "  %s\n", p.Message)
			}
		}
	}
	return NewExitError(ExitCommandError, "config validation failed")
}

func outputEffective(w io.Writer, path string, cfg config.Config) error {
	if path == "" {
		path = "(defaults)"
	}
	fmt.Fprintf(w, "%s: valid\n", path)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// Package cli implements the fitsync command line.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"example.com/fitsync/internal/agent"
	"example.com/fitsync/internal/config"
	"example.com/fitsync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config  string
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fitsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fitsync",
		Short: "Offline-first sync agent for fitness data",
		Long: `fitsync keeps a local SQLite copy of workouts, templates, schedules and
measurements in sync with the remote service.

Local writes are recorded in a durable mutation log and pushed on the next
sync pass; remote changes are pulled incrementally from the last checkpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to YAML config (default $FITSYNC_CONFIG)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewRejectionsCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))

	return cmd
}

// loadConfig reads the agent configuration and initializes logging from it.
func (o *RootOptions) loadConfig() (config.Agent, error) {
	cfg, err := config.LoadAgent(o.Config)
	if err != nil {
		return config.Agent{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	logging.Init(cfg.Log)
	return cfg, nil
}

// openAgent loads the configuration and opens the agent. The caller closes
// it.
func (o *RootOptions) openAgent(ctx context.Context) (*agent.Agent, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := agent.New(ctx, cfg, o.logger())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open agent", err)
	}
	return a, nil
}

func (o *RootOptions) logger() zerolog.Logger {
	return logging.With().Str("cmd", "fitsync").Logger()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

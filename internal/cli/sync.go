package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"example.com/fitsync/internal/agent"
	"example.com/fitsync/internal/syncer"
)

// NewRunCommand creates the run command: the long-running agent.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent in the foreground",
		Long: `Run the connectivity monitor, the background scheduler and the local
status API until interrupted.

A pass runs every sync.interval while the remote is reachable, and as soon as
the remote becomes reachable again after an outage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := rootOpts.openAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil {
				return WrapExitError(ExitFailure, "agent stopped", err)
			}
			return nil
		},
	}
}

// NewSyncCommand creates the sync command: one pass in the foreground.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Long: `Drain the local mutation log to the remote service, pull remote changes
since the last checkpoint and commit the new checkpoint.

Exits 1 when the pass did not succeed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := rootOpts.openAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out := rootOpts.formatter(cmd)
			report := a.Engine.Sync(ctx, "cli")
			if err := out.Success(report, func(w io.Writer) { printReport(w, report) }); err != nil {
				return err
			}
			if report.Outcome != syncer.OutcomeSuccess {
				return NewExitError(ExitFailure, fmt.Sprintf("sync %s: %s", report.Outcome, report.FailureReason))
			}
			return nil
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint, queue depth and remote reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := rootOpts.openAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out := rootOpts.formatter(cmd)
			status, err := a.Snapshot(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read status", err)
			}
			// The monitor is not running here; probe once instead.
			probeErr := a.Client.Probe(ctx)
			if probeErr != nil {
				out.VerboseLog("probe failed: %v", probeErr)
			}
			status.Reachable = probeErr == nil
			return out.Success(status, func(w io.Writer) { printStatus(w, status) })
		},
	}
}

func printReport(w io.Writer, r syncer.Report) {
	fmt.Fprintf(w, "outcome:     %s\n", r.Outcome)
	if r.FailureReason != "" {
		fmt.Fprintf(w, "reason:      %s\n", r.FailureReason)
	}
	fmt.Fprintf(w, "sent:        %d (coalesced %d, annihilated %d, deferred %d)\n", r.Sent, r.Coalesced, r.Annihilated, r.Deferred)
	fmt.Fprintf(w, "rejected:    %d (quarantined %d, retryable %d)\n", r.Rejected, r.Quarantined, r.Retryable)
	fmt.Fprintf(w, "pulled:      %d (applied %d, linked %d, skipped %d)\n", r.Pulled, r.Applied, r.Linked, r.Skipped)
	if r.Advanced {
		fmt.Fprintf(w, "checkpoint:  %s\n", r.Checkpoint)
	}
	fmt.Fprintf(w, "duration:    %s\n", r.Duration)
}

func printStatus(w io.Writer, s agent.Status) {
	checkpoint := "never"
	if !s.Checkpoint.IsZero() {
		checkpoint = s.Checkpoint.String()
	}
	fmt.Fprintf(w, "account:     %s\n", s.AccountID)
	fmt.Fprintf(w, "remote:      %s (reachable: %t)\n", s.Remote, s.Reachable)
	fmt.Fprintf(w, "checkpoint:  %s\n", checkpoint)
	fmt.Fprintf(w, "queue:       %d pending\n", s.QueueDepth)
	fmt.Fprintf(w, "rejections:  %d\n", s.Rejections)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"example.com/fitsync/internal/domain"
)

// EntryView is the printable form of a queued mutation.
type EntryView struct {
	ID            int64             `json:"id"`
	OpID          string            `json:"opId"`
	EntityType    domain.EntityType `json:"entityType"`
	LocalEntityID int64             `json:"localEntityId"`
	Operation     domain.Operation  `json:"operation"`
	GlobalID      *int64            `json:"globalId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	Attempts      int               `json:"attempts"`
	Ambiguous     bool              `json:"ambiguous,omitempty"`
	Dispatched    bool              `json:"dispatched,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
}

// RejectionView is the printable form of a rejected mutation.
type RejectionView struct {
	OpID          string            `json:"opId"`
	EntityType    domain.EntityType `json:"entityType"`
	LocalEntityID int64             `json:"localEntityId"`
	Operation     domain.Operation  `json:"operation"`
	Kind          string            `json:"kind"`
	Status        int               `json:"status,omitempty"`
	Detail        string            `json:"detail,omitempty"`
	RejectedAt    time.Time         `json:"rejectedAt"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List pending mutations in log order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := rootOpts.openAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Store.Entries(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read queue", err)
			}
			views := make([]EntryView, 0, len(entries))
			for _, e := range entries {
				views = append(views, EntryView{
					ID:            e.ID,
					OpID:          e.OpID,
					EntityType:    e.EntityType,
					LocalEntityID: e.LocalEntityID,
					Operation:     e.Operation,
					GlobalID:      e.GlobalID,
					CreatedAt:     time.UnixMilli(e.CreatedAt).UTC(),
					Attempts:      e.Attempts,
					Ambiguous:     e.Ambiguous,
					Dispatched:    e.Dispatched,
					LastError:     e.LastError,
				})
			}
			return rootOpts.formatter(cmd).Success(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "Queue is empty")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOP\tTYPE\tLOCAL\tATTEMPTS\tLAST ERROR")
				for _, v := range views {
					op := string(v.Operation)
					if v.Ambiguous {
						op += "?"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n", v.ID, op, v.EntityType, v.LocalEntityID, v.Attempts, v.LastError)
				}
				_ = tw.Flush()
			})
		},
	}
}

// NewRejectionsCommand creates the rejections command.
func NewRejectionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rejections",
		Short: "List mutations the remote refused or that ran out of attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := rootOpts.openAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rejections, err := a.Store.Rejections(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read rejections", err)
			}
			views := make([]RejectionView, 0, len(rejections))
			for _, r := range rejections {
				views = append(views, RejectionView{
					OpID:          r.OpID,
					EntityType:    r.EntityType,
					LocalEntityID: r.LocalEntityID,
					Operation:     r.Operation,
					Kind:          r.Kind,
					Status:        r.Status,
					Detail:        r.Detail,
					RejectedAt:    r.RejectedAt,
				})
			}
			return rootOpts.formatter(cmd).Success(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No rejections")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "WHEN\tOP\tTYPE\tLOCAL\tKIND\tDETAIL")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
						v.RejectedAt.Format(time.RFC3339), v.Operation, v.EntityType, v.LocalEntityID, v.Kind, v.Detail)
				}
				_ = tw.Flush()
			})
		},
	}
}

package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"example.com/fitsync/internal/domain"
)

// RecordOptions holds flags for add and update.
type RecordOptions struct {
	*RootOptions
	Data string
}

// RowView is the printable form of a local row.
type RowView struct {
	LocalID    int64         `json:"localId"`
	GlobalID   *int64        `json:"globalId,omitempty"`
	SyncFailed bool          `json:"syncFailed,omitempty"`
	UpdatedAt  string        `json:"updatedAt"`
	Fields     domain.Fields `json:"fields"`
}

func viewOf(row domain.Row) RowView {
	return RowView{
		LocalID:    row.LocalID,
		GlobalID:   row.GlobalID,
		SyncFailed: row.SyncFailed,
		UpdatedAt:  row.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		Fields:     row.Fields,
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <type>",
		Short: "List local records of one entity type",
		Long: `List local records of one entity type. The type is either the entity
name (workoutTemplate) or the remote resource name (workoutTemplates).

Reference fields hold local ids.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := rootOpts.openAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			desc, err := resolveType(a.Registry(), args[0])
			if err != nil {
				return err
			}
			rows, err := a.Store.Entities(ctx, desc)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list records", err)
			}
			views := make([]RowView, 0, len(rows))
			for _, row := range rows {
				views = append(views, viewOf(row))
			}
			return rootOpts.formatter(cmd).Success(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintf(w, "No %s records\n", desc.Type)
					return
				}
				for _, v := range views {
					fmt.Fprintln(w, formatRow(v))
				}
			})
		},
	}
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <type>",
		Short: "Create a local record and queue it for sync",
		Long: `Create a local record and queue it for sync.

Examples:
  fitsync add exercise --data '{"name":"Deadlift","muscleGroup":"back"}'
  fitsync add scheduledWorkout --data '{"weekScheduleId":1,"dayOfWeek":2}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := opts.openAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			desc, err := resolveType(a.Registry(), args[0])
			if err != nil {
				return err
			}
			fields, err := parseData(opts.Data)
			if err != nil {
				return err
			}
			entity, err := domain.Decode(desc, fields)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --data", err)
			}
			localID, err := a.Recorder.RecordCreate(ctx, entity)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to record create", err)
			}
			result := map[string]any{"type": desc.Type, "localId": localID}
			return opts.formatter(cmd).Success(result, func(w io.Writer) {
				fmt.Fprintf(w, "created %s %d\n", desc.Type, localID)
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "record fields as a JSON object (required)")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

// NewUpdateCommand creates the update command. --data is merged over the
// current fields.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <type> <local-id>",
		Short: "Update a local record and queue it for sync",
		Long: `Update a local record and queue it for sync. Fields in --data replace the
current values; fields not mentioned are kept. A null value clears an
optional field.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := opts.openAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			desc, err := resolveType(a.Registry(), args[0])
			if err != nil {
				return err
			}
			localID, err := parseLocalID(args[1])
			if err != nil {
				return err
			}
			patch, err := parseData(opts.Data)
			if err != nil {
				return err
			}
			row, err := a.Store.Entity(ctx, desc, localID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read record", err)
			}
			if row == nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("%s %d not found", desc.Type, localID))
			}
			merged := row.Fields.Clone()
			for k, v := range patch {
				merged[k] = v
			}
			entity, err := domain.Decode(desc, merged)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --data", err)
			}
			if err := a.Recorder.RecordUpdate(ctx, localID, entity); err != nil {
				return WrapExitError(ExitCommandError, "failed to record update", err)
			}
			result := map[string]any{"type": desc.Type, "localId": localID}
			return opts.formatter(cmd).Success(result, func(w io.Writer) {
				fmt.Fprintf(w, "updated %s %d\n", desc.Type, localID)
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "fields to change as a JSON object (required)")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <local-id>",
		Short: "Delete a local record and queue the delete for sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := rootOpts.openAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			desc, err := resolveType(a.Registry(), args[0])
			if err != nil {
				return err
			}
			localID, err := parseLocalID(args[1])
			if err != nil {
				return err
			}
			if err := a.Recorder.RecordDelete(ctx, desc.Type, localID); err != nil {
				return WrapExitError(ExitCommandError, "failed to record delete", err)
			}
			result := map[string]any{"type": desc.Type, "localId": localID}
			return rootOpts.formatter(cmd).Success(result, func(w io.Writer) {
				fmt.Fprintf(w, "deleted %s %d\n", desc.Type, localID)
			})
		},
	}
}

// resolveType accepts an entity type or a resource name.
func resolveType(registry *domain.Registry, name string) (domain.Descriptor, error) {
	if desc, err := registry.Lookup(domain.EntityType(name)); err == nil {
		return desc, nil
	}
	if desc, ok := registry.ByResource(name); ok {
		return desc, nil
	}
	known := make([]string, 0)
	for _, desc := range registry.Ordered() {
		known = append(known, string(desc.Type))
	}
	return domain.Descriptor{}, NewExitError(ExitCommandError,
		fmt.Sprintf("unknown entity type %q: must be one of %s", name, strings.Join(known, ", ")))
}

func parseData(raw string) (domain.Fields, error) {
	fields, err := domain.DecodeFields([]byte(raw))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "--data must be a JSON object", err)
	}
	return fields, nil
}

func parseLocalID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid local id %q", raw))
	}
	return id, nil
}

func formatRow(v RowView) string {
	gid := "-"
	if v.GlobalID != nil {
		gid = strconv.FormatInt(*v.GlobalID, 10)
	}
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		raw, err := json.Marshal(v.Fields[k])
		if err != nil {
			raw = []byte("?")
		}
		parts = append(parts, k+"="+string(raw))
	}
	flag := ""
	if v.SyncFailed {
		flag = " [sync failed]"
	}
	return fmt.Sprintf("%d\tgid=%s\t%s%s", v.LocalID, gid, strings.Join(parts, " "), flag)
}

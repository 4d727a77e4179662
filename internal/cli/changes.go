package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/animeboard/internal/bus"
)

// ChangesOptions holds flags for the changes and replay commands.
type ChangesOptions struct {
	*RootOptions
	After int64
	Topic string
	Limit int
}

func (o *ChangesOptions) validate() error {
	if o.After < 0 {
		return NewExitError(ExitCommandError, "--after must not be negative")
	}
	if o.Topic != "" && !bus.ValidTopic(o.Topic) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid topic %q", o.Topic))
	}
	return nil
}

// NewChangesCommand creates the changes command.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List the store's change log",
		Long: `List committed row changes in commit order.

Every write to posts, comments and notifications appends an entry to the
change log. The printed "last seq" is the cursor to pass as --after to
continue from.

Examples:
  animeboard changes
  animeboard changes --topic notifications --limit 20
  animeboard changes --after 42 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChanges(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "only changes after this seq")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "only changes on this topic (posts, notifications, comments:<post-id>)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum entries (0 for all)")

	return cmd
}

func runChanges(opts *ChangesOptions, cmd *cobra.Command) error {
	if err := opts.validate(); err != nil {
		return err
	}
	a, err := openApp(cmd, opts.RootOptions, needs{})
	if err != nil {
		return err
	}
	defer a.Close()

	events, last, err := a.store.Changes(cmd.Context(), opts.After, opts.Topic, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read changes", err)
	}
	return formatter(opts.RootOptions, cmd).Success(changeList(opts.After, last, events))
}

func changeList(after, last int64, events []bus.Event) ChangeList {
	rows := make([]ChangeRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, ChangeRow{
			Topic:      ev.Topic,
			Table:      ev.Table,
			Op:         ev.Op,
			EventID:    ev.ID,
			CommitTime: ev.CommitTime,
		})
	}
	return ChangeList{After: after, Last: last, Changes: rows}
}

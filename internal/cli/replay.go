package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// ReplayResult reports a replay run.
type ReplayResult struct {
	After     int64  `json:"after"`
	Last      int64  `json:"last"`
	Published int    `json:"published"`
	Topic     string `json:"topic,omitempty"`
}

func (r ReplayResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Replayed %d change(s) after seq %d; last seq %d\n", r.Published, r.After, r.Last)
	return err
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-publish the change log to the bus",
		Long: `Re-publish logged changes to the configured bus with their original
event ids. Subscribers that already applied an event skip the duplicate,
so a replay only fills gaps left by a broker outage.

Requires a bus the CLI publishes to (bus.kind=amqp). A websocket relay
tails the change log itself and needs no replay.

Examples:
  animeboard replay --after 120
  animeboard replay --topic notifications`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "only changes after this seq")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "only changes on this topic")

	return cmd
}

func runReplay(opts *ChangesOptions, cmd *cobra.Command) error {
	if err := opts.validate(); err != nil {
		return err
	}
	a, err := openApp(cmd, opts.RootOptions, needs{})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.tr.Publisher == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("bus.kind %s has no publisher to replay to", a.cfg.Bus.Kind))
	}

	ctx := cmd.Context()
	pending, _, err := a.store.Changes(ctx, opts.After, opts.Topic, 0)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read changes", err)
	}
	last, err := a.store.Replay(ctx, opts.After, opts.Topic)
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("replay stopped after seq %d", last), err)
	}
	return formatter(opts.RootOptions, cmd).Success(ReplayResult{
		After:     opts.After,
		Last:      last,
		Published: len(pending),
		Topic:     opts.Topic,
	})
}

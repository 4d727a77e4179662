package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/animeboard/internal/model"
)

// NewNotifyCommand creates the notify command.
func NewNotifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notify <message>",
		Short: "Append a notification for everyone",
		Long: `Append a notification. Notifications are append-only and are
delivered to every watcher over the push channel.

Example:
  animeboard notify "Season 2 announced"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, needs{scope: true})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.scope.Notify(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return check("notify", err)
			}
			return formatter(rootOpts, cmd).Success(Message{Text: fmt.Sprintf("Notified %s", n.ID), ID: n.ID})
		},
	}
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	PostID   string
	Duration time.Duration
	Interval time.Duration
	History  bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live notifications and comments",
		Long: `Subscribe to notifications (and one post's comments with --post) and
print each new row as it is reconciled. Runs until interrupted or until
--for elapses.

With bus.kind=memory only changes made by this process are seen; point
bus.kind at websocket (a running relay) or amqp to watch other clients.

Examples:
  animeboard watch
  animeboard watch --post 0192c3a4-... --for 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.PostID, "post", "", "also watch this post's comments")
	cmd.Flags().DurationVar(&opts.Duration, "for", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 250*time.Millisecond, "how often to check for new rows")
	cmd.Flags().BoolVar(&opts.History, "history", false, "print recent notifications first")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	if opts.Interval <= 0 {
		return NewExitError(ExitCommandError, "--interval must be positive")
	}
	a, err := openApp(cmd, opts.RootOptions, needs{scope: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if opts.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, opts.Duration)
		defer stop()
	}

	if err := check("load notifications", a.scope.OpenNotifications(ctx)); err != nil {
		return err
	}
	if opts.PostID != "" {
		if _, err := a.scope.OpenPost(ctx, opts.PostID); err != nil {
			return check("open post", err)
		}
	}

	w := cmd.OutOrStdout()
	f := formatter(opts.RootOptions, cmd)
	seen := newSeen()
	// Rows loaded with the view are history; only later rows print.
	history := seen.notifications(a.scope.Notifications())
	if opts.History {
		if err := f.Success(NotificationList{Notifications: history}); err != nil {
			return err
		}
	}
	if opts.PostID != "" {
		seen.comments(a.scope.Comments(opts.PostID))
	}
	f.VerboseLog("watching notifications%s", postSuffix(opts.PostID))

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("watch stopped", "reason", ctx.Err())
			return a.failed()
		case <-ticker.C:
			for _, n := range seen.notifications(a.scope.Notifications()) {
				printRow(w, opts.Format, "notification", n)
			}
			if opts.PostID != "" {
				for _, c := range seen.comments(a.scope.Comments(opts.PostID)) {
					printRow(w, opts.Format, "comment", c)
				}
			}
		}
	}
}

func postSuffix(postID string) string {
	if postID == "" {
		return ""
	}
	return " and comments on " + postID
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// seen tracks row ids already printed.
type seen struct {
	ids map[string]bool
}

func newSeen() *seen { return &seen{ids: make(map[string]bool)} }

// notifications returns rows not seen before, in view order.
func (s *seen) notifications(rows []model.Notification) []model.Notification {
	var out []model.Notification
	for _, n := range rows {
		if s.mark("n:" + n.ID) {
			out = append(out, n)
		}
	}
	return out
}

func (s *seen) comments(rows []model.Comment) []model.Comment {
	var out []model.Comment
	for _, c := range rows {
		if s.mark("c:" + c.ID) {
			out = append(out, c)
		}
	}
	return out
}

func (s *seen) mark(key string) bool {
	if s.ids[key] {
		return false
	}
	s.ids[key] = true
	return true
}

func printRow(w io.Writer, format, kind string, row any) {
	if format == "json" {
		// One compact envelope per line.
		_ = json.NewEncoder(w).Encode(CLIResponse{Status: "ok", Data: map[string]any{"kind": kind, "row": row}})
		return
	}
	switch r := row.(type) {
	case model.Notification:
		fmt.Fprintf(w, "%s  notification  %s\n", stamp(r.CreatedAt), r.Message)
	case model.Comment:
		fmt.Fprintf(w, "%s  comment  %s: %s\n", stamp(r.CreatedAt), r.UserID, r.Content)
	}
}

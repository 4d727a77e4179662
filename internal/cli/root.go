package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/animeboard/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	EnvFile    string
	Database   string
	UserID     string

	// Config is resolved in PersistentPreRunE. Tests may set it directly.
	Config *config.Config
	// Dial overrides how commands reach their collaborators (tests).
	Dial Dialer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the animeboard CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRoot(&RootOptions{})
	return cmd
}

// Execute runs the CLI with args and returns the process exit code.
// Errors are reported on stderr, or on stdout as a JSON envelope when
// --format json is set.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, opts := newRoot(&RootOptions{})
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	f := &OutputFormatter{Format: opts.Format, Writer: stderr, Verbose: opts.Verbose}
	if opts.Format == "json" {
		f.Writer = stdout
	}
	_ = f.Error(ErrorCode(err), err.Error(), failureDetails(err))
	return GetExitCode(err)
}

func newRoot(opts *RootOptions) (*cobra.Command, *RootOptions) {
	cmd := &cobra.Command{
		Use:   "animeboard",
		Short: "animeboard - anime discussion board client",
		Long: `Client for the animeboard discussion board.

Every mutating command goes through the optimistic sync scope: the
change is applied locally, written to the backing store, and reconciled
with the push channel. Settings come from animeboard.yaml, .env and
ANIMEBOARD_* variables; flags win over all of them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default ./animeboard.yaml)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file (default .env)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides db.path)")
	cmd.PersistentFlags().StringVar(&opts.UserID, "user", "", "act as this user id (overrides user.id)")

	cmd.AddCommand(NewPostsCommand(opts))
	cmd.AddCommand(NewCommentsCommand(opts))
	cmd.AddCommand(NewAnimeCommand(opts))
	cmd.AddCommand(NewProfileCommand(opts))
	cmd.AddCommand(NewNotifyCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewChangesCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))

	return cmd, opts
}

// resolve loads configuration, applies flag overrides and configures
// logging.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	if o.Config == nil {
		cfg, v, err := config.Load(config.Options{File: o.ConfigFile, EnvFile: o.EnvFile})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		bindOverrides(v, o)
		if cfg, err = config.Decode(v); err != nil {
			return WrapExitError(ExitCommandError, "invalid config", err)
		}
		o.Config = cfg
	}
	if o.Dial == nil {
		o.Dial = defaultDialer{}
	}
	configureLogging(o.Config.Log, o.Verbose)
	slog.Debug("config resolved", "command", cmd.CommandPath(), "db", o.Config.DB.Path, "bus", o.Config.Bus.Kind)
	return nil
}

func bindOverrides(v *viper.Viper, o *RootOptions) {
	if o.Database != "" {
		v.Set("db.path", o.Database)
	}
	if o.UserID != "" {
		v.Set("user.id", o.UserID)
		v.Set("user.token", "")
	}
}

// configureLogging installs the default slog handler on stderr.
func configureLogging(lc config.LogConfig, verbose bool) {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, hopts)
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, hopts)
	}
	slog.SetDefault(slog.New(handler))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

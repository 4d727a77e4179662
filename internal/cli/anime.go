package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/animeboard/internal/engine"
	"github.com/roach88/animeboard/internal/model"
)

// AnimeOptions holds flags for the anime commands.
type AnimeOptions struct {
	*RootOptions
	Pages int
}

// NewAnimeCommand creates the anime command group.
func NewAnimeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AnimeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "anime",
		Short: "Browse the anime catalog and mark titles",
		Long: `Browse the anime catalog and mark titles as watched or favorite.

A title holds at most one status. Marking it with the status it already
has clears it; marking it with the other status switches.

Examples:
  animeboard anime browse --pages 2
  animeboard anime show 52991
  animeboard anime mark 52991 favorite
  animeboard anime season`,
	}

	browse := &cobra.Command{
		Use:   "browse",
		Short: "List top anime with your statuses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnimeBrowse(opts, cmd)
		},
	}
	browse.Flags().IntVar(&opts.Pages, "pages", 1, "number of pages to load")

	show := &cobra.Command{
		Use:   "show <anime-id>",
		Short: "Show one title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := animeID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, rootOpts, needs{scope: true, catalog: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := check("load interactions", a.scope.LoadInteractions(ctx)); err != nil {
				return err
			}
			d, err := a.scope.AnimeDetail(ctx, id)
			if err != nil {
				return check("load anime", err)
			}
			return formatter(rootOpts, cmd).Success(AnimeView{AnimeDetail: d, UserStatus: a.scope.Interaction(id)})
		},
	}

	mark := &cobra.Command{
		Use:   "mark <anime-id> <watched|favorite>",
		Short: "Toggle or switch your status on a title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := animeID(args[0])
			if err != nil {
				return err
			}
			status, err := model.ParseStatus(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid status", err)
			}
			a, err := openApp(cmd, rootOpts, needs{scope: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := check("load interactions", a.scope.LoadInteractions(ctx)); err != nil {
				return err
			}
			next, err := a.scope.SetInteraction(ctx, id, status)
			if err != nil {
				return check("mark anime", err)
			}
			if err := a.settle(ctx); err != nil {
				return err
			}
			text := fmt.Sprintf("Cleared status on %d", id)
			if next != "" {
				text = fmt.Sprintf("Marked %d %s", id, next)
			}
			return formatter(rootOpts, cmd).Success(Message{Text: text, ID: args[0]})
		},
	}

	season := &cobra.Command{
		Use:   "season",
		Short: "List titles airing this season",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, needs{scope: true, catalog: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := check("load interactions", a.scope.LoadInteractions(ctx)); err != nil {
				return err
			}
			page, err := a.scope.CurrentSeason(ctx)
			if err != nil {
				return check("load season", err)
			}
			view := CatalogView{Page: page.Number, Entries: make([]engine.CatalogEntry, 0, len(page.Items))}
			for _, it := range page.Items {
				view.Entries = append(view.Entries, engine.CatalogEntry{AnimeSummary: it, Status: a.scope.Interaction(it.ID)})
			}
			return formatter(rootOpts, cmd).Success(view)
		},
	}

	cmd.AddCommand(browse, show, mark, season)
	return cmd
}

func runAnimeBrowse(opts *AnimeOptions, cmd *cobra.Command) error {
	if opts.Pages < 1 {
		return NewExitError(ExitCommandError, "--pages must be at least 1")
	}
	a, err := openApp(cmd, opts.RootOptions, needs{scope: true, catalog: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := check("load catalog", a.scope.OpenCatalog(ctx)); err != nil {
		return err
	}
	page := 1
	for ; page < opts.Pages && a.scope.HasMore(); page++ {
		if err := check("load catalog", a.scope.LoadMore(ctx)); err != nil {
			return err
		}
	}
	if err := a.failed(); err != nil {
		return err
	}
	return formatter(opts.RootOptions, cmd).Success(CatalogView{Page: page, HasMore: a.scope.HasMore(), Entries: a.scope.Catalog()})
}

func animeID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid anime id %q", arg))
	}
	return id, nil
}

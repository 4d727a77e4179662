package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/animeboard/internal/model"
	"github.com/roach88/animeboard/internal/reconcile"
)

// PostsOptions holds flags for the posts commands.
type PostsOptions struct {
	*RootOptions
	Sort      string
	Ascending bool
	Search    string

	Title    string
	Content  string
	ImageURL string
	Tags     []string
}

// NewPostsCommand creates the posts command group.
func NewPostsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PostsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "posts",
		Short: "List, create and react to posts",
		Long: `Work with discussion posts.

Mutations apply locally first and are rolled back if the backing write
fails; the command exits 1 when that happens.

Examples:
  animeboard posts list --sort upvotes
  animeboard posts list --search frieren
  animeboard posts create --title "Frieren ep 12" --content "..." --tag frieren
  animeboard posts like 0192c3a4-...
  animeboard posts edit 0192c3a4-... --title "Frieren ep 12 (spoilers)"`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPostsList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.Sort, "sort", string(reconcile.SortCreatedAt), "sort by created_at|upvotes|likes")
	list.Flags().BoolVar(&opts.Ascending, "asc", false, "ascending order")
	list.Flags().StringVar(&opts.Search, "search", "", "only posts whose title contains this text (case-insensitive)")

	show := &cobra.Command{
		Use:   "show <post-id>",
		Short: "Show a post and its comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPostShow(opts, cmd, args[0])
		},
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Publish a new post",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPostCreate(opts, cmd)
		},
	}
	create.Flags().StringVar(&opts.Title, "title", "", "post title (required)")
	create.Flags().StringVar(&opts.Content, "content", "", "post body")
	create.Flags().StringVar(&opts.ImageURL, "image", "", "image URL")
	create.Flags().StringArrayVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	_ = create.MarkFlagRequired("title")

	edit := &cobra.Command{
		Use:   "edit <post-id>",
		Short: "Edit one of your posts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPostEdit(opts, cmd, args[0])
		},
	}
	edit.Flags().StringVar(&opts.Title, "title", "", "new title (default unchanged)")
	edit.Flags().StringVar(&opts.Content, "content", "", "new body (default unchanged)")
	edit.Flags().StringVar(&opts.ImageURL, "image", "", "new image URL (default unchanged)")

	cmd.AddCommand(list, show, create, edit,
		postAction(opts, "like <post-id>", "Toggle your like on a post", runPostLike),
		postAction(opts, "upvote <post-id>", "Upvote a post", runPostUpvote),
		postAction(opts, "delete <post-id>", "Delete one of your posts", runPostDelete),
		postAction(opts, "bookmark <post-id>", "Toggle a bookmark on a post", runPostBookmark),
	)
	return cmd
}

type postRunner func(ctx context.Context, a *app, f *OutputFormatter, postID string) error

// postAction builds a subcommand that loads one post and runs fn on it.
func postAction(opts *PostsOptions, use, short string, fn postRunner) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions, needs{scope: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := loadPost(ctx, a, args[0]); err != nil {
				return err
			}
			return fn(ctx, a, formatter(opts.RootOptions, cmd), args[0])
		},
	}
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
}

// loadPost loads the feed (for bookmarks) and the post itself.
func loadPost(ctx context.Context, a *app, postID string) error {
	if err := check("load feed", a.scope.LoadFeed(ctx)); err != nil {
		return err
	}
	_, err := a.scope.OpenPost(ctx, postID)
	return check("open post", err)
}

func postRow(a *app, p model.Post) PostRow {
	return PostRow{Post: p, LikeCount: p.LikeCount(), Bookmarked: a.scope.Bookmarked(p.ID)}
}

func runPostsList(opts *PostsOptions, cmd *cobra.Command) error {
	field := reconcile.SortField(opts.Sort)
	switch field {
	case reconcile.SortCreatedAt, reconcile.SortUpvotes, reconcile.SortLikes:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid sort %q: must be created_at, upvotes or likes", opts.Sort))
	}

	a, err := openApp(cmd, opts.RootOptions, needs{scope: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := check("load feed", a.scope.SearchFeed(cmd.Context(), opts.Search)); err != nil {
		return err
	}
	posts := a.scope.Posts(field, opts.Ascending)
	out := PostList{Posts: make([]PostRow, 0, len(posts))}
	for _, p := range posts {
		out.Posts = append(out.Posts, postRow(a, p))
	}
	return formatter(opts.RootOptions, cmd).Success(out)
}

func runPostShow(opts *PostsOptions, cmd *cobra.Command, postID string) error {
	a, err := openApp(cmd, opts.RootOptions, needs{scope: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := loadPost(cmd.Context(), a, postID); err != nil {
		return err
	}
	p, _ := a.scope.Post(postID)
	comments := a.scope.Comments(postID)
	if comments == nil {
		comments = []model.Comment{}
	}
	return formatter(opts.RootOptions, cmd).Success(PostView{Post: postRow(a, p), Comments: comments})
}

func runPostCreate(opts *PostsOptions, cmd *cobra.Command) error {
	a, err := openApp(cmd, opts.RootOptions, needs{scope: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	p, err := a.scope.CreatePost(ctx, model.Post{
		Title:    opts.Title,
		Content:  opts.Content,
		ImageURL: opts.ImageURL,
		Tags:     opts.Tags,
	})
	if err != nil {
		return check("create post", err)
	}
	if err := a.settle(ctx); err != nil {
		return err
	}
	return formatter(opts.RootOptions, cmd).Success(Message{Text: fmt.Sprintf("Created post %s", p.ID), ID: p.ID})
}

func runPostEdit(opts *PostsOptions, cmd *cobra.Command, postID string) error {
	a, err := openApp(cmd, opts.RootOptions, needs{scope: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := loadPost(ctx, a, postID); err != nil {
		return err
	}
	cur, _ := a.scope.Post(postID)
	edit := model.PostEdit{Title: cur.Title, Content: cur.Content, ImageURL: cur.ImageURL}
	flags := cmd.Flags()
	if flags.Changed("title") {
		edit.Title = opts.Title
	}
	if flags.Changed("content") {
		edit.Content = opts.Content
	}
	if flags.Changed("image") {
		edit.ImageURL = opts.ImageURL
	}

	if _, err := a.scope.EditPost(ctx, postID, edit); err != nil {
		return check("edit post", err)
	}
	if err := a.settle(ctx); err != nil {
		return err
	}
	p, _ := a.scope.Post(postID)
	return formatter(opts.RootOptions, cmd).Success(PostView{Post: postRow(a, p)})
}

func runPostLike(ctx context.Context, a *app, f *OutputFormatter, postID string) error {
	likes, err := a.scope.ToggleLike(ctx, postID)
	if err != nil {
		return check("like", err)
	}
	liked := likes.Contains(a.scope.User().UserID)
	if err := a.settle(ctx); err != nil {
		return err
	}
	p, _ := a.scope.Post(postID)
	return f.Success(LikeResult{PostID: postID, Liked: liked, Likes: p.LikeCount()})
}

func runPostUpvote(ctx context.Context, a *app, f *OutputFormatter, postID string) error {
	if _, err := a.scope.Upvote(ctx, postID); err != nil {
		return check("upvote", err)
	}
	if err := a.settle(ctx); err != nil {
		return err
	}
	p, _ := a.scope.Post(postID)
	return f.Success(Message{Text: fmt.Sprintf("Upvoted %s (%d upvotes)", postID, p.Upvotes), ID: postID})
}

func runPostDelete(ctx context.Context, a *app, f *OutputFormatter, postID string) error {
	if err := a.scope.DeletePost(ctx, postID); err != nil {
		return check("delete post", err)
	}
	if err := a.settle(ctx); err != nil {
		return err
	}
	return f.Success(Message{Text: fmt.Sprintf("Deleted post %s", postID), ID: postID})
}

func runPostBookmark(ctx context.Context, a *app, f *OutputFormatter, postID string) error {
	on, err := a.scope.ToggleBookmark(ctx, postID)
	if err != nil {
		return check("bookmark", err)
	}
	if err := a.settle(ctx); err != nil {
		return err
	}
	verb := "Removed bookmark on"
	if on {
		verb = "Bookmarked"
	}
	return f.Success(Message{Text: fmt.Sprintf("%s %s", verb, postID), ID: postID})
}

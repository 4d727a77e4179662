package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/animeboard/internal/model"
)

// NewCommentsCommand creates the comments command group.
func NewCommentsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comments",
		Short: "Read and write comments on a post",
		Long: `Read and write comments on a post.

Examples:
  animeboard comments list 0192c3a4-...
  animeboard comments add 0192c3a4-... "best episode so far"
  animeboard comments delete 0192c3a4-... 0192c3b7-...`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <post-id>",
		Short: "List a post's comments, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, needs{scope: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.scope.OpenPost(cmd.Context(), args[0]); err != nil {
				return check("open post", err)
			}
			comments := a.scope.Comments(args[0])
			if comments == nil {
				comments = []model.Comment{}
			}
			return formatter(rootOpts, cmd).Success(CommentList{PostID: args[0], Comments: comments})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <post-id> <content>",
		Short: "Comment on a post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, needs{scope: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if _, err := a.scope.OpenPost(ctx, args[0]); err != nil {
				return check("open post", err)
			}
			c, err := a.scope.AddComment(ctx, args[0], args[1])
			if err != nil {
				return check("comment", err)
			}
			if err := a.settle(ctx); err != nil {
				return err
			}
			return formatter(rootOpts, cmd).Success(Message{Text: fmt.Sprintf("Commented %s on %s", c.ID, args[0]), ID: c.ID})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <post-id> <comment-id>",
		Short: "Delete one of your comments",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, needs{scope: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if _, err := a.scope.OpenPost(ctx, args[0]); err != nil {
				return check("open post", err)
			}
			if err := a.scope.DeleteComment(ctx, args[0], args[1]); err != nil {
				return check("delete comment", err)
			}
			if err := a.settle(ctx); err != nil {
				return err
			}
			return formatter(rootOpts, cmd).Success(Message{Text: fmt.Sprintf("Deleted comment %s", args[1]), ID: args[1]})
		},
	})

	return cmd
}

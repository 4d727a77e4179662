package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewProfileCommand creates the profile command group.
func NewProfileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show profiles and change your avatar",
		Long: `Show profiles and change your avatar.

Your own profile is created with defaults the first time it is read.

Examples:
  animeboard profile show
  animeboard profile show u2
  animeboard profile avatar ./me.png`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [user-id]",
		Short: "Show a profile (default yours)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, needs{scope: true})
			if err != nil {
				return err
			}
			defer a.Close()

			userID := a.scope.User().UserID
			if len(args) == 1 {
				userID = args[0]
			}
			p, err := a.scope.Profile(cmd.Context(), userID)
			if err != nil {
				return check("load profile", err)
			}
			return formatter(rootOpts, cmd).Success(ProfileView{Profile: p})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "avatar <image-file>",
		Short: "Upload a new avatar (png, jpeg or gif; at most 5 MB)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open image", err)
			}
			defer f.Close()

			a, err := openApp(cmd, rootOpts, needs{scope: true, uploader: true})
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.scope.UploadAvatar(cmd.Context(), f)
			if err != nil {
				return check("upload avatar", err)
			}
			return formatter(rootOpts, cmd).Success(ProfileView{Profile: p})
		},
	})

	return cmd
}

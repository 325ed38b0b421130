package images

import "github.com/spf13/cobra"

// Actions defines image cache operations.
type Actions interface {
	Pull(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Delete(cmd *cobra.Command, args []string) error
}

// Command builds the "image" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	imageCmd := &cobra.Command{
		Use:     "image",
		Aliases: []string{"images"},
		Short:   "Manage the local image cache",
	}

	imageCmd.AddCommand(
		&cobra.Command{
			Use:   "pull REF [REF...]",
			Short: "Pull OCI image(s) or HTTP(S) disk image URL(s)",
			Args:  cobra.MinimumNArgs(1),
			RunE:  h.Pull,
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List cached images",
			RunE:    h.List,
		},
		&cobra.Command{
			Use:     "rm REF|DIGEST [REF|DIGEST...]",
			Aliases: []string{"delete"},
			Short:   "Remove cached image(s) from the index",
			Args:    cobra.MinimumNArgs(1),
			RunE:    h.Delete,
		},
	)
	return imageCmd
}

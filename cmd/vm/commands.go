package vm

import "github.com/spf13/cobra"

// Actions defines VM catalog and lifecycle operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	Run(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	Suspend(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Get(cmd *cobra.Command, args []string) error
	Set(cmd *cobra.Command, args []string) error
	Rename(cmd *cobra.Command, args []string) error
	Clone(cmd *cobra.Command, args []string) error
	Delete(cmd *cobra.Command, args []string) error
}

// Commands builds the top-level VM command set.
func Commands(h Actions) []*cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create [flags] NAME",
		Short: "Create a VM (empty disk or from a pulled image)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Create,
	}
	createCmd.Flags().String("from-image", "", "image reference or URL to clone the disk from")
	createCmd.Flags().String("disk-size", "20G", "disk size for an empty VM")
	createCmd.Flags().Int("cpu", 2, "CPU count")            //nolint:mnd
	createCmd.Flags().String("memory", "2G", "memory size") //nolint:mnd

	runCmd := &cobra.Command{
		Use:   "run [flags] NAME",
		Short: "Run a VM; blocks until the session ends",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Run,
	}
	runCmd.Flags().Bool("no-net", false, "run without guest networking")

	stopCmd := &cobra.Command{
		Use:   "stop NAME",
		Short: "Gracefully stop a running VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Stop,
	}

	suspendCmd := &cobra.Command{
		Use:   "suspend NAME",
		Short: "Suspend a running VM to a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Suspend,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List VMs with their state",
		RunE:    h.List,
	}

	getCmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Show VM configuration and state (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Get,
	}

	setCmd := &cobra.Command{
		Use:   "set [flags] NAME",
		Short: "Update VM configuration",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Set,
	}
	setCmd.Flags().Int("cpu", 0, "CPU count")
	setCmd.Flags().String("memory", "", "memory size")
	setCmd.Flags().String("display", "", "display geometry, e.g. 1280x800")

	renameCmd := &cobra.Command{
		Use:   "rename OLD NEW",
		Short: "Rename a VM",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  h.Rename,
	}

	cloneCmd := &cobra.Command{
		Use:   "clone SRC DST",
		Short: "Clone a VM (fresh MAC address)",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  h.Clone,
	}

	deleteCmd := &cobra.Command{
		Use:     "delete NAME [NAME...]",
		Aliases: []string{"rm"},
		Short:   "Delete VM(s); fails if a VM is running",
		Args:    cobra.MinimumNArgs(1),
		RunE:    h.Delete,
	}

	return []*cobra.Command{
		createCmd,
		runCmd,
		stopCmd,
		suspendCmd,
		listCmd,
		getCmd,
		setCmd,
		renameCmd,
		cloneCmd,
		deleteCmd,
	}
}

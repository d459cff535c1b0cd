package vm

import "github.com/spf13/cobra"

// Actions defines VM lifecycle operations.
type Actions interface {
	List(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	Pause(cmd *cobra.Command, args []string) error
	Resume(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	Autostart(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
}

// Command builds the "vm" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage virtual machines",
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List VMs with status",
		RunE:    h.List,
	}

	startCmd := &cobra.Command{
		Use:   "start VM [VM...]",
		Short: "Start defined VM(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Start,
	}

	stopCmd := &cobra.Command{
		Use:   "stop VM [VM...]",
		Short: "Stop running VM(s) (--force to destroy)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}
	stopCmd.Flags().Bool("force", false, "destroy instead of graceful ACPI shutdown")

	pauseCmd := &cobra.Command{
		Use:   "pause VM",
		Short: "Suspend a running VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Pause,
	}

	resumeCmd := &cobra.Command{
		Use:   "resume VM",
		Short: "Resume a paused VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Resume,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect VM",
		Short: "Show detailed VM info (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	autostartCmd := &cobra.Command{
		Use:   "autostart VM on|off",
		Short: "Toggle boot-time autostart",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Autostart,
	}

	rmCmd := &cobra.Command{
		Use:   "rm [flags] VM",
		Short: "Undefine a VM (--keep-storage to preserve its disk)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.RM,
	}
	rmCmd.Flags().Bool("force", false, "stop a running VM first")
	rmCmd.Flags().Bool("keep-storage", false, "do not delete the primary disk file")
	rmCmd.Flags().Bool("yes", false, "skip confirmation prompt")

	vmCmd.AddCommand(
		listCmd,
		startCmd,
		stopCmd,
		pauseCmd,
		resumeCmd,
		inspectCmd,
		autostartCmd,
		rmCmd,
	)
	return vmCmd
}

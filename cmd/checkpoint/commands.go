package checkpoint

import "github.com/spf13/cobra"

// Actions defines checkpoint lifecycle operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Switch(cmd *cobra.Command, args []string) error
	Delete(cmd *cobra.Command, args []string) error
	Separate(cmd *cobra.Command, args []string) error
}

// Command builds the "checkpoint" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	ckptCmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"ckpt"},
		Short:   "Manage VM disk checkpoints",
		Long: `Checkpoints are whole-file copies of a VM's primary disk plus a JSON
sidecar, kept per VM. The active checkpoint is whichever disk the VM's
persistent definition points at; switching rewrites that pointer and takes
effect on next boot.`,
	}

	createCmd := &cobra.Command{
		Use:   "create VM NAME",
		Short: "Snapshot the VM's current disk as a new checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Create,
	}
	createCmd.Flags().StringP("description", "d", "", "free-text description")

	listCmd := &cobra.Command{
		Use:     "list VM",
		Aliases: []string{"ls"},
		Short:   "List a VM's checkpoints (newest first)",
		Args:    cobra.ExactArgs(1),
		RunE:    h.List,
	}

	switchCmd := &cobra.Command{
		Use:   "switch VM NAME",
		Short: "Point the VM's next boot at a checkpoint's disk",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Switch,
	}
	switchCmd.Flags().Bool("yes", false, "skip confirmation prompt")

	deleteCmd := &cobra.Command{
		Use:     "delete VM NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a checkpoint (the active one is refused)",
		Args:    cobra.ExactArgs(2),
		RunE:    h.Delete,
	}
	deleteCmd.Flags().Bool("yes", false, "skip confirmation prompt")

	separateCmd := &cobra.Command{
		Use:   "separate VM NAME NEW_VM",
		Short: "Promote a checkpoint into an independent VM",
		Long: `Moves the checkpoint's disk into the main disk area under NEW_VM's name
and defines NEW_VM by cloning VM's definition. The checkpoint ceases to
exist; on failure the disk is moved back and the checkpoint survives.`,
		Args: cobra.ExactArgs(3),
		RunE: h.Separate,
	}

	ckptCmd.AddCommand(
		createCmd,
		listCmd,
		switchCmd,
		deleteCmd,
		separateCmd,
	)
	return ckptCmd
}

package checkpoint

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/99oblivius/vmgr/checkpoint"
	cmdcore "github.com/99oblivius/vmgr/cmd/core"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initManager wires up config, libvirt and the checkpoint manager.
// The returned close func releases the libvirt connection.
func (h Handler) initManager(cmd *cobra.Command) (context.Context, *checkpoint.Manager, func(), error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := cmdcore.InitDomain(conf)
	if err != nil {
		return nil, nil, nil, err
	}
	mgr := cmdcore.InitManager(conf, svc)
	return ctx, mgr, func() { _ = svc.Close() }, nil
}

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	ctx, mgr, closeFn, err := h.initManager(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	vmName, name := args[0], args[1]
	description, _ := cmd.Flags().GetString("description")

	if err := mgr.Create(ctx, vmName, name, description); err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	log.WithFunc("cmd.checkpoint.create").Infof(ctx, "checkpoint created: %s/%s", vmName, name)
	return nil
}

func (h Handler) List(cmd *cobra.Command, args []string) error {
	ctx, mgr, closeFn, err := h.initManager(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	vmName := args[0]

	infos, skipped, err := mgr.List(ctx, vmName)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	if len(infos) == 0 && skipped == 0 {
		fmt.Printf("No checkpoints for %s.\n", vmName)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tACTIVE\tCREATED\tSIZE\tDESCRIPTION")
	for _, info := range infos {
		active := ""
		if info.Active {
			active = "*"
		}
		size := "-"
		if info.ActualSize > 0 {
			size = cmdcore.FormatSize(info.ActualSize)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			info.Name,
			active,
			info.Created.Local().Format(time.DateTime),
			size,
			info.Description,
		)
	}
	w.Flush() //nolint:errcheck,gosec

	if skipped > 0 {
		fmt.Printf("Warning: %d unreadable sidecar(s) skipped; run \"vmgr gc\" to reconcile.\n", skipped)
	}
	return nil
}

func (h Handler) Switch(cmd *cobra.Command, args []string) error {
	ctx, mgr, closeFn, err := h.initManager(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	vmName, name := args[0], args[1]

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		ok, err := cmdcore.Confirm(fmt.Sprintf("Point %q at checkpoint %q on next boot?", vmName, name))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	if err := mgr.Switch(ctx, vmName, name); err != nil {
		return fmt.Errorf("switch checkpoint: %w", err)
	}
	log.WithFunc("cmd.checkpoint.switch").Infof(ctx,
		"%s switched to %s; restart the VM for the change to take effect", vmName, name)
	return nil
}

func (h Handler) Delete(cmd *cobra.Command, args []string) error {
	ctx, mgr, closeFn, err := h.initManager(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	vmName, name := args[0], args[1]

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		ok, err := cmdcore.Confirm(fmt.Sprintf("Delete checkpoint %s/%s?", vmName, name))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	if err := mgr.Delete(ctx, vmName, name); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	log.WithFunc("cmd.checkpoint.delete").Infof(ctx, "checkpoint deleted: %s/%s", vmName, name)
	return nil
}

func (h Handler) Separate(cmd *cobra.Command, args []string) error {
	ctx, mgr, closeFn, err := h.initManager(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	vmName, name, newVM := args[0], args[1], args[2]

	if err := mgr.SeparateToVM(ctx, name, newVM, vmName); err != nil {
		return fmt.Errorf("separate checkpoint: %w", err)
	}
	log.WithFunc("cmd.checkpoint.separate").Infof(ctx,
		"checkpoint %s/%s is now VM %s", vmName, name, newVM)
	return nil
}

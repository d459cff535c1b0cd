package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cmdcore "github.com/99oblivius/vmgr/cmd/core"
	"github.com/99oblivius/vmgr/config"
	"github.com/99oblivius/vmgr/domain"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initDomain is the shared init for handlers: context, config, libvirt.
func (h Handler) initDomain(cmd *cobra.Command) (context.Context, *config.Config, domain.Service, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := cmdcore.InitDomain(conf)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, conf, svc, nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, _, svc, err := h.initDomain(cmd)
	if err != nil {
		return err
	}
	defer svc.Close() //nolint:errcheck

	vms, err := svc.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(vms) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	sort.Slice(vms, func(i, j int) bool { return vms[i].Name < vms[j].Name })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tVCPUS\tMEMORY\tAUTOSTART")
	for _, vm := range vms {
		autostart := "no"
		if vm.Autostart {
			autostart = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			vm.Name,
			vm.State,
			vm.VCPUs,
			cmdcore.FormatSize(vm.Memory),
			autostart,
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, conf, svc, err := h.initDomain(cmd)
	if err != nil {
		return err
	}
	defer svc.Close() //nolint:errcheck
	return batchVMCmd(ctx, conf, "start", "started", svc.Start, args)
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, conf, svc, err := h.initDomain(cmd)
	if err != nil {
		return err
	}
	defer svc.Close() //nolint:errcheck

	force, _ := cmd.Flags().GetBool("force")
	fn := svc.Stop
	verb := "stopped"
	if force {
		fn = svc.ForceStop
		verb = "destroyed"
	}
	return batchVMCmd(ctx, conf, "stop", verb, fn, args)
}

func (h Handler) Pause(cmd *cobra.Command, args []string) error {
	ctx, _, svc, err := h.initDomain(cmd)
	if err != nil {
		return err
	}
	defer svc.Close() //nolint:errcheck
	if err := svc.Pause(ctx, args[0]); err != nil {
		return err
	}
	log.WithFunc("cmd.pause").Infof(ctx, "paused: %s", args[0])
	return nil
}

func (h Handler) Resume(cmd *cobra.Command, args []string) error {
	ctx, _, svc, err := h.initDomain(cmd)
	if err != nil {
		return err
	}
	defer svc.Close() //nolint:errcheck
	if err := svc.Resume(ctx, args[0]); err != nil {
		return err
	}
	log.WithFunc("cmd.resume").Infof(ctx, "resumed: %s", args[0])
	return nil
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, _, svc, err := h.initDomain(cmd)
	if err != nil {
		return err
	}
	defer svc.Close() //nolint:errcheck

	detail, err := svc.Detail(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(detail)
}

func (h Handler) Autostart(cmd *cobra.Command, args []string) error {
	ctx, _, svc, err := h.initDomain(cmd)
	if err != nil {
		return err
	}
	defer svc.Close() //nolint:errcheck

	var enabled bool
	switch args[1] {
	case "on":
		enabled = true
	case "off":
	default:
		return fmt.Errorf("autostart: want on|off, got %q", args[1])
	}
	if err := svc.SetAutostart(ctx, args[0], enabled); err != nil {
		return err
	}
	log.WithFunc("cmd.autostart").Infof(ctx, "autostart %s: %s", args[1], args[0])
	return nil
}

// RM undefines a VM. The primary disk file is deleted unless --keep-storage;
// checkpoints are never deleted here, they remain manageable afterwards.
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, _, svc, err := h.initDomain(cmd)
	if err != nil {
		return err
	}
	defer svc.Close() //nolint:errcheck
	logger := log.WithFunc("cmd.rm")
	name := args[0]

	force, _ := cmd.Flags().GetBool("force")
	keepStorage, _ := cmd.Flags().GetBool("keep-storage")
	yes, _ := cmd.Flags().GetBool("yes")

	if !yes {
		ok, err := cmdcore.Confirm(fmt.Sprintf("Delete VM %q?", name))
		if err != nil {
			return err
		}
		if !ok {
			logger.Info(ctx, "aborted")
			return nil
		}
	}

	// Capture the disk path before the definition disappears.
	diskPath := ""
	if !keepStorage {
		if diskPath, err = svc.PrimaryDiskPath(ctx, name); err != nil {
			return err
		}
	}

	if force {
		if err := svc.ForceStop(ctx, name); err != nil {
			logger.Warnf(ctx, "force stop %s: %v", name, err)
		}
	}

	if err := svc.Undefine(ctx, name); err != nil {
		return fmt.Errorf("rm: %w", err)
	}
	logger.Infof(ctx, "undefined VM: %s", name)

	if diskPath != "" {
		if err := os.Remove(diskPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove disk %s: %w", diskPath, err)
		}
		logger.Infof(ctx, "removed disk: %s", diskPath)
	}
	return nil
}

// batchVMCmd applies fn to each named VM with bounded concurrency.
// All VMs are attempted; the first error is returned after the batch drains.
func batchVMCmd(ctx context.Context, conf *config.Config, name, pastTense string, fn func(context.Context, string) error, refs []string) error {
	logger := log.WithFunc("cmd." + name)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conf.PoolSize)
	done := make([]bool, len(refs))
	for i, ref := range refs {
		g.Go(func() error {
			if err := fn(gctx, ref); err != nil {
				return fmt.Errorf("%s %s: %w", name, ref, err)
			}
			done[i] = true
			return nil
		})
	}
	err := g.Wait()
	for i, ref := range refs {
		if done[i] {
			logger.Infof(ctx, "%s: %s", pastTense, ref)
		}
	}
	return err
}

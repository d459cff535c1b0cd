package others

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/99oblivius/vmgr/cmd/core"
	"github.com/99oblivius/vmgr/domain"
	"github.com/99oblivius/vmgr/gc"
	"github.com/99oblivius/vmgr/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.gc")

	// libvirt being down does not stop GC; the sweep just keeps every
	// disk it cannot prove inactive.
	var definer domain.Definer
	svc, err := cmdcore.InitDomain(conf)
	if err != nil {
		logger.Warnf(ctx, "libvirt unavailable, sweeping conservatively: %v", err)
	} else {
		definer = svc
		defer svc.Close() //nolint:errcheck
	}

	res, err := gc.New(conf, definer).Run(ctx)
	if err != nil {
		return err
	}
	for _, p := range res.Removed {
		fmt.Printf("removed %s\n", p)
	}
	for _, vm := range res.VMsSkipped {
		fmt.Printf("skipped %s (busy)\n", vm)
	}
	logger.Infof(ctx, "GC completed: %d VM dir(s) swept, %d file(s) removed", res.VMsSwept, len(res.Removed))
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}

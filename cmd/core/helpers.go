package core

import (
	"context"
	"fmt"
	"os"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/99oblivius/vmgr/checkpoint"
	"github.com/99oblivius/vmgr/config"
	"github.com/99oblivius/vmgr/domain"
	"github.com/99oblivius/vmgr/qemuimg"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitDomain dials libvirt. Callers must Close the returned service.
func InitDomain(conf *config.Config) (domain.Service, error) {
	svc, err := domain.Dial(conf.LibvirtSocket)
	if err != nil {
		return nil, fmt.Errorf("connect libvirt: %w", err)
	}
	return svc, nil
}

// InitManager wires the checkpoint manager over a domain service.
func InitManager(conf *config.Config, svc domain.Service) *checkpoint.Manager {
	store := checkpoint.NewStore(conf)
	prober := qemuimg.New(conf.QemuImgBinary)
	return checkpoint.NewManager(conf, store, svc, prober)
}

// Confirm asks a yes/no question with a single raw keypress. It requires a
// terminal; scripted callers must pass --yes on destructive commands.
func Confirm(prompt string) (bool, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return false, fmt.Errorf("stdin is not a terminal; use --yes to confirm")
	}

	fmt.Printf("%s [y/N] ", prompt)
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return false, fmt.Errorf("set raw mode: %w", err)
	}
	var buf [1]byte
	_, err = os.Stdin.Read(buf[:])
	_ = term.Restore(fd, oldState)
	fmt.Println()
	if err != nil {
		return false, err
	}
	return buf[0] == 'y' || buf[0] == 'Y', nil
}

// FormatSize renders a byte count for table output.
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

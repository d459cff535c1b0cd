package domain

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/99oblivius/vmgr/types"
)

var _ Service = (*Libvirt)(nil)

// Libvirt implements Service over the libvirt unix socket using the
// pure-Go client (no cgo, no libvirt-dev at build time).
type Libvirt struct {
	l      *libvirt.Libvirt
	socket string
}

// Dial connects to the libvirt daemon at socketPath and performs the
// protocol handshake.
func Dial(socketPath string) (*Libvirt, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("libvirt socket path must not be empty")
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial libvirt socket %q: %w", socketPath, err)
	}

	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		conn.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("libvirt connect: %w", err)
	}

	return &Libvirt{l: l, socket: socketPath}, nil
}

// Close disconnects from the daemon.
func (v *Libvirt) Close() error {
	if err := v.l.Disconnect(); err != nil {
		return fmt.Errorf("libvirt disconnect: %w", err)
	}
	return nil
}

func (v *Libvirt) lookup(name string) (libvirt.Domain, error) {
	dom, err := v.l.DomainLookupByName(name)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("vm %q: %w", name, ErrNotFound)
	}
	return dom, nil
}

// inactiveXML fetches the persistent (next-boot) definition of a domain.
func (v *Libvirt) inactiveXML(name string) (string, error) {
	dom, err := v.lookup(name)
	if err != nil {
		return "", err
	}
	raw, err := v.l.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
	if err != nil {
		return "", fmt.Errorf("vm %q: get inactive xml: %w", name, err)
	}
	return raw, nil
}

// PrimaryDiskPath reads the first file-backed disk from the persistent
// definition.
func (v *Libvirt) PrimaryDiskPath(ctx context.Context, vmName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := v.inactiveXML(vmName)
	if err != nil {
		return "", err
	}
	d, err := parseDomainXML(raw)
	if err != nil {
		return "", fmt.Errorf("vm %q: %w", vmName, err)
	}
	return d.primaryDiskPath()
}

// LiveDiskPath reads the primary disk from the live definition, along with
// whether the domain is running. For shut-off domains the live and
// persistent views are the same document.
func (v *Libvirt) LiveDiskPath(ctx context.Context, vmName string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	dom, err := v.lookup(vmName)
	if err != nil {
		return "", false, err
	}
	state, _, err := v.l.DomainGetState(dom, 0)
	if err != nil {
		return "", false, fmt.Errorf("vm %q: get state: %w", vmName, err)
	}
	running := libvirt.DomainState(state) == libvirt.DomainRunning

	raw, err := v.l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return "", false, fmt.Errorf("vm %q: get xml: %w", vmName, err)
	}
	d, err := parseDomainXML(raw)
	if err != nil {
		return "", false, fmt.Errorf("vm %q: %w", vmName, err)
	}
	path, err := d.primaryDiskPath()
	return path, running, err
}

// SetPrimaryDiskPath rewrites the persistent definition to point the primary
// disk at path and redefines the domain. Takes effect on next boot.
func (v *Libvirt) SetPrimaryDiskPath(ctx context.Context, vmName, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := v.inactiveXML(vmName)
	if err != nil {
		return err
	}
	d, err := parseDomainXML(raw)
	if err != nil {
		return fmt.Errorf("vm %q: %w", vmName, err)
	}
	current, err := d.primaryDiskPath()
	if err != nil {
		return err
	}

	def := Definition{XML: raw}
	if err := def.SetDiskPath(current, path); err != nil {
		return fmt.Errorf("vm %q: %w", vmName, err)
	}
	if _, err := v.l.DomainDefineXML(def.XML); err != nil {
		return fmt.Errorf("vm %q: redefine: %w", vmName, err)
	}
	return nil
}

// CloneDefinition returns the persistent definition as a Definition ready
// for substitution; the caller rewrites name, UUID and disk before Define.
func (v *Libvirt) CloneDefinition(ctx context.Context, vmName string) (*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := v.inactiveXML(vmName)
	if err != nil {
		return nil, err
	}
	return &Definition{XML: raw}, nil
}

// Define registers def as a new persistent domain.
func (v *Libvirt) Define(ctx context.Context, def *Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if def == nil || strings.TrimSpace(def.XML) == "" {
		return fmt.Errorf("define: empty definition")
	}
	if _, err := v.l.DomainDefineXML(def.XML); err != nil {
		return fmt.Errorf("define: %w", err)
	}
	return nil
}

// List returns a summary for every domain, active and inactive. Domains that
// fail inspection are skipped rather than failing the whole listing.
func (v *Libvirt) List(ctx context.Context) ([]types.VM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	domains, _, err := v.l.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive|libvirt.ConnectListDomainsInactive)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	out := make([]types.VM, 0, len(domains))
	for _, dom := range domains {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vm, err := v.domainToVM(dom)
		if err != nil {
			continue
		}
		out = append(out, vm)
	}
	return out, nil
}

// Detail returns the full view of one VM.
func (v *Libvirt) Detail(ctx context.Context, name string) (*types.VMDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dom, err := v.lookup(name)
	if err != nil {
		return nil, err
	}
	vm, err := v.domainToVM(dom)
	if err != nil {
		return nil, fmt.Errorf("vm %q: %w", name, err)
	}

	raw, err := v.l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return nil, fmt.Errorf("vm %q: get xml: %w", name, err)
	}
	d, err := parseDomainXML(raw)
	if err != nil {
		return nil, fmt.Errorf("vm %q: %w", name, err)
	}

	return &types.VMDetail{VM: vm, Disks: d.disks(), NICs: d.nics()}, nil
}

// Start boots a defined, non-running domain.
func (v *Libvirt) Start(ctx context.Context, name string) error {
	return v.domainOp(ctx, name, "start", func(dom libvirt.Domain) error {
		state, err := v.state(dom)
		if err != nil {
			return err
		}
		if state == types.VMStateRunning {
			return fmt.Errorf("already running")
		}
		return v.l.DomainCreate(dom)
	})
}

// Stop requests a graceful ACPI shutdown.
func (v *Libvirt) Stop(ctx context.Context, name string) error {
	return v.domainOp(ctx, name, "stop", v.l.DomainShutdown)
}

// ForceStop destroys the domain immediately.
func (v *Libvirt) ForceStop(ctx context.Context, name string) error {
	return v.domainOp(ctx, name, "force stop", v.l.DomainDestroy)
}

// Pause suspends a running domain.
func (v *Libvirt) Pause(ctx context.Context, name string) error {
	return v.domainOp(ctx, name, "pause", func(dom libvirt.Domain) error {
		state, err := v.state(dom)
		if err != nil {
			return err
		}
		if state != types.VMStateRunning {
			return fmt.Errorf("not running")
		}
		return v.l.DomainSuspend(dom)
	})
}

// Resume resumes a paused domain.
func (v *Libvirt) Resume(ctx context.Context, name string) error {
	return v.domainOp(ctx, name, "resume", func(dom libvirt.Domain) error {
		state, err := v.state(dom)
		if err != nil {
			return err
		}
		if state != types.VMStatePaused {
			return fmt.Errorf("not paused")
		}
		return v.l.DomainResume(dom)
	})
}

// SetAutostart toggles boot-time autostart for the domain.
func (v *Libvirt) SetAutostart(ctx context.Context, name string, enabled bool) error {
	return v.domainOp(ctx, name, "set autostart", func(dom libvirt.Domain) error {
		var flag int32
		if enabled {
			flag = 1
		}
		return v.l.DomainSetAutostart(dom, flag)
	})
}

// Undefine removes the persistent definition. Storage is untouched; disk
// removal is the caller's decision.
func (v *Libvirt) Undefine(ctx context.Context, name string) error {
	return v.domainOp(ctx, name, "undefine", v.l.DomainUndefine)
}

func (v *Libvirt) domainOp(ctx context.Context, name, op string, fn func(libvirt.Domain) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dom, err := v.lookup(name)
	if err != nil {
		return err
	}
	if err := fn(dom); err != nil {
		return fmt.Errorf("%s vm %q: %w", op, name, err)
	}
	return nil
}

func (v *Libvirt) state(dom libvirt.Domain) (types.VMState, error) {
	state, _, err := v.l.DomainGetState(dom, 0)
	if err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	return stateFromLibvirt(libvirt.DomainState(state)), nil
}

func (v *Libvirt) domainToVM(dom libvirt.Domain) (types.VM, error) {
	state, err := v.state(dom)
	if err != nil {
		return types.VM{}, err
	}

	raw, err := v.l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return types.VM{}, fmt.Errorf("get xml: %w", err)
	}
	d, err := parseDomainXML(raw)
	if err != nil {
		return types.VM{}, err
	}

	autostart, err := v.l.DomainGetAutostart(dom)
	if err != nil {
		autostart = 0
	}

	return types.VM{
		Name:      dom.Name,
		UUID:      uuid.UUID(dom.UUID).String(),
		State:     state,
		Memory:    d.memoryBytes(),
		VCPUs:     d.VCPUs,
		Autostart: autostart != 0,
	}, nil
}

func stateFromLibvirt(s libvirt.DomainState) types.VMState {
	switch s {
	case libvirt.DomainRunning:
		return types.VMStateRunning
	case libvirt.DomainShutoff, libvirt.DomainShutdown:
		return types.VMStateShutoff
	case libvirt.DomainPaused:
		return types.VMStatePaused
	case libvirt.DomainCrashed:
		return types.VMStateCrashed
	case libvirt.DomainPmsuspended:
		return types.VMStateSuspended
	case libvirt.DomainBlocked:
		return types.VMStateBlocked
	default:
		return types.VMStateNoState
	}
}

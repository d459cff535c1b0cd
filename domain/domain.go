// Package domain talks to libvirt about persistent VM definitions.
//
// All definition reads use the inactive (next-boot) view of the domain XML,
// never the live view of a running guest: disk switches only take effect on
// the next boot, and the checkpoint subsystem is defined in terms of the
// persistent configuration.
package domain

import (
	"context"
	"errors"

	"github.com/99oblivius/vmgr/types"
)

// ErrNotFound is returned when a VM name does not exist in libvirt.
var ErrNotFound = errors.New("VM not found")

// Definer is the narrow surface the checkpoint subsystem needs from libvirt.
type Definer interface {
	// PrimaryDiskPath returns the file path of the first file-backed disk in
	// the VM's persistent (inactive) definition.
	PrimaryDiskPath(ctx context.Context, vmName string) (string, error)
	// LiveDiskPath returns the same path from the live definition and whether
	// the domain is currently running. For a shut-off domain it returns the
	// persistent path with running=false.
	LiveDiskPath(ctx context.Context, vmName string) (path string, running bool, err error)
	// SetPrimaryDiskPath rewrites the persistent definition so that the
	// primary disk points at path. A running guest is unaffected until restart.
	SetPrimaryDiskPath(ctx context.Context, vmName, path string) error
	// CloneDefinition returns a copy of the VM's persistent definition,
	// ready for name/UUID/disk substitution.
	CloneDefinition(ctx context.Context, vmName string) (*Definition, error)
	// Define registers def as a new persistent VM.
	Define(ctx context.Context, def *Definition) error
}

// Service is the full VM management surface used by the CLI.
type Service interface {
	Definer

	List(ctx context.Context) ([]types.VM, error)
	Detail(ctx context.Context, name string) (*types.VMDetail, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	ForceStop(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	SetAutostart(ctx context.Context, name string, enabled bool) error
	Undefine(ctx context.Context, name string) error

	Close() error
}

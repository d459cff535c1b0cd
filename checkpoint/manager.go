// Package checkpoint implements whole-file disk checkpoints for libvirt VMs.
//
// A checkpoint is a full copy of a VM's primary disk image plus a small JSON
// sidecar, kept in a per-VM directory. Which checkpoint is "active" is never
// stored anywhere: it is derived by comparing checkpoint disk paths against
// the disk path in the VM's persistent (next-boot) definition.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/99oblivius/vmgr/config"
	"github.com/99oblivius/vmgr/domain"
	"github.com/99oblivius/vmgr/lock"
	"github.com/99oblivius/vmgr/lock/flock"
	"github.com/99oblivius/vmgr/qemuimg"
	"github.com/99oblivius/vmgr/types"
	"github.com/99oblivius/vmgr/utils"
)

const autoTimeFormat = "20060102-150405"

// Manager orchestrates checkpoint lifecycle operations, enforcing the
// VM-level invariants the Store alone cannot see. Every mutating operation
// runs under a per-VM advisory flock, so two processes (or two goroutines)
// racing a switch against a delete serialize instead of corrupting the
// exactly-one-active invariant.
type Manager struct {
	conf    *config.Config
	store   *Store
	definer domain.Definer
	prober  *qemuimg.Prober

	mu    sync.Mutex
	locks map[string]lock.Locker
}

// NewManager creates a Manager. prober may be nil; listings then omit sizes.
func NewManager(conf *config.Config, store *Store, definer domain.Definer, prober *qemuimg.Prober) *Manager {
	return &Manager{
		conf:    conf,
		store:   store,
		definer: definer,
		prober:  prober,
		locks:   make(map[string]lock.Locker),
	}
}

// lockFor returns the per-VM lock, creating it (and the checkpoint root) on
// first use. Lock instances are cached so the in-process token also guards
// goroutines sharing this Manager.
func (m *Manager) lockFor(vmName string) (lock.Locker, error) {
	if err := utils.EnsureDirs(m.conf.CheckpointRoot()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[vmName]
	if !ok {
		l = flock.New(m.conf.CheckpointLock(vmName))
		m.locks[vmName] = l
	}
	return l, nil
}

// Create copies the VM's currently configured primary disk into the
// checkpoint directory under name and writes the sidecar.
//
// The source is whatever the persistent definition designates, which for a
// running guest may lag its in-memory disk state; a warning is logged in
// that case but the operation proceeds.
func (m *Manager) Create(ctx context.Context, vmName, name, description string) error {
	logger := log.WithFunc("checkpoint.Create")
	if !ValidName(name) {
		return fmt.Errorf("checkpoint %q: %w", name, ErrBadName)
	}

	l, err := m.lockFor(vmName)
	if err != nil {
		return err
	}
	return lock.WithLock(ctx, l, func() error {
		if _, err := m.store.EnsureDirectory(vmName); err != nil {
			return err
		}

		dst := m.store.DiskPath(vmName, name)
		if utils.FileExists(dst) {
			return fmt.Errorf("checkpoint %q: %w", name, ErrCollision)
		}

		src, err := m.definer.PrimaryDiskPath(ctx, vmName)
		if err != nil {
			return err
		}
		if !utils.FileExists(src) {
			return fmt.Errorf("disk %s: %w", src, ErrMissingSource)
		}

		m.warnIfLive(ctx, vmName, src)

		if err := m.store.CopyDisk(src, dst); err != nil {
			return err
		}

		rec := &types.CheckpointRecord{
			Version:      types.CheckpointVersion,
			Name:         name,
			Description:  description,
			Created:      time.Now(),
			OriginalDisk: src,
			VMName:       vmName,
		}
		if err := m.store.WriteMetadata(vmName, rec); err != nil {
			// No sidecar means no checkpoint; drop the copied disk
			// rather than leaving an orphan.
			_ = os.Remove(dst)
			return err
		}

		logger.Infof(ctx, "created checkpoint %s/%s from %s", vmName, name, src)
		return nil
	})
}

// List returns all checkpoints for a VM, newest first, with the active flag
// computed against the persistent disk path. The second return value is the
// number of sidecars skipped as unreadable or malformed.
func (m *Manager) List(ctx context.Context, vmName string) ([]*types.CheckpointInfo, int, error) {
	logger := log.WithFunc("checkpoint.List")

	l, err := m.lockFor(vmName)
	if err != nil {
		return nil, 0, err
	}

	var infos []*types.CheckpointInfo
	var skipped int
	err = lock.WithLock(ctx, l, func() error {
		records, sk, err := m.store.ReadAllMetadata(vmName)
		if err != nil {
			return err
		}
		skipped = sk

		current, err := m.definer.PrimaryDiskPath(ctx, vmName)
		if err != nil {
			return err
		}

		for _, rec := range records {
			diskFile := m.store.DiskPath(vmName, rec.Name)
			info := &types.CheckpointInfo{
				CheckpointRecord: *rec,
				DiskFile:         diskFile,
				Active:           samePath(current, diskFile),
			}
			if m.prober != nil {
				if qi, err := m.prober.Probe(ctx, diskFile); err == nil {
					info.VirtualSize = qi.VirtualSize
					info.ActualSize = qi.ActualSize
				}
			}
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if skipped > 0 {
		logger.Warnf(ctx, "%s: skipped %d unreadable checkpoint sidecar(s)", vmName, skipped)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Created.After(infos[j].Created) })
	return infos, skipped, nil
}

// Switch points the VM's persistent definition at the named checkpoint's
// disk. Switching to the already-active checkpoint is a no-op.
//
// If the current disk is not itself inside the checkpoint directory (the VM
// runs on its original, untracked disk), it is first preserved as an
// auto-named checkpoint; a failure there aborts before the definition is
// touched, so the pre-switch state is never silently discarded. Only the
// final definition rewrite mutates the VM; a running guest needs a restart
// to pick up the change.
func (m *Manager) Switch(ctx context.Context, vmName, name string) error {
	logger := log.WithFunc("checkpoint.Switch")
	if !ValidName(name) {
		return fmt.Errorf("checkpoint %q: %w", name, ErrBadName)
	}

	l, err := m.lockFor(vmName)
	if err != nil {
		return err
	}
	return lock.WithLock(ctx, l, func() error {
		dir, err := m.store.EnsureDirectory(vmName)
		if err != nil {
			return err
		}

		current, err := m.definer.PrimaryDiskPath(ctx, vmName)
		if err != nil {
			return err
		}
		if !utils.FileExists(current) {
			return fmt.Errorf("current disk %s: %w", current, ErrMissingSource)
		}

		target := m.store.DiskPath(vmName, name)
		if !utils.FileExists(target) {
			return fmt.Errorf("checkpoint %q: %w", name, ErrMissingSource)
		}

		if samePath(current, target) {
			return nil // already active
		}

		if !samePath(filepath.Dir(current), dir) {
			if err := m.preserveCurrent(ctx, vmName, current); err != nil {
				return fmt.Errorf("preserve current disk: %w", err)
			}
		}

		m.warnIfLive(ctx, vmName, current)

		if err := m.definer.SetPrimaryDiskPath(ctx, vmName, target); err != nil {
			return err
		}
		logger.Infof(ctx, "switched %s to checkpoint %s (takes effect on next boot)", vmName, name)
		return nil
	})
}

// preserveCurrent copies an untracked current disk into the checkpoint
// directory under an auto-generated name with minimal metadata. Called with
// the VM lock held.
func (m *Manager) preserveCurrent(ctx context.Context, vmName, current string) error {
	name := "auto-" + time.Now().Format(autoTimeFormat)
	for i := 2; utils.FileExists(m.store.DiskPath(vmName, name)); i++ {
		name = fmt.Sprintf("auto-%s-%d", time.Now().Format(autoTimeFormat), i)
	}

	dst := m.store.DiskPath(vmName, name)
	if err := m.store.CopyDisk(current, dst); err != nil {
		return err
	}
	rec := &types.CheckpointRecord{
		Version:      types.CheckpointVersion,
		Name:         name,
		Description:  "Auto-saved before switch",
		Created:      time.Now(),
		OriginalDisk: current,
		VMName:       vmName,
	}
	if err := m.store.WriteMetadata(vmName, rec); err != nil {
		_ = os.Remove(dst)
		return err
	}
	log.WithFunc("checkpoint.Switch").Infof(ctx, "preserved current disk of %s as checkpoint %s", vmName, name)
	return nil
}

// Delete removes a checkpoint's disk and sidecar. The active checkpoint is
// refused; deleting what the VM boots from is never recoverable. Deleting an
// already half-missing pair succeeds, reconciling it away.
func (m *Manager) Delete(ctx context.Context, vmName, name string) error {
	logger := log.WithFunc("checkpoint.Delete")
	if !ValidName(name) {
		return fmt.Errorf("checkpoint %q: %w", name, ErrBadName)
	}

	l, err := m.lockFor(vmName)
	if err != nil {
		return err
	}
	return lock.WithLock(ctx, l, func() error {
		current, err := m.definer.PrimaryDiskPath(ctx, vmName)
		switch {
		case err == nil:
			if samePath(current, m.store.DiskPath(vmName, name)) {
				return fmt.Errorf("checkpoint %q: %w", name, ErrActiveCheckpoint)
			}
		case errors.Is(err, domain.ErrNotFound):
			// VM is gone; nothing can be active, allow cleanup.
		default:
			return err
		}

		if err := m.store.DeleteEntry(vmName, name); err != nil {
			return err
		}
		logger.Infof(ctx, "deleted checkpoint %s/%s", vmName, name)
		return nil
	})
}

// SeparateToVM promotes a checkpoint into an independent VM: the disk is
// moved (not copied) into the main disk area under the new VM's name, the
// source VM's definition is cloned with the new name, a fresh UUID and the
// new disk path, and the checkpoint identity is removed.
//
// If defining the new VM fails after the disk has moved, the move is
// reversed so the checkpoint is not destroyed by a failed promotion.
func (m *Manager) SeparateToVM(ctx context.Context, name, newVMName, sourceVMName string) error {
	logger := log.WithFunc("checkpoint.SeparateToVM")
	if !ValidName(name) {
		return fmt.Errorf("checkpoint %q: %w", name, ErrBadName)
	}
	if !ValidName(newVMName) {
		return fmt.Errorf("vm %q: %w", newVMName, ErrBadName)
	}

	l, err := m.lockFor(sourceVMName)
	if err != nil {
		return err
	}
	return lock.WithLock(ctx, l, func() error {
		ckptDisk := m.store.DiskPath(sourceVMName, name)
		if !utils.FileExists(ckptDisk) {
			return fmt.Errorf("checkpoint %q: %w", name, ErrMissingSource)
		}

		srcDisk, err := m.definer.PrimaryDiskPath(ctx, sourceVMName)
		if err != nil {
			return err
		}
		if samePath(srcDisk, ckptDisk) {
			// Moving the disk the source VM boots from would leave its
			// definition pointing at nothing.
			return fmt.Errorf("checkpoint %q: %w", name, ErrActiveCheckpoint)
		}

		newDisk := m.conf.VMDiskPath(newVMName)
		if utils.FileExists(newDisk) {
			return fmt.Errorf("disk %s: %w", newDisk, ErrCollision)
		}

		def, err := m.definer.CloneDefinition(ctx, sourceVMName)
		if err != nil {
			return err
		}
		if err := def.SetName(sourceVMName, newVMName); err != nil {
			return err
		}
		def.SetUUID(newUUID())
		if err := def.SetDiskPath(srcDisk, newDisk); err != nil {
			return err
		}

		if err := m.store.MoveDisk(ckptDisk, newDisk); err != nil {
			return err
		}

		if err := m.definer.Define(ctx, def); err != nil {
			// Roll the disk back so the checkpoint survives the failure.
			if rerr := m.store.MoveDisk(newDisk, ckptDisk); rerr != nil {
				logger.Warnf(ctx, "rollback of %s failed, disk stranded at %s: %v", name, newDisk, rerr)
			}
			return fmt.Errorf("define %s: %w", newVMName, err)
		}

		// Promotion succeeded; the checkpoint identity ceases to exist.
		// The disk is already moved, so only the sidecar remains.
		if err := m.store.DeleteEntry(sourceVMName, name); err != nil {
			logger.Warnf(ctx, "remove sidecar of promoted checkpoint %s/%s: %v", sourceVMName, name, err)
		}

		logger.Infof(ctx, "promoted checkpoint %s/%s to VM %s (disk: %s)", sourceVMName, name, newVMName, newDisk)
		return nil
	})
}

// warnIfLive logs when the VM is running or when its live disk diverges from
// the persistent one; checkpoint operations only ever see the persistent
// view. Best-effort: accessor failures here never fail the operation.
func (m *Manager) warnIfLive(ctx context.Context, vmName, persistent string) {
	livePath, running, err := m.definer.LiveDiskPath(ctx, vmName)
	if err != nil || !running {
		return
	}
	logger := log.WithFunc("checkpoint.warnIfLive")
	if !samePath(livePath, persistent) {
		logger.Warnf(ctx, "%s: live disk %s differs from persistent %s; operating on the persistent view", vmName, livePath, persistent)
		return
	}
	logger.Warnf(ctx, "%s is running; the copied disk may lag the guest's unflushed writes", vmName)
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

func newUUID() string {
	return uuid.NewString()
}

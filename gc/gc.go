// Package gc reconciles checkpoint directories against their invariant:
// a checkpoint exists iff its disk file and sidecar both exist. Interrupted
// copies and half-deleted pairs leave orphans; the sweeper removes them.
package gc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/99oblivius/vmgr/config"
	"github.com/99oblivius/vmgr/domain"
	"github.com/99oblivius/vmgr/lock/flock"
	"github.com/99oblivius/vmgr/storage"
	storejson "github.com/99oblivius/vmgr/storage/json"
	"github.com/99oblivius/vmgr/utils"
)

// State is persisted after each sweep so operators can see when
// reconciliation last ran and what it found.
type State struct {
	LastRun    time.Time `json:"last_run"`
	VMsSwept   int       `json:"vms_swept"`
	VMsSkipped int       `json:"vms_skipped"`
	Removed    int       `json:"removed"`
}

// Result reports one sweep.
type Result struct {
	VMsSwept   int
	VMsSkipped []string // lock busy
	Removed    []string // paths removed
}

// Sweeper walks every per-VM checkpoint directory under a TryLock: a VM
// whose lock is busy has a checkpoint operation in flight and is skipped,
// to be retried on the next run.
type Sweeper struct {
	conf    *config.Config
	definer domain.Definer
	state   storage.Store[State]
}

// New creates a Sweeper. definer may be nil (e.g. libvirt down); the sweep
// then skips sidecar-less disks entirely, since it cannot prove any disk
// inactive.
func New(conf *config.Config, definer domain.Definer) *Sweeper {
	return &Sweeper{
		conf:    conf,
		definer: definer,
		state:   storejson.New[State](conf.GCStateLock(), conf.GCStateFile()),
	}
}

// Run executes one sweep across all VMs and records the outcome.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	logger := log.WithFunc("gc.Run")
	res := &Result{}

	for _, vmName := range utils.ScanSubdirs(s.conf.CheckpointRoot()) {
		if strings.HasPrefix(vmName, ".") {
			continue
		}
		l := flock.New(s.conf.CheckpointLock(vmName))
		ok, err := l.TryLock(ctx)
		if err != nil {
			logger.Warnf(ctx, "skip %s: TryLock error: %v", vmName, err)
			res.VMsSkipped = append(res.VMsSkipped, vmName)
			continue
		}
		if !ok {
			logger.Warnf(ctx, "skip %s: checkpoint operation in progress", vmName)
			res.VMsSkipped = append(res.VMsSkipped, vmName)
			continue
		}
		removed, err := s.sweepVM(ctx, vmName)
		l.Unlock(ctx) //nolint:errcheck,gosec
		if err != nil {
			return res, fmt.Errorf("sweep %s: %w", vmName, err)
		}
		res.VMsSwept++
		res.Removed = append(res.Removed, removed...)
	}

	if err := utils.EnsureDirs(filepath.Dir(s.conf.GCStateFile())); err != nil {
		logger.Warnf(ctx, "create gc state dir: %v", err)
		return res, nil
	}
	if err := s.state.Update(ctx, func(st *State) error {
		st.LastRun = time.Now()
		st.VMsSwept = res.VMsSwept
		st.VMsSkipped = len(res.VMsSkipped)
		st.Removed = len(res.Removed)
		return nil
	}); err != nil {
		logger.Warnf(ctx, "record gc state: %v", err)
	}
	return res, nil
}

// sweepVM removes, for one VM's checkpoint directory:
//
//   - sidecars whose disk file is missing (the disk is always written before
//     the sidecar, so these pairs can never complete);
//   - disk files without a sidecar, once old enough that no copy can still
//     be in flight, and provably not the VM's current disk;
//   - stale temp files from interrupted copies.
//
// Unparsable-but-paired sidecars are never touched; that is corruption to
// surface, not garbage to collect.
func (s *Sweeper) sweepVM(ctx context.Context, vmName string) ([]string, error) {
	logger := log.WithFunc("gc.sweepVM")
	dir := s.conf.CheckpointDir(vmName)

	current := ""
	if s.definer != nil {
		path, err := s.definer.PrimaryDiskPath(ctx, vmName)
		switch {
		case err == nil:
			current = filepath.Clean(path)
		case errors.Is(err, domain.ErrNotFound):
			// VM undefined; none of its checkpoint disks can be active.
		default:
			return nil, err
		}
	}

	diskStems := make(map[string]struct{})
	for _, stem := range utils.ScanFileStems(dir, ".qcow2") {
		diskStems[stem] = struct{}{}
	}
	metaStems := make(map[string]struct{})
	for _, stem := range utils.ScanFileStems(dir, ".json") {
		metaStems[stem] = struct{}{}
	}

	var removed []string
	remove := func(path string) {
		if err := os.Remove(path); err != nil {
			logger.Warnf(ctx, "remove %s: %v", path, err)
			return
		}
		logger.Infof(ctx, "GC removed: %s", path)
		removed = append(removed, path)
	}

	// Sidecars without a disk.
	for stem := range metaStems {
		if _, ok := diskStems[stem]; !ok {
			remove(filepath.Join(dir, stem+".json"))
		}
	}

	// Disks without a sidecar: require an age threshold (a create may have
	// copied the disk but not yet written the sidecar) and proof the disk is
	// not the VM's current one. Without a definer there is no proof, so keep.
	if s.definer != nil {
		for stem := range diskStems {
			if _, ok := metaStems[stem]; ok {
				continue
			}
			path := filepath.Join(dir, stem+".qcow2")
			if filepath.Clean(path) == current {
				continue
			}
			if olderThan(path, utils.StaleTempAge) {
				remove(path)
			}
		}
	}

	// Interrupted copy remnants.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), utils.TempPrefix) {
			path := filepath.Join(dir, e.Name())
			if olderThan(path, utils.StaleTempAge) {
				remove(path)
			}
		}
	}

	return removed, nil
}

func olderThan(path string, age time.Duration) bool {
	info, err := os.Stat(path)
	return err == nil && time.Since(info.ModTime()) > age
}

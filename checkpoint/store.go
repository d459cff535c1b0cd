package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99oblivius/vmgr/config"
	"github.com/99oblivius/vmgr/types"
	"github.com/99oblivius/vmgr/utils"
)

const (
	diskSuffix = ".qcow2"
	metaSuffix = ".json"
)

// Store performs filesystem-level operations on per-VM checkpoint
// directories. It has no libvirt awareness; invariants that need the VM
// definition are the Manager's job.
type Store struct {
	conf *config.Config
}

// NewStore creates a Store over the configured disk layout.
func NewStore(conf *config.Config) *Store {
	return &Store{conf: conf}
}

// Dir returns the VM's checkpoint directory path without creating it.
func (s *Store) Dir(vmName string) string {
	return s.conf.CheckpointDir(vmName)
}

// DiskPath is the derived disk file location for a checkpoint name.
func (s *Store) DiskPath(vmName, name string) string {
	return filepath.Join(s.Dir(vmName), name+diskSuffix)
}

// MetadataPath is the sidecar location for a checkpoint name.
func (s *Store) MetadataPath(vmName, name string) string {
	return filepath.Join(s.Dir(vmName), name+metaSuffix)
}

// EnsureDirectory idempotently creates and returns the VM's checkpoint
// directory.
func (s *Store) EnsureDirectory(vmName string) (string, error) {
	dir := s.Dir(vmName)
	if err := utils.EnsureDirs(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// WriteMetadata atomically serializes rec to its sidecar file.
func (s *Store) WriteMetadata(vmName string, rec *types.CheckpointRecord) error {
	return utils.AtomicWriteJSON(s.MetadataPath(vmName, rec.Name), rec)
}

// ReadAllMetadata enumerates and parses every sidecar in the VM's checkpoint
// directory. Malformed, unreadable or future-versioned sidecars are skipped,
// not fatal; the skipped count is returned so callers can surface it.
// A missing directory yields an empty listing.
func (s *Store) ReadAllMetadata(vmName string) ([]*types.CheckpointRecord, int, error) {
	dir := s.Dir(vmName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read %s: %w", dir, err)
	}

	var records []*types.CheckpointRecord
	skipped := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, utils.TempPrefix) {
			continue
		}
		rec, err := readRecord(filepath.Join(dir, name))
		if err != nil {
			skipped++
			continue
		}
		if rec.Name == "" {
			rec.Name = strings.TrimSuffix(name, metaSuffix)
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func readRecord(path string) (*types.CheckpointRecord, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // sidecars live in vmgr-managed dirs
	if err != nil {
		return nil, err
	}
	var rec types.CheckpointRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.Version > types.CheckpointVersion {
		return nil, fmt.Errorf("sidecar version %d not supported", rec.Version)
	}
	return &rec, nil
}

// CopyDisk copies a full disk image to a new checkpoint disk path. The copy
// goes through a temp name and an atomic rename, so dst never exists in a
// truncated state.
func (s *Store) CopyDisk(src, dst string) error {
	return utils.CopyFile(src, dst)
}

// MoveDisk moves a disk across the checkpoint boundary, preferring a true
// rename and falling back to copy+verify+delete across volumes.
func (s *Store) MoveDisk(src, dst string) error {
	return utils.MoveFile(src, dst)
}

// DeleteEntry removes a checkpoint's disk and sidecar. Each removal is
// independent and best-effort: an already-missing file is not an error, so
// half-deleted pairs reconcile cleanly.
func (s *Store) DeleteEntry(vmName, name string) error {
	var firstErr error
	for _, path := range []string{s.DiskPath(vmName, name), s.MetadataPath(vmName, name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", path, err)
			}
		}
	}
	return firstErr
}

// ValidName reports whether name is safe to embed in checkpoint file names.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

package types

import "time"

// CheckpointVersion is the current sidecar schema version. Readers accept
// version 0 (legacy files without the field) and 1; anything newer is
// skipped during listing so old binaries never misread future formats.
const CheckpointVersion = 1

// CheckpointRecord is the JSON sidecar written next to a checkpoint disk.
// The disk file itself is never named inside the record; it is always
// derived as <Name>.qcow2 in the owning VM's checkpoint directory.
type CheckpointRecord struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created"`
	// OriginalDisk is the disk path the checkpoint was copied from,
	// kept for traceability only.
	OriginalDisk string `json:"original_disk,omitempty"`
	VMName       string `json:"vm_name"`
}

// CheckpointInfo is a listing entry: a record plus facts derived at read
// time (active flag from path comparison, sizes from disk introspection).
type CheckpointInfo struct {
	CheckpointRecord

	DiskFile    string `json:"disk_file"`
	Active      bool   `json:"active"`
	VirtualSize int64  `json:"virtual_size,omitempty"` // bytes, 0 if unknown
	ActualSize  int64  `json:"actual_size,omitempty"`  // bytes on disk, 0 if unknown
}

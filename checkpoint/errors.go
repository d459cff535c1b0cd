package checkpoint

import "errors"

// Operation failures callers are expected to branch on. Everything else is a
// wrapped I/O or libvirt error.
var (
	// ErrCollision: the target name is already in use (checkpoint disk, or
	// promoted VM disk). Nothing was mutated.
	ErrCollision = errors.New("name already in use")

	// ErrMissingSource: a referenced VM disk or checkpoint disk does not
	// exist. Nothing was mutated.
	ErrMissingSource = errors.New("source does not exist")

	// ErrActiveCheckpoint: refusing to delete the checkpoint the VM's
	// persistent definition currently boots from.
	ErrActiveCheckpoint = errors.New("checkpoint is active")

	// ErrBadName: the checkpoint or VM name is not filesystem-safe.
	ErrBadName = errors.New("invalid name")
)

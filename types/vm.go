package types

// VMState represents the lifecycle state of a VM from libvirt's perspective.
type VMState string

const (
	VMStateRunning   VMState = "running"
	VMStateShutoff   VMState = "shutoff"
	VMStatePaused    VMState = "paused"
	VMStateCrashed   VMState = "crashed"
	VMStateSuspended VMState = "pmsuspended"
	VMStateBlocked   VMState = "blocked"
	VMStateNoState   VMState = "nostate"
)

// VM holds the summary information for a virtual machine.
type VM struct {
	Name      string  `json:"name"`
	UUID      string  `json:"uuid"`
	State     VMState `json:"state"`
	Memory    int64   `json:"memory"` // bytes
	VCPUs     int     `json:"vcpus"`
	Autostart bool    `json:"autostart"`
}

// VMDisk describes a disk attached to a virtual machine.
type VMDisk struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"` // "file", "block"
}

// VMNIC describes a network interface attached to a virtual machine.
type VMNIC struct {
	MAC     string `json:"mac"`
	Network string `json:"network"`
	Model   string `json:"model"`
}

// VMDetail is the full view of a VM, including attached devices.
type VMDetail struct {
	VM
	Disks []VMDisk `json:"disks"`
	NICs  []VMNIC  `json:"nics"`
}

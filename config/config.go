package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global vmgr configuration.
type Config struct {
	// RootDir is the base directory for VM disk images.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// LibvirtSocket is the unix socket of the libvirt daemon.
	LibvirtSocket string `json:"libvirt_socket" mapstructure:"libvirt_socket"`
	// QemuImgBinary is the qemu-img executable used for disk introspection.
	QemuImgBinary string `json:"qemu_img" mapstructure:"qemu_img"`
	// PoolSize bounds concurrent batch operations (vm start/stop).
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
// The disk layout matches the conventional libvirt image tree.
func DefaultConfig() *Config {
	return &Config{
		RootDir:       "/var/lib/libvirt/images/vms",
		LibvirtSocket: "/var/run/libvirt/libvirt-sock",
		QemuImgBinary: "qemu-img",
		PoolSize:      runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	return conf, nil
}

// DiskDir is where primary VM disks live.
func (c *Config) DiskDir() string {
	return filepath.Join(c.RootDir, "disks")
}

// VMDiskPath is the conventional primary disk path for a VM.
func (c *Config) VMDiskPath(vmName string) string {
	return filepath.Join(c.DiskDir(), vmName+".qcow2")
}

// CheckpointRoot holds one checkpoint directory per VM.
func (c *Config) CheckpointRoot() string {
	return filepath.Join(c.DiskDir(), "checkpoints")
}

// CheckpointDir is the per-VM checkpoint directory.
func (c *Config) CheckpointDir(vmName string) string {
	return filepath.Join(c.CheckpointRoot(), vmName)
}

// CheckpointLock is the per-VM advisory lock file guarding checkpoint
// operations. It sits beside (not inside) the VM's checkpoint directory so
// that removing the directory never removes a held lock file.
func (c *Config) CheckpointLock(vmName string) string {
	return filepath.Join(c.CheckpointRoot(), vmName+".lock")
}

// GCStateFile records the outcome of the last reconciliation sweep.
func (c *Config) GCStateFile() string {
	return filepath.Join(c.CheckpointRoot(), ".gc", "state.json")
}

// GCStateLock guards the GC state file.
func (c *Config) GCStateLock() string {
	return filepath.Join(c.CheckpointRoot(), ".gc", "lock")
}

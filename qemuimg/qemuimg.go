// Package qemuimg shells out to qemu-img for disk image introspection.
package qemuimg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Info describes a disk image as reported by qemu-img.
type Info struct {
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"` // bytes
	ActualSize  int64  `json:"actual-size"`  // bytes allocated on disk
}

// Prober queries image files via a qemu-img binary.
type Prober struct {
	binary string
}

// New creates a Prober. An empty binary defaults to "qemu-img" on PATH.
func New(binary string) *Prober {
	if binary == "" {
		binary = "qemu-img"
	}
	return &Prober{binary: binary}
}

// Probe returns image info for path. When qemu-img is unavailable it
// degrades to the file size for both fields so listings still work.
func (p *Prober) Probe(ctx context.Context, path string) (*Info, error) {
	out, err := exec.CommandContext(ctx, p.binary, "info", "--output=json", path).Output() //nolint:gosec
	if err != nil {
		st, serr := os.Stat(path)
		if serr != nil {
			return nil, fmt.Errorf("qemu-img info %s: %w", path, err)
		}
		return &Info{Format: "unknown", VirtualSize: st.Size(), ActualSize: st.Size()}, nil
	}

	info, perr := ParseInfo(out)
	if perr != nil {
		return nil, fmt.Errorf("qemu-img info %s: %w", path, perr)
	}
	return info, nil
}

// ParseInfo decodes `qemu-img info --output=json` output.
func ParseInfo(out []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parse output: %w", err)
	}
	if strings.TrimSpace(info.Format) == "" {
		info.Format = "unknown"
	}
	return &info, nil
}

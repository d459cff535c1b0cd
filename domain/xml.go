package domain

import (
	"encoding/xml"
	"fmt"

	"github.com/99oblivius/vmgr/types"
)

// domainXML is the subset of a libvirt domain document we read.
// Writes never go through this struct; see Definition.
type domainXML struct {
	XMLName xml.Name   `xml:"domain"`
	Name    string     `xml:"name"`
	UUID    string     `xml:"uuid"`
	Memory  domainMem  `xml:"memory"`
	VCPUs   int        `xml:"vcpu"`
	Devices domainDevs `xml:"devices"`
}

type domainMem struct {
	Unit  string `xml:"unit,attr"`
	Value int64  `xml:",chardata"`
}

type domainDevs struct {
	Disks      []domainDisk `xml:"disk"`
	Interfaces []domainNIC  `xml:"interface"`
}

type domainDisk struct {
	Type   string        `xml:"type,attr"`   // "file", "block", etc.
	Device string        `xml:"device,attr"` // "disk", "cdrom", etc.
	Source domainDiskSrc `xml:"source"`
	Target domainDiskTgt `xml:"target"`
}

type domainDiskSrc struct {
	File string `xml:"file,attr"`
	Dev  string `xml:"dev,attr"`
}

type domainDiskTgt struct {
	Dev string `xml:"dev,attr"`
}

type domainNIC struct {
	Type   string         `xml:"type,attr"`
	MAC    domainNICMAC   `xml:"mac"`
	Source domainNICSrc   `xml:"source"`
	Model  domainNICModel `xml:"model"`
}

type domainNICMAC struct {
	Address string `xml:"address,attr"`
}

type domainNICSrc struct {
	Network string `xml:"network,attr"`
	Bridge  string `xml:"bridge,attr"`
}

type domainNICModel struct {
	Type string `xml:"type,attr"`
}

func parseDomainXML(raw string) (*domainXML, error) {
	var d domainXML
	if err := xml.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("parse domain xml: %w", err)
	}
	return &d, nil
}

// primaryDiskPath returns the source file of the first file-backed "disk"
// device. CDROMs and block devices are skipped.
func (d *domainXML) primaryDiskPath() (string, error) {
	for _, disk := range d.Devices.Disks {
		if disk.Device != "disk" && disk.Device != "" {
			continue
		}
		if disk.Source.File != "" {
			return disk.Source.File, nil
		}
	}
	return "", fmt.Errorf("domain %s has no file-backed disk", d.Name)
}

// memoryBytes converts the domain memory value to bytes.
// libvirt defaults to KiB when the unit attribute is absent.
func (d *domainXML) memoryBytes() int64 {
	v := d.Memory.Value
	switch d.Memory.Unit {
	case "b", "bytes":
		return v
	case "KB":
		return v * 1000
	case "MiB":
		return v << 20
	case "MB":
		return v * 1000 * 1000
	case "GiB":
		return v << 30
	case "GB":
		return v * 1000 * 1000 * 1000
	default: // "", "KiB", "k"
		return v << 10
	}
}

// disks returns the attached disk devices as view structs.
func (d *domainXML) disks() []types.VMDisk {
	var out []types.VMDisk
	for _, disk := range d.Devices.Disks {
		if disk.Device != "disk" && disk.Device != "" {
			continue
		}
		src := disk.Source.File
		if src == "" {
			src = disk.Source.Dev
		}
		out = append(out, types.VMDisk{
			Source: src,
			Target: disk.Target.Dev,
			Type:   disk.Type,
		})
	}
	return out
}

// nics returns the attached network interfaces as view structs.
func (d *domainXML) nics() []types.VMNIC {
	var out []types.VMNIC
	for _, iface := range d.Devices.Interfaces {
		network := iface.Source.Network
		if network == "" {
			network = iface.Source.Bridge
		}
		out = append(out, types.VMNIC{
			MAC:     iface.MAC.Address,
			Network: network,
			Model:   iface.Model.Type,
		})
	}
	return out
}

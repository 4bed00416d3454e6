package libvirtqemu

import (
	"fmt"

	"libvirt.org/go/libvirtxml"

	"github.com/MWedl/diskvm/internal/diskvm"
)

// buildDomain constructs a libvirtxml.Domain around diskPath, adapted from
// the teacher's internal/libvirt/domain.go struct-based descriptor
// generation but driven by CreatorOptions plus the single converted disk
// rather than a multi-disk VMConfig resource.
func buildDomain(opts *diskvm.CreatorOptions, diskPath string) *libvirtxml.Domain {
	loader := ""
	firmware := ""
	if opts.Firmware == diskvm.FirmwareEFI {
		firmware = "efi"
		loader = "/usr/share/OVMF/OVMF_CODE.fd"
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: opts.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(opts.VMMemoryBytes / 1024),
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: opts.VMCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Type: "hvm",
			},
			Firmware: firmware,
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: diskPath},
					},
					Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: "default"},
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{Target: &libvirtxml.DomainConsoleTarget{Type: "serial"}},
			},
		},
		OnPoweroff: "destroy",
		OnCrash:    "destroy",
		OnReboot:   "restart",
	}

	if loader != "" {
		domain.OS.Loader = &libvirtxml.DomainLoader{Path: loader, Readonly: "yes", Type: "pflash"}
	}

	return domain
}

func marshalDomain(d *libvirtxml.Domain) (string, error) {
	xml, err := d.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain xml: %w", err)
	}
	return xml, nil
}

package config

import (
	"testing"

	"github.com/MWedl/diskvm/internal/diskvm"
)

func TestLoadFromYAML_AppliesDefaultsAndValidates(t *testing.T) {
	data := []byte(`
name: Web-Server
vm_cpus: 2
vm_memory_bytes: 2147483648
virtualization_software: libvirtqemu
firmware: efi
fde_bypass_plugins: [luks, bitlocker]
`)
	f, err := LoadFromYAML(data)
	if err != nil {
		t.Fatalf("LoadFromYAML: %v", err)
	}
	if f.Name != "web-server" {
		t.Fatalf("expected name normalized to lowercase, got %q", f.Name)
	}
	if f.VirtualizationSoftware != string(diskvm.DiskTypeLibvirtQemu) {
		t.Fatalf("unexpected virtualization_software %q", f.VirtualizationSoftware)
	}
}

func TestLoadFromYAML_RejectsBadName(t *testing.T) {
	_, err := LoadFromYAML([]byte(`name: "-bad-"`))
	if err == nil {
		t.Fatal("expected validation error for name starting with hyphen")
	}
}

func TestApplyTo_LeavesExplicitCLIValuesUntouched(t *testing.T) {
	f := &FileOptions{VMCPUs: 4, Name: "from-config"}
	opts := &diskvm.CreatorOptions{VMCPUs: 8}

	f.ApplyTo(opts)

	if opts.VMCPUs != 8 {
		t.Fatalf("expected CLI-set VMCPUs to win, got %d", opts.VMCPUs)
	}
	if opts.Name != "from-config" {
		t.Fatalf("expected unset Name to be filled from config, got %q", opts.Name)
	}
}

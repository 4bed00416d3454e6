// Package config loads optional --config YAML overrides for a conversion
// run, following the teacher's internal/loader.LoadFromFile /
// internal/config.VMConfig load-then-normalize-then-validate flow.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MWedl/diskvm/internal/diskvm"
)

// namePattern mirrors the teacher's libvirt domain-name validation:
// start/end alphanumeric, interior alphanumeric/hyphen/underscore.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*[a-z0-9]$|^[a-z0-9]$`)

// FileOptions is the YAML shape of a --config file: every field is
// optional and, when set, overrides the corresponding CLI default but is
// itself overridden by an explicitly-passed CLI flag (CLI wins ties).
type FileOptions struct {
	OutDir                 string   `yaml:"out_dir,omitempty"`
	Name                   string   `yaml:"name,omitempty"`
	StartVM                *bool    `yaml:"start_vm,omitempty"`
	VirtualizationSoftware string   `yaml:"virtualization_software,omitempty"`
	VMMemoryBytes          int64    `yaml:"vm_memory_bytes,omitempty"`
	VMCPUs                 int      `yaml:"vm_cpus,omitempty"`
	GuestOS                string   `yaml:"guest_os,omitempty"`
	Firmware               string   `yaml:"firmware,omitempty"`
	PasswordBypassPlugins  []string `yaml:"password_bypass_plugins,omitempty"`
	FDEBypassPlugins       []string `yaml:"fde_bypass_plugins,omitempty"`
	MasterKeysHex          []string `yaml:"master_keys_hex,omitempty"`
	MasterKeysFilePath     string   `yaml:"master_keys_file,omitempty"`
	XTSCombineKeys         *bool    `yaml:"xts_combine_keys,omitempty"`
	ExperimentalNTFSFix    *bool    `yaml:"experimental_ntfsfix,omitempty"`
	OutputFormat           string   `yaml:"output_format,omitempty"`
}

// LoadFromFile reads and validates a --config YAML file.
func LoadFromFile(path string) (*FileOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return LoadFromYAML(data)
}

// LoadFromYAML parses, normalizes, and validates --config YAML bytes.
func LoadFromYAML(data []byte) (*FileOptions, error) {
	var f FileOptions
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	f.normalize()
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &f, nil
}

func (f *FileOptions) normalize() {
	f.Name = strings.ToLower(strings.TrimSpace(f.Name))
	f.VirtualizationSoftware = strings.ToLower(strings.TrimSpace(f.VirtualizationSoftware))
	f.Firmware = strings.ToLower(strings.TrimSpace(f.Firmware))
}

func (f *FileOptions) validate() error {
	if f.Name != "" && !namePattern.MatchString(f.Name) {
		return fmt.Errorf("name must start and end with alphanumeric characters, got %q", f.Name)
	}
	if f.VMCPUs < 0 {
		return fmt.Errorf("vm_cpus must not be negative, got %d", f.VMCPUs)
	}
	if f.VMMemoryBytes < 0 {
		return fmt.Errorf("vm_memory_bytes must not be negative, got %d", f.VMMemoryBytes)
	}
	switch f.VirtualizationSoftware {
	case "", string(diskvm.DiskTypeVMware), string(diskvm.DiskTypeLibvirtQemu):
	default:
		return fmt.Errorf("unsupported virtualization_software %q", f.VirtualizationSoftware)
	}
	switch f.Firmware {
	case "", string(diskvm.FirmwareBIOS), string(diskvm.FirmwareEFI):
	default:
		return fmt.Errorf("unsupported firmware %q", f.Firmware)
	}
	return nil
}

// ApplyTo fills zero-valued fields of opts from f, leaving any field the
// caller already set via CLI flags untouched (CLI wins ties).
func (f *FileOptions) ApplyTo(opts *diskvm.CreatorOptions) {
	if opts.OutDir == "" {
		opts.OutDir = f.OutDir
	}
	if opts.Name == "" {
		opts.Name = f.Name
	}
	if f.StartVM != nil {
		opts.StartVM = *f.StartVM
	}
	if opts.VirtualizationSoftware == "" && f.VirtualizationSoftware != "" {
		opts.VirtualizationSoftware = diskvm.DiskType(f.VirtualizationSoftware)
	}
	if opts.VMMemoryBytes == 0 {
		opts.VMMemoryBytes = f.VMMemoryBytes
	}
	if opts.VMCPUs == 0 {
		opts.VMCPUs = f.VMCPUs
	}
	if opts.GuestOS == "" {
		opts.GuestOS = f.GuestOS
	}
	if opts.Firmware == "" && f.Firmware != "" {
		opts.Firmware = diskvm.FirmwareType(f.Firmware)
	}
	if len(opts.PasswordBypassPlugins) == 0 {
		opts.PasswordBypassPlugins = f.PasswordBypassPlugins
	}
	if len(opts.FDEBypassPlugins) == 0 {
		opts.FDEBypassPlugins = f.FDEBypassPlugins
	}
	if len(opts.MasterKeysHex) == 0 {
		opts.MasterKeysHex = f.MasterKeysHex
	}
	if opts.MasterKeysFilePath == "" {
		opts.MasterKeysFilePath = f.MasterKeysFilePath
	}
	if f.XTSCombineKeys != nil {
		opts.XTSCombineKeys = *f.XTSCombineKeys
	}
	if f.ExperimentalNTFSFix != nil {
		opts.ExperimentalNTFSFix = *f.ExperimentalNTFSFix
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = f.OutputFormat
	}
}

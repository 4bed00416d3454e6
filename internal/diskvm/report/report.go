// Package report formats a completed conversion run's summary for
// display, adapted from the teacher's internal/output table/json/yaml
// triad (there built around a VirtualMachine resource list, here built
// around one Report of a single conversion run).
package report

import (
	"fmt"

	"github.com/MWedl/diskvm/internal/diskvm"
)

// Format names a supported output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

// ValidateFormat checks a format string against the supported set.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid output format %q (valid: table, yaml, json)", format)
	}
}

// VolumeSummary is the reporting-shaped projection of one discovered
// diskvm.Volume.
type VolumeSummary struct {
	Name           string `json:"name" yaml:"name"`
	FilesystemType string `json:"filesystem_type,omitempty" yaml:"filesystem_type,omitempty"`
	MountPoint     string `json:"mount_point,omitempty" yaml:"mount_point,omitempty"`
	Discovery      string `json:"discovery,omitempty" yaml:"discovery,omitempty"`
}

// Report summarizes one completed conversion run.
type Report struct {
	DiskImagePath          string          `json:"disk_image_path" yaml:"disk_image_path"`
	OutputPath             string          `json:"output_path" yaml:"output_path"`
	Name                   string          `json:"name" yaml:"name"`
	VirtualizationSoftware string          `json:"virtualization_software" yaml:"virtualization_software"`
	Firmware               string          `json:"firmware" yaml:"firmware"`
	GuestOS                string          `json:"guest_os,omitempty" yaml:"guest_os,omitempty"`
	Started                bool            `json:"started" yaml:"started"`
	Volumes                []VolumeSummary `json:"volumes" yaml:"volumes"`
}

// FromContext builds a Report from a completed run's CreatorContext.
func FromContext(cc *diskvm.CreatorContext, outputPath string, started bool) *Report {
	r := &Report{
		DiskImagePath:          cc.Options.DiskImagePath,
		OutputPath:             outputPath,
		Name:                   cc.Options.Name,
		VirtualizationSoftware: string(cc.Options.VirtualizationSoftware),
		Started:                started,
	}
	if cc.Disk != nil {
		r.Firmware = string(cc.Disk.Firmware)
		r.GuestOS = cc.Disk.GuestOS
		for _, v := range cc.Disk.Volumes {
			r.Volumes = append(r.Volumes, VolumeSummary{
				Name:           v.Name,
				FilesystemType: v.FilesystemType,
				MountPoint:     v.MountPoint,
				Discovery:      discoveryLabel(v),
			})
		}
	}
	return r
}

func discoveryLabel(v *diskvm.Volume) string {
	switch {
	case v.Annotations.Lvm != nil:
		return "lvm"
	case v.Annotations.Luks != nil:
		return "luks"
	case v.Annotations.Bitlocker != nil:
		return "bitlocker"
	case v.Annotations.Veracrypt != nil:
		return "veracrypt"
	case v.ParentIndex < 0:
		return "partition"
	default:
		return "nested"
	}
}

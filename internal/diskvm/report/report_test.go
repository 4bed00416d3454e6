package report

import (
	"strings"
	"testing"

	"github.com/MWedl/diskvm/internal/diskvm"
)

func sampleReport() *Report {
	return &Report{
		DiskImagePath:          "/images/src.img",
		OutputPath:             "/out/web-server.raw",
		Name:                   "web-server",
		VirtualizationSoftware: "libvirtqemu",
		Firmware:               "efi",
		GuestOS:                "linux",
		Started:                true,
		Volumes: []VolumeSummary{
			{Name: "sda1", FilesystemType: "ext4", MountPoint: "/", Discovery: "partition"},
		},
	}
}

func TestTableFormatter_IncludesKeyFields(t *testing.T) {
	f := TableFormatter{}
	out, err := f.Format(sampleReport())
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	for _, want := range []string{"web-server", "libvirtqemu", "efi", "sda1", "ext4"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestJSONFormatter_ProducesValidStructure(t *testing.T) {
	f := JSONFormatter{}
	out, err := f.Format(sampleReport())
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if !strings.Contains(out, `"name": "web-server"`) {
		t.Errorf("expected json name field, got:\n%s", out)
	}
}

func TestFromContext_PopulatesVolumesFromDisk(t *testing.T) {
	cc := diskvm.NewCreatorContext(&diskvm.CreatorOptions{
		DiskImagePath:          "/images/src.img",
		Name:                   "web-server",
		VirtualizationSoftware: diskvm.DiskTypeLibvirtQemu,
	})
	cc.Disk = &diskvm.Disk{
		Firmware: diskvm.FirmwareEFI,
		GuestOS:  "linux",
		Volumes: []*diskvm.Volume{
			{Name: "sda1", FilesystemType: "ext4", ParentIndex: -1},
		},
	}

	r := FromContext(cc, "/out/web-server.raw", true)
	if len(r.Volumes) != 1 || r.Volumes[0].Discovery != "partition" {
		t.Fatalf("unexpected volumes: %+v", r.Volumes)
	}
}

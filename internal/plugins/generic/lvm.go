package generic

import (
	"context"
	"fmt"
	"strings"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
	"github.com/MWedl/diskvm/internal/procutil"
)

// LvmMountPlugin recognizes an LVM physical volume, activates its volume
// group, and appends one Volume per logical volume discovered, letting the
// growing-list walk in mountpipeline pick them up on a later iteration.
// Ported from plugins/generic.py's LVM handling.
type LvmMountPlugin struct {
	plugin.Base
	Runner procutil.Runner
}

// New returns an LvmMountPlugin backed by real subprocess execution.
func NewLvmMountPlugin() *LvmMountPlugin {
	return &LvmMountPlugin{Base: plugin.Base{PluginName: "lvm"}, Runner: procutil.Exec{}}
}

// Mount checks whether vol.DevicePath is a physical volume; if so it
// activates the enclosing volume group and registers each logical volume
// as a new entry in disk.Volumes so the pipeline visits it next.
func (p *LvmMountPlugin) Mount(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	out, err := p.Runner.Run(ctx, "pvdisplay", "-c", vol.DevicePath)
	if err != nil || strings.TrimSpace(string(out)) == "" {
		return false, nil
	}

	fields := strings.Split(strings.TrimSpace(string(out)), ":")
	if len(fields) < 2 {
		return false, fmt.Errorf("unexpected pvdisplay output for %s: %q", vol.DevicePath, out)
	}
	vgName := fields[1]

	if _, err := p.Runner.Run(ctx, "vgchange", "-ay", vgName); err != nil {
		return false, fmt.Errorf("activate volume group %s: %w", vgName, err)
	}

	lvOut, err := p.Runner.Run(ctx, "lvdisplay", "-c")
	if err != nil {
		return false, fmt.Errorf("lvdisplay: %w", err)
	}

	disk := cc.Disk
	parentIndex := indexOf(disk.Volumes, vol)
	for _, line := range strings.Split(strings.TrimSpace(string(lvOut)), "\n") {
		if line == "" {
			continue
		}
		lvFields := strings.Split(strings.TrimSpace(line), ":")
		if len(lvFields) < 2 || lvFields[1] != vgName {
			continue
		}
		lvPath := lvFields[0]
		disk.Volumes = append(disk.Volumes, &diskvm.Volume{
			Name:        lvPath,
			DevicePath:  lvPath,
			ParentIndex: parentIndex,
			Annotations: diskvm.PluginAnnotations{
				Lvm: &diskvm.LvmInfo{
					PhysicalVolume: vol.DevicePath,
					VolumeGroup:    vgName,
					LogicalVolume:  lvPath,
				},
			},
		})
	}

	// This volume itself is the PV container, not a mountable device.
	vol.DevicePath = ""
	return true, nil
}

// UnmountVolume deactivates the volume group once every logical volume
// underneath it has already been torn down (guaranteed by the
// reverse-depth teardown order in mountpipeline).
func (p *LvmMountPlugin) UnmountVolume(ctx context.Context, _ *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	if vol.Annotations.Lvm == nil {
		return false, nil
	}
	if _, err := p.Runner.Run(ctx, "vgchange", "-an", vol.Annotations.Lvm.VolumeGroup); err != nil {
		return false, err
	}
	return true, nil
}

func indexOf(volumes []*diskvm.Volume, v *diskvm.Volume) int {
	for i, candidate := range volumes {
		if candidate == v {
			return i
		}
	}
	return -1
}

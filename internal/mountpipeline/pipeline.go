// Package mountpipeline walks a Disk's volume list, discovering nested
// containers (LVM, LUKS, BitLocker, VeraCrypt, filesystems) by repeatedly
// asking the plugin manager to mount whatever hasn't been mounted yet, and
// tears everything down in strict reverse-depth order. Ported from
// runner.py's _mount_partitions / _mount_filesystems /
// unmount_partitions_and_filesystems.
package mountpipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
	"github.com/MWedl/diskvm/internal/procutil"
)

// unmountRetryDelay matches the original runner's 10-attempt, 500ms-spaced
// retry for "device busy" unmount races.
const unmountRetryDelay = 500 * time.Millisecond

// MountAll walks disk.Volumes, which may grow during iteration as plugins
// discover nested volumes (an LVM VG exposing logical volumes, a LUKS
// container exposing its plaintext mapping). The index-based loop
// intentionally re-reads len(disk.Volumes) each iteration.
func MountAll(ctx context.Context, cc *diskvm.CreatorContext, mgr *plugin.Manager) error {
	disk := cc.Disk

	for i := 0; i < len(disk.Volumes); i++ {
		vol := disk.Volumes[i]

		handled, err := mgr.DispatchUntilResult(func(p plugin.Plugin) (bool, error) {
			return p.Mount(ctx, cc, vol)
		})
		if err != nil {
			return err
		}
		if !handled {
			slog.Warn("no plugin claimed volume", "volume", vol.Name)
			continue
		}

		if err := mgr.DispatchAll(func(p plugin.Plugin) error {
			return p.MountedVolume(ctx, cc, vol)
		}); err != nil {
			return err
		}
		// MountAll only ever runs against the writable virtual-disk copy
		// (the read-only source analysis pass never calls it), so modify
		// hooks dispatch unconditionally here, matching
		// _add_partition_info/_mount_filesystems's "if not readonly" gate.
		if err := mgr.DispatchAll(func(p plugin.Plugin) error {
			return p.ModifyVolume(ctx, cc, vol)
		}); err != nil {
			return err
		}

		if vol.MountPoint != "" {
			if err := mgr.DispatchAll(func(p plugin.Plugin) error {
				return p.MountedFilesystem(ctx, cc, vol)
			}); err != nil {
				return err
			}
			if err := mgr.DispatchAll(func(p plugin.Plugin) error {
				return p.ModifyFilesystem(ctx, cc, vol)
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

// volumeDepth counts ancestors via ParentIndex, root partitions (ParentIndex
// == -1) having depth 0.
func volumeDepth(volumes []*diskvm.Volume, index int) int {
	depth := 0
	for volumes[index].ParentIndex >= 0 {
		index = volumes[index].ParentIndex
		depth++
	}
	return depth
}

// Teardown releases every volume in disk.Volumes in strict reverse
// topological order: deepest volumes first, and at each depth filesystem
// unmounts before block-device unmounts, matching
// unmount_partitions_and_filesystems.
func Teardown(ctx context.Context, cc *diskvm.CreatorContext, mgr *plugin.Manager) error {
	disk := cc.Disk
	depths := procutil.GroupByDepth(indices(len(disk.Volumes)), func(i int) int {
		return volumeDepth(disk.Volumes, i)
	})

	var firstErr error
	for _, depth := range depths {
		var atDepth []int
		for i := range disk.Volumes {
			if volumeDepth(disk.Volumes, i) == depth {
				atDepth = append(atDepth, i)
			}
		}

		// Filesystems before block volumes at this depth. ModifyFilesystem
		// already ran immediately after mount in MountAll, while the
		// filesystem was still writable; teardown only unmounts.
		for _, i := range atDepth {
			vol := disk.Volumes[i]
			if vol.MountPoint == "" {
				continue
			}
			if err := unmountFilesystem(ctx, cc, mgr, vol); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, i := range atDepth {
			vol := disk.Volumes[i]
			if err := unmountVolume(ctx, cc, mgr, vol); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func unmountFilesystem(ctx context.Context, cc *diskvm.CreatorContext, mgr *plugin.Manager, vol *diskvm.Volume) error {
	return procutil.Retry(ctx, 10, unmountRetryDelay, func() error {
		handled, err := mgr.DispatchUntilResult(func(p plugin.Plugin) (bool, error) {
			return p.UnmountFilesystem(ctx, cc, vol)
		})
		if err != nil {
			return err
		}
		if !handled {
			slog.Debug("no plugin handled filesystem unmount", "volume", vol.Name)
		}
		return nil
	})
}

func unmountVolume(ctx context.Context, cc *diskvm.CreatorContext, mgr *plugin.Manager, vol *diskvm.Volume) error {
	return procutil.Retry(ctx, 10, unmountRetryDelay, func() error {
		handled, err := mgr.DispatchUntilResult(func(p plugin.Plugin) (bool, error) {
			return p.UnmountVolume(ctx, cc, vol)
		})
		if err != nil {
			return err
		}
		if !handled {
			slog.Debug("no plugin handled volume unmount", "volume", vol.Name)
		}
		return nil
	})
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Package runner drives one end-to-end conversion: analyze the source
// image, walk and unlock whatever it contains, copy the relevant bytes
// into a backend-native virtual disk, reopen that copy to apply
// credential-bypass modifications, and define (optionally start) the
// resulting VM. Grounded on the teacher's internal/vm.CreateFromConfig:
// the same numbered-step logging and best-effort cleanup-on-error
// discipline, generalized from one libvirt domain creation to a full
// disk-to-VM pipeline.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/MWedl/diskvm/internal/diskanalyzer"
	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/diskvm/report"
	"github.com/MWedl/diskvm/internal/extent"
	"github.com/MWedl/diskvm/internal/mountpipeline"
	"github.com/MWedl/diskvm/internal/plugin"
	"github.com/MWedl/diskvm/internal/vmbackend"
	"github.com/MWedl/diskvm/internal/vmbackend/libvirtqemu"
	"github.com/MWedl/diskvm/internal/vmbackend/vmware"
)

// selectBackend resolves --virtualization-software to a connected
// VirtualizationSoftware, checking its preconditions before returning.
func selectBackend(ctx context.Context, opts *diskvm.CreatorOptions) (vmbackend.VirtualizationSoftware, error) {
	var software vmbackend.VirtualizationSoftware
	switch opts.VirtualizationSoftware {
	case diskvm.DiskTypeVMware:
		software = vmware.New()
	case diskvm.DiskTypeLibvirtQemu:
		conn, err := libvirtqemu.Connect(ctx, "")
		if err != nil {
			return nil, err
		}
		software = conn
	default:
		return nil, fmt.Errorf("unsupported virtualization software %q", opts.VirtualizationSoftware)
	}

	if err := software.CheckAvailable(ctx); err != nil {
		return nil, err
	}
	return software, nil
}

// Run executes one complete conversion and returns a summary Report.
// On any failure it attempts to clean up whatever it already acquired,
// in reverse order, before returning the original error.
func Run(ctx context.Context, opts *diskvm.CreatorOptions) (*report.Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	cc := diskvm.NewCreatorContext(opts)
	var runErr error
	defer func() {
		if runErr != nil {
			cc.Releaser.Close()
		}
	}()

	slog.Info("Step 1: selecting virtualization backend", "software", opts.VirtualizationSoftware)
	software, runErr := selectBackend(ctx, opts)
	if runErr != nil {
		return nil, fmt.Errorf("select backend: %w", runErr)
	}

	slog.Info("Step 2: assembling plugin chain", "pw_bypass", opts.PasswordBypassPlugins, "fde_bypass", opts.FDEBypassPlugins)
	mgr, runErr := buildPluginManager(opts)
	if runErr != nil {
		return nil, fmt.Errorf("assemble plugins: %w", runErr)
	}

	slog.Info("Step 3: analyzing source image", "path", opts.DiskImagePath)
	analyzer := diskanalyzer.NewAnalyzer()
	releaseAnalysis, runErr := analyzer.OpenReadOnly(ctx, cc, mgr, opts.DiskImagePath)
	if runErr != nil {
		return nil, fmt.Errorf("analyze source image: %w", runErr)
	}
	// The read-only analysis pass only needed the source image long enough
	// to read its partition table; every later step works against the
	// freshly-built copy, so this release can run immediately rather than
	// living on the run-scoped stack.
	if runErr = releaseAnalysis(); runErr != nil {
		return nil, fmt.Errorf("release analysis mount: %w", runErr)
	}

	slog.Info("Step 4: building virtual disk", "out_dir", opts.OutDir, "name", opts.Name)
	diskBuilder := software.Builder(opts).NewDisk(int64(cc.Disk.SectorSize))
	if runErr = addDiskExtents(diskBuilder, cc.Disk); runErr != nil {
		return nil, fmt.Errorf("build disk extents: %w", runErr)
	}
	vmDisk, runErr := diskBuilder.Write(ctx, opts.OutDir, opts.Name)
	if runErr != nil {
		return nil, fmt.Errorf("write virtual disk: %w", runErr)
	}

	slog.Info("Step 5: reopening virtual disk for credential-bypass modifications")
	if runErr = modifyVirtualDisk(ctx, cc, mgr, software, analyzer, vmDisk); runErr != nil {
		return nil, fmt.Errorf("modify virtual disk: %w", runErr)
	}

	slog.Info("Step 6: dispatching before-create-vm hooks")
	if runErr = mgr.DispatchAll(func(p plugin.Plugin) error {
		return p.BeforeCreateVM(ctx, cc)
	}); runErr != nil {
		return nil, fmt.Errorf("before-create-vm hooks: %w", runErr)
	}

	slog.Info("Step 7: defining virtual machine")
	vmBuilder := software.Builder(opts)
	if runErr = vmBuilder.AddDisk(vmDisk); runErr != nil {
		return nil, fmt.Errorf("attach disk to machine: %w", runErr)
	}
	machine, runErr := vmBuilder.Build(ctx)
	if runErr != nil {
		return nil, fmt.Errorf("define virtual machine: %w", runErr)
	}

	started := false
	if opts.StartVM {
		slog.Info("Step 8: starting virtual machine")
		if runErr = machine.Start(ctx); runErr != nil {
			return nil, fmt.Errorf("start virtual machine: %w", runErr)
		}
		started = true
	}

	outputPath := filepath.Join(opts.OutDir, opts.Name)
	slog.Info("conversion complete", "name", opts.Name, "started", started)
	return report.FromContext(cc, outputPath, started), nil
}

// addDiskExtents seeds a fresh disk builder with one extent per root
// partition plus a leading extent covering the partition table itself
// (protective MBR / GPT header and entries), preserving the source
// image's on-disk layout byte-for-byte so the copy needs no guest-visible
// repartitioning. Nested volumes (LVM logical volumes, decrypted
// containers) are sub-ranges of their root partition's bytes already
// covered by that single extent, so they need no extent of their own.
func addDiskExtents(builder vmbackend.VirtualDiskBuilder, disk *diskvm.Disk) error {
	var roots []*diskvm.Volume
	for _, vol := range disk.Volumes {
		if vol.ParentIndex == -1 {
			roots = append(roots, vol)
		}
	}

	if len(roots) > 0 {
		leadIn := roots[0].SourceOffset
		for _, vol := range roots[1:] {
			if vol.SourceOffset < leadIn {
				leadIn = vol.SourceOffset
			}
		}
		if leadIn > 0 {
			if err := builder.AddPart(extent.Part{
				SourceFile:   disk.SourcePath,
				SourceOffset: 0,
				TargetOffset: 0,
				Length:       leadIn,
			}); err != nil {
				return err
			}
		}
	}

	for _, vol := range roots {
		if err := builder.AddPart(extent.Part{
			SourceFile:   disk.SourcePath,
			SourceOffset: vol.SourceOffset,
			TargetOffset: vol.SourceOffset,
			Length:       vol.Length,
		}); err != nil {
			return err
		}
	}
	return nil
}

// modifyVirtualDisk reopens the just-written virtual disk for the
// writable pass: mounting it, re-walking its partitions so the selected
// plugins can unlock containers and apply credential bypasses against the
// copy (never the original source), and tearing the mounts back down
// before the VM definition step.
//
// This relies on the backend exposing kernel-style "<device>pN" partition
// sub-devices on the value Mount returns, true of libvirtqemu's
// losetup -P loop attachment. The vmware backend's vmware-mount exposes a
// filesystem mount point rather than a raw block device for a specific
// partition number, which the LUKS/BitLocker/VeraCrypt/LVM plugins here
// cannot act on; for that backend this step only dispatches the
// disk-level ModifyDisk/BeforeCreateDisk hooks (see DESIGN.md).
func modifyVirtualDisk(ctx context.Context, cc *diskvm.CreatorContext, mgr *plugin.Manager, software vmbackend.VirtualizationSoftware, analyzer *diskanalyzer.Analyzer, vmDisk vmbackend.VirtualDisk) error {
	if cc.Disk.SourcePath == "" {
		return fmt.Errorf("no source path recorded for disk")
	}

	devicePath, release, err := software.MountDisk(ctx, vmDisk)
	if err != nil {
		return fmt.Errorf("mount virtual disk: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			slog.Warn("failed to release virtual disk mount", "error", err)
		}
	}()

	if vmDisk.Type() != diskvm.DiskTypeLibvirtQemu {
		slog.Warn("backend does not expose per-partition block devices; skipping volume-level modify pass", "backend", vmDisk.Type())
		return analyzer.OpenWritable(ctx, cc, mgr, devicePath)
	}

	cc.Disk.RawDevicePath = devicePath
	for _, vol := range cc.Disk.Volumes {
		if vol.ParentIndex != -1 {
			continue
		}
		ordinal := 1
		for i, v := range cc.Disk.Volumes {
			if v == vol {
				ordinal = i + 1
				break
			}
		}
		vol.DevicePath = fmt.Sprintf("%sp%d", devicePath, ordinal)
	}

	if err := mountpipeline.MountAll(ctx, cc, mgr); err != nil {
		return fmt.Errorf("mount volumes for modification: %w", err)
	}
	if err := mountpipeline.Teardown(ctx, cc, mgr); err != nil {
		return fmt.Errorf("tear down volumes after modification: %w", err)
	}

	return analyzer.OpenWritable(ctx, cc, mgr, devicePath)
}

package diskanalyzer

import (
	"context"
	"testing"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
)

type fakeRunner struct {
	calls [][]string
}

func (r *fakeRunner) Run(_ context.Context, argv ...string) ([]byte, error) {
	r.calls = append(r.calls, argv)
	if len(argv) > 0 && argv[0] == "losetup" && argv[1] == "--find" {
		return []byte("/dev/loop7\n"), nil
	}
	return nil, nil
}

type recordingDiskPlugin struct {
	plugin.Base
	mountedDiskCalled bool
}

func (p *recordingDiskPlugin) MountedDisk(context.Context, *diskvm.CreatorContext, *diskvm.Disk) error {
	p.mountedDiskCalled = true
	return nil
}

func TestOpenReadOnly_MountsBindReadOnlyAndDispatches(t *testing.T) {
	runner := &fakeRunner{}
	a := &Analyzer{Runner: runner}
	a.readPartitionTable = func(string) (string, int, error) { return "gpt", 512, nil }
	a.listPartitions = func(string) ([]PartitionRecord, error) {
		return []PartitionRecord{{Index: 0, Start: 1048576, Length: 2097152}}, nil
	}

	rp := &recordingDiskPlugin{}
	mgr := plugin.NewManager(rp)
	cc := diskvm.NewCreatorContext(&diskvm.CreatorOptions{})

	release, err := a.OpenReadOnly(context.Background(), cc, mgr, "/tmp/source.img")
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer release()

	if !rp.mountedDiskCalled {
		t.Fatal("expected MountedDisk to be dispatched")
	}
	if cc.Disk == nil || cc.Disk.PartitionScheme != "gpt" {
		t.Fatalf("expected disk populated with gpt scheme, got %+v", cc.Disk)
	}
	if len(cc.Disk.Volumes) != 1 || cc.Disk.Volumes[0].DevicePath != "/dev/loop7" {
		t.Fatalf("expected one loop-attached root partition, got %+v", cc.Disk.Volumes)
	}

	foundBindMount := false
	for _, c := range runner.calls {
		if len(c) >= 3 && c[0] == "mount" && c[1] == "--bind" {
			foundBindMount = true
		}
	}
	if !foundBindMount {
		t.Fatalf("expected a bind-mount call, got %v", runner.calls)
	}
}

func TestOpenReadOnly_ReleaseUnmounts(t *testing.T) {
	runner := &fakeRunner{}
	a := &Analyzer{Runner: runner}
	a.readPartitionTable = func(string) (string, int, error) { return "mbr", 512, nil }
	a.listPartitions = func(string) ([]PartitionRecord, error) { return nil, nil }

	mgr := plugin.NewManager()
	cc := diskvm.NewCreatorContext(&diskvm.CreatorOptions{})

	release, err := a.OpenReadOnly(context.Background(), cc, mgr, "/tmp/source.img")
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	foundUnmount := false
	for _, c := range runner.calls {
		if len(c) >= 1 && c[0] == "umount" {
			foundUnmount = true
		}
	}
	if !foundUnmount {
		t.Fatalf("expected release to call umount, got %v", runner.calls)
	}
}

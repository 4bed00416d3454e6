package mountpipeline

import (
	"context"
	"testing"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
)

type fakePlugin struct {
	plugin.Base
	unmountFsOrder  *[]string
	unmountVolOrder *[]string
}

func (p fakePlugin) UnmountFilesystem(_ context.Context, _ *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	if vol.MountPoint == "" {
		return false, nil
	}
	*p.unmountFsOrder = append(*p.unmountFsOrder, vol.Name)
	return true, nil
}

func (p fakePlugin) UnmountVolume(_ context.Context, _ *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	*p.unmountVolOrder = append(*p.unmountVolOrder, vol.Name)
	return true, nil
}

func TestTeardown_ReverseDepthOrder(t *testing.T) {
	// root partition (depth 0) -> LVM LV (depth 1) -> filesystem mount on LV (still depth 1 volume record)
	disk := &diskvm.Disk{
		Volumes: []*diskvm.Volume{
			{Name: "sda1", ParentIndex: -1},
			{Name: "root-lv", ParentIndex: 0, MountPoint: "/mnt/root"},
		},
	}
	cc := &diskvm.CreatorContext{Disk: disk}

	var fsOrder, volOrder []string
	mgr := plugin.NewManager(fakePlugin{unmountFsOrder: &fsOrder, unmountVolOrder: &volOrder})

	if err := Teardown(context.Background(), cc, mgr); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	if len(fsOrder) != 1 || fsOrder[0] != "root-lv" {
		t.Fatalf("expected filesystem unmount for root-lv only, got %v", fsOrder)
	}
	if len(volOrder) != 2 || volOrder[0] != "root-lv" || volOrder[1] != "sda1" {
		t.Fatalf("expected deepest-first volume unmount order [root-lv, sda1], got %v", volOrder)
	}
}

type flakyUnmountPlugin struct {
	plugin.Base
	failuresLeft int
}

func (p *flakyUnmountPlugin) UnmountVolume(context.Context, *diskvm.CreatorContext, *diskvm.Volume) (bool, error) {
	if p.failuresLeft > 0 {
		p.failuresLeft--
		return false, &diskvm.SubprocessFailedError{Argv: []string{"umount"}, ExitCode: 1, Stderr: "device busy"}
	}
	return true, nil
}

func TestTeardown_RetriesBusyUnmount(t *testing.T) {
	disk := &diskvm.Disk{Volumes: []*diskvm.Volume{{Name: "sda1", ParentIndex: -1}}}
	cc := &diskvm.CreatorContext{Disk: disk}
	mgr := plugin.NewManager(&flakyUnmountPlugin{failuresLeft: 3})

	if err := Teardown(context.Background(), cc, mgr); err != nil {
		t.Fatalf("expected retry to eventually succeed, got %v", err)
	}
}

func TestTeardown_ExhaustsRetriesAndReturnsError(t *testing.T) {
	disk := &diskvm.Disk{Volumes: []*diskvm.Volume{{Name: "sda1", ParentIndex: -1}}}
	cc := &diskvm.CreatorContext{Disk: disk}
	mgr := plugin.NewManager(&flakyUnmountPlugin{failuresLeft: 100})

	if err := Teardown(context.Background(), cc, mgr); err == nil {
		t.Fatal("expected error after exhausting all retries")
	}
}

// Package plugin defines the eleven-hook plugin contract and the two
// dispatch disciplines (broadcast-all, first-non-nil) the mount pipeline
// and disk analyzer drive it with, ported from plugins/base.py.
package plugin

import (
	"context"

	"github.com/MWedl/diskvm/internal/diskvm"
)

// Plugin is the full lifecycle contract. Embed Base to satisfy it with
// no-op defaults and override only the hooks a plugin cares about.
type Plugin interface {
	Name() string

	MountedDisk(ctx context.Context, cc *diskvm.CreatorContext, disk *diskvm.Disk) error
	MountedVolume(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) error
	Mount(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) (mounted bool, err error)
	MountedFilesystem(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) error
	BeforeCreateDisk(ctx context.Context, cc *diskvm.CreatorContext) error
	BeforeCreateVM(ctx context.Context, cc *diskvm.CreatorContext) error
	ModifyDisk(ctx context.Context, cc *diskvm.CreatorContext, disk *diskvm.Disk) error
	ModifyVolume(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) error
	ModifyFilesystem(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) error
	UnmountFilesystem(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) (handled bool, err error)
	UnmountVolume(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) (handled bool, err error)
}

// Base gives every hook a no-op default so concrete plugins only implement
// the hooks they act on.
type Base struct {
	PluginName string
}

func (b Base) Name() string { return b.PluginName }

func (Base) MountedDisk(context.Context, *diskvm.CreatorContext, *diskvm.Disk) error { return nil }
func (Base) MountedVolume(context.Context, *diskvm.CreatorContext, *diskvm.Volume) error {
	return nil
}
func (Base) Mount(context.Context, *diskvm.CreatorContext, *diskvm.Volume) (bool, error) {
	return false, nil
}
func (Base) MountedFilesystem(context.Context, *diskvm.CreatorContext, *diskvm.Volume) error {
	return nil
}
func (Base) BeforeCreateDisk(context.Context, *diskvm.CreatorContext) error { return nil }
func (Base) BeforeCreateVM(context.Context, *diskvm.CreatorContext) error  { return nil }
func (Base) ModifyDisk(context.Context, *diskvm.CreatorContext, *diskvm.Disk) error { return nil }
func (Base) ModifyVolume(context.Context, *diskvm.CreatorContext, *diskvm.Volume) error {
	return nil
}
func (Base) ModifyFilesystem(context.Context, *diskvm.CreatorContext, *diskvm.Volume) error {
	return nil
}
func (Base) UnmountFilesystem(context.Context, *diskvm.CreatorContext, *diskvm.Volume) (bool, error) {
	return false, nil
}
func (Base) UnmountVolume(context.Context, *diskvm.CreatorContext, *diskvm.Volume) (bool, error) {
	return false, nil
}

// Manager holds the ordered list of user-selected plugins plus the
// always-present fallback plugins (generic filesystem mount, LVM), and
// implements the two dispatch disciplines every call site in the mount
// pipeline and disk analyzer uses.
type Manager struct {
	Plugins []Plugin
	// Fallback plugins run last in AllPlugins, after user-selected ones,
	// matching the original's append-generic/LVM-at-the-end construction.
	Fallback []Plugin
}

// NewManager builds a Manager from explicitly selected plugins; fallback
// plugins should be appended via AddFallback by the caller assembling the
// default plugin set.
func NewManager(selected ...Plugin) *Manager {
	return &Manager{Plugins: selected}
}

// AddFallback appends a plugin to the fallback tier.
func (m *Manager) AddFallback(p Plugin) {
	m.Fallback = append(m.Fallback, p)
}

// AllPlugins returns the dispatch order: selected plugins first, fallback
// plugins last.
func (m *Manager) AllPlugins() []Plugin {
	out := make([]Plugin, 0, len(m.Plugins)+len(m.Fallback))
	out = append(out, m.Plugins...)
	out = append(out, m.Fallback...)
	return out
}

// DispatchAll invokes call against every plugin in order, collecting (not
// short-circuiting on) errors, and returns the first one encountered after
// giving every plugin a chance to run. Used for hooks documented as
// broadcast: mounted_disk, mounted_volume, mounted_filesystem,
// before_create_disk, before_create_vm, modify_disk, modify_volume,
// modify_filesystem.
func (m *Manager) DispatchAll(call func(Plugin) error) error {
	var firstErr error
	for _, p := range m.AllPlugins() {
		if err := call(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DispatchUntilResult invokes call against each plugin in order and stops
// at the first plugin that reports handled=true, returning its result.
// Used for hooks documented as first-non-null: mount, unmount_filesystem,
// unmount_volume.
func (m *Manager) DispatchUntilResult(call func(Plugin) (handled bool, err error)) (bool, error) {
	for _, p := range m.AllPlugins() {
		handled, err := call(p)
		if err != nil {
			return false, err
		}
		if handled {
			return true, nil
		}
	}
	return false, nil
}

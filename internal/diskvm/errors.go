package diskvm

import "fmt"

// InvalidDiskError indicates the source image could not be opened or
// understood as a disk (bad magic, truncated, unreadable).
type InvalidDiskError struct {
	Path   string
	Reason string
}

func (e *InvalidDiskError) Error() string {
	return fmt.Sprintf("invalid disk %q: %s", e.Path, e.Reason)
}

// InvalidDiskPartError indicates an extent was rejected by the virtual-disk
// builder: misaligned offset/length, or a source file that does not exist.
type InvalidDiskPartError struct {
	SourceFile    string
	SourceOffset  int64
	TargetOffset  int64
	Length        int64
	Reason        string
}

func (e *InvalidDiskPartError) Error() string {
	return fmt.Sprintf("invalid disk part (source=%q src_off=%d tgt_off=%d len=%d): %s",
		e.SourceFile, e.SourceOffset, e.TargetOffset, e.Length, e.Reason)
}

// UnsupportedDiskTypeError indicates a VirtualMachineBuilder was asked to
// add a disk built by a different backend than the one it belongs to.
type UnsupportedDiskTypeError struct {
	Want DiskType
	Got  DiskType
}

func (e *UnsupportedDiskTypeError) Error() string {
	return fmt.Sprintf("unsupported disk type: builder wants %q, disk is %q", e.Want, e.Got)
}

// VirtualizationSoftwareNotAvailableError indicates the chosen backend's
// required external tools are missing or not functional on this host.
type VirtualizationSoftwareNotAvailableError struct {
	Software string
	Cause    error
}

func (e *VirtualizationSoftwareNotAvailableError) Error() string {
	return fmt.Sprintf("virtualization software %q is not available: %v", e.Software, e.Cause)
}

func (e *VirtualizationSoftwareNotAvailableError) Unwrap() error {
	return e.Cause
}

// SubprocessFailedError wraps a non-zero exit from an external tool
// invocation, preserving the command line and captured stderr for
// diagnostics.
type SubprocessFailedError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *SubprocessFailedError) Error() string {
	return fmt.Sprintf("command failed (exit %d): %v: %s", e.ExitCode, e.Argv, e.Stderr)
}

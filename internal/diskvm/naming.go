package diskvm

import (
	"fmt"

	"github.com/google/uuid"
)

// NewRunID returns a short, collision-resistant identifier for one
// conversion run, used to namespace mapper devices, loop-mount
// directories, and temporary files so concurrent runs never collide.
// Adapted from the teacher's internal/naming deterministic-suffix
// conventions, but UUID-based rather than IP-derived since a disk
// conversion run has no network identity to derive a name from.
func NewRunID() string {
	return uuid.NewString()
}

// MapperName returns the /dev/mapper name for a decrypted volume
// (LUKS, BitLocker, VeraCrypt), namespaced by the run ID so two runs
// unlocking containers at the same time never collide on the same name.
func MapperName(runID, volumeName string) string {
	return fmt.Sprintf("diskvm-%s-%s", runID, volumeName)
}

// TempMountDirPrefix returns the os.MkdirTemp prefix used for one run's
// scratch mount points, following the teacher's VolumeName*-style
// "{subject}_{purpose}" naming pattern.
func TempMountDirPrefix(runID string) string {
	return fmt.Sprintf("diskvm-%s-mount-", runID)
}

// VolumeName returns the storage-backend volume name for the converted
// disk, mirroring the teacher's VolumeNameBoot/_boot.qcow2 pattern but
// for a single converted disk rather than a boot/data/cloud-init set.
func VolumeName(vmName, ext string) string {
	return fmt.Sprintf("%s.%s", vmName, ext)
}

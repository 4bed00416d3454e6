package luks

import "log/slog"

func slogWarnLuksOnLvm(luksVolumeName, logicalVolume string) {
	slog.Warn("refusing writable overlay for LUKS container backed by an LVM logical volume",
		"luks_volume", luksVolumeName, "logical_volume", logicalVolume)
}

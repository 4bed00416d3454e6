package diskanalyzer

import (
	"fmt"
	"os"

	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
)

// PartitionRecord describes one root partition found on the source image:
// its byte offset and length, used to seed the initial extent list and the
// disk's first generation of Volumes.
type PartitionRecord struct {
	Index  int
	Start  int64
	Length int64
	// Bootable/EFI marks the partition the firmware auto-detector should
	// consider as a candidate EFI System Partition.
	EFI bool
}

const defaultSectorSize = 512

// espGUID is the GPT partition type GUID for an EFI System Partition
// (spec.md glossary), compared against the partition's type string rather
// than a named library constant to stay independent of the exact constant
// name go-diskfs exposes for it.
const espGUID = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"

// mbrEFIType is the MBR partition type byte for an EFI System Partition.
const mbrEFIType = 0xEF

// ReadPartitionTable opens path, detects MBR or GPT, and returns the
// partition scheme name plus sector size. This replaces Python's
// pyreadpartitions with the ecosystem's equivalent Go library.
func ReadPartitionTable(path string) (scheme string, sectorSize int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	table, err := partition.Read(f, defaultSectorSize, defaultSectorSize)
	if err != nil {
		return "", 0, fmt.Errorf("parse partition table: %w", err)
	}

	switch table.(type) {
	case *gpt.Table:
		return "gpt", defaultSectorSize, nil
	case *mbr.Table:
		return "mbr", defaultSectorSize, nil
	default:
		return "", 0, fmt.Errorf("unrecognized partition table type %T", table)
	}
}

// ListPartitions returns every partition record on the image in table
// order, used to seed Disk.Volumes with one entry per root partition.
func ListPartitions(path string) ([]PartitionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	table, err := partition.Read(f, defaultSectorSize, defaultSectorSize)
	if err != nil {
		return nil, fmt.Errorf("parse partition table: %w", err)
	}

	var out []PartitionRecord
	switch t := table.(type) {
	case *gpt.Table:
		for i, p := range t.Partitions {
			if p.Start == 0 && p.End == 0 {
				continue
			}
			start := int64(p.Start) * int64(defaultSectorSize)
			length := (int64(p.End) - int64(p.Start) + 1) * int64(defaultSectorSize)
			out = append(out, PartitionRecord{
				Index:  i,
				Start:  start,
				Length: length,
				EFI:    fmt.Sprintf("%s", p.Type) == espGUID,
			})
		}
	case *mbr.Table:
		for i, p := range t.Partitions {
			if p == nil || p.Size == 0 {
				continue
			}
			start := int64(p.Start) * int64(defaultSectorSize)
			length := int64(p.Size) * int64(defaultSectorSize)
			out = append(out, PartitionRecord{
				Index:  i,
				Start:  start,
				Length: length,
				EFI:    uint8(p.Type) == mbrEFIType,
			})
		}
	}

	return out, nil
}

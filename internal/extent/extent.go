// Package extent builds the sorted, non-overlapping extent list that
// describes a sparse virtual disk as a sequence of byte ranges copied from
// source files, ported from vm/base.py's VirtualDiskBuilder.add_part.
package extent

import (
	"os"
	"sort"

	"github.com/MWedl/diskvm/internal/diskvm"
)

// Part is one contiguous range: Length bytes read from SourceFile at
// SourceOffset, written into the virtual disk at TargetOffset.
type Part struct {
	SourceFile   string
	SourceOffset int64
	TargetOffset int64
	Length       int64
}

func (p Part) targetEnd() int64 { return p.TargetOffset + p.Length }

// Builder accumulates Parts describing one virtual disk, keeping the list
// sorted by TargetOffset and free of overlaps at all times.
type Builder struct {
	SectorSize int64
	parts      []Part
	// statFile is overridable in tests so AddPart's existence check does
	// not require real files on disk.
	statFile func(path string) error
}

// NewBuilder returns a Builder with the given sector size (bytes), used to
// validate extent alignment.
func NewBuilder(sectorSize int64) *Builder {
	return &Builder{
		SectorSize: sectorSize,
		statFile: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
}

// Parts returns the current sorted, non-overlapping extent list.
func (b *Builder) Parts() []Part {
	out := make([]Part, len(b.parts))
	copy(out, b.parts)
	return out
}

// TotalSize returns the highest TargetOffset+Length across all parts, i.e.
// the minimum size the virtual disk must be to hold every extent.
func (b *Builder) TotalSize() int64 {
	var max int64
	for _, p := range b.parts {
		if e := p.targetEnd(); e > max {
			max = e
		}
	}
	return max
}

func (b *Builder) validate(p Part) error {
	if p.Length <= 0 {
		return &diskvm.InvalidDiskPartError{
			SourceFile: p.SourceFile, SourceOffset: p.SourceOffset,
			TargetOffset: p.TargetOffset, Length: p.Length,
			Reason: "length must be positive",
		}
	}
	if b.SectorSize > 0 {
		if p.TargetOffset%b.SectorSize != 0 {
			return &diskvm.InvalidDiskPartError{
				SourceFile: p.SourceFile, SourceOffset: p.SourceOffset,
				TargetOffset: p.TargetOffset, Length: p.Length,
				Reason: "target offset is not sector-aligned",
			}
		}
		if p.Length%b.SectorSize != 0 {
			return &diskvm.InvalidDiskPartError{
				SourceFile: p.SourceFile, SourceOffset: p.SourceOffset,
				TargetOffset: p.TargetOffset, Length: p.Length,
				Reason: "length is not a multiple of the sector size",
			}
		}
	}
	if p.SourceFile != "" {
		if err := b.statFile(p.SourceFile); err != nil {
			return &diskvm.InvalidDiskPartError{
				SourceFile: p.SourceFile, SourceOffset: p.SourceOffset,
				TargetOffset: p.TargetOffset, Length: p.Length,
				Reason: "source file does not exist: " + err.Error(),
			}
		}
	}
	return nil
}

// AddPart inserts a new extent into the list, splitting or truncating any
// existing extents it overlaps so the invariant (sorted, non-overlapping,
// last-write-wins) always holds. An empty SourceFile denotes a zero-filled
// hole (the Go analogue of a VMDK "RW n ZERO" extent) and is dropped rather
// than stored, since a sparse backing file already reads zero there.
func (b *Builder) AddPart(p Part) error {
	if err := b.validate(p); err != nil {
		return err
	}

	var result []Part
	newStart, newEnd := p.TargetOffset, p.targetEnd()

	for _, existing := range b.parts {
		exStart, exEnd := existing.TargetOffset, existing.targetEnd()

		switch {
		case exEnd <= newStart || exStart >= newEnd:
			// Case 1: disjoint — keep existing untouched.
			result = append(result, existing)

		case newStart <= exStart && newEnd >= exEnd:
			// Case 2: existing fully contained in new — drop it.

		case exStart < newStart && exEnd > newStart && exEnd <= newEnd:
			// Case 3: new overlaps the tail of existing — truncate existing's tail.
			result = append(result, Part{
				SourceFile:   existing.SourceFile,
				SourceOffset: existing.SourceOffset,
				TargetOffset: existing.TargetOffset,
				Length:       newStart - exStart,
			})

		case exStart >= newStart && exStart < newEnd && exEnd > newEnd:
			// Case 4: new overlaps the head of existing — advance existing's head.
			advance := newEnd - exStart
			result = append(result, Part{
				SourceFile:   existing.SourceFile,
				SourceOffset: existing.SourceOffset + advance,
				TargetOffset: existing.TargetOffset + advance,
				Length:       existing.Length - advance,
			})

		case exStart < newStart && exEnd > newEnd:
			// Case 5: new falls entirely inside existing — split into two.
			result = append(result, Part{
				SourceFile:   existing.SourceFile,
				SourceOffset: existing.SourceOffset,
				TargetOffset: existing.TargetOffset,
				Length:       newStart - exStart,
			})
			tailAdvance := newEnd - exStart
			result = append(result, Part{
				SourceFile:   existing.SourceFile,
				SourceOffset: existing.SourceOffset + tailAdvance,
				TargetOffset: existing.TargetOffset + tailAdvance,
				Length:       existing.Length - tailAdvance,
			})

		default:
			// Unreachable given the case coverage above, but keep the
			// extent rather than silently drop data if it ever is.
			result = append(result, existing)
		}
	}

	if p.SourceFile != "" {
		result = append(result, p)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TargetOffset < result[j].TargetOffset
	})

	// Drop any zero-length remnants produced by truncation at an exact boundary.
	filtered := result[:0]
	for _, r := range result {
		if r.Length > 0 {
			filtered = append(filtered, r)
		}
	}

	b.parts = filtered
	return nil
}

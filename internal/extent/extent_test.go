package extent

import (
	"testing"
)

func newTestBuilder(sector int64) *Builder {
	b := NewBuilder(sector)
	b.statFile = func(string) error { return nil }
	return b
}

func TestAddPart_DisjointKeepsBothSorted(t *testing.T) {
	b := newTestBuilder(512)
	mustAdd(t, b, Part{SourceFile: "b.img", TargetOffset: 1024, Length: 512})
	mustAdd(t, b, Part{SourceFile: "a.img", TargetOffset: 0, Length: 512})

	got := b.Parts()
	if len(got) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(got))
	}
	if got[0].SourceFile != "a.img" || got[1].SourceFile != "b.img" {
		t.Fatalf("parts not sorted by target offset: %+v", got)
	}
}

func TestAddPart_FullyContainedDrop(t *testing.T) {
	b := newTestBuilder(512)
	mustAdd(t, b, Part{SourceFile: "old.img", TargetOffset: 0, Length: 4096})
	mustAdd(t, b, Part{SourceFile: "new.img", TargetOffset: 0, Length: 4096})

	got := b.Parts()
	if len(got) != 1 || got[0].SourceFile != "new.img" {
		t.Fatalf("expected old extent fully replaced, got %+v", got)
	}
}

func TestAddPart_TailTruncate(t *testing.T) {
	b := newTestBuilder(512)
	mustAdd(t, b, Part{SourceFile: "old.img", TargetOffset: 0, Length: 2048})
	mustAdd(t, b, Part{SourceFile: "new.img", TargetOffset: 1024, Length: 1024})

	got := b.Parts()
	if len(got) != 2 {
		t.Fatalf("expected 2 parts, got %+v", got)
	}
	if got[0].Length != 1024 || got[0].TargetOffset != 0 {
		t.Fatalf("existing extent not tail-truncated: %+v", got[0])
	}
	if got[1].TargetOffset != 1024 || got[1].Length != 1024 {
		t.Fatalf("new extent missing: %+v", got[1])
	}
}

func TestAddPart_HeadAdvance(t *testing.T) {
	b := newTestBuilder(512)
	mustAdd(t, b, Part{SourceFile: "old.img", SourceOffset: 0, TargetOffset: 1024, Length: 2048})
	mustAdd(t, b, Part{SourceFile: "new.img", TargetOffset: 0, Length: 1536})

	got := b.Parts()
	if len(got) != 2 {
		t.Fatalf("expected 2 parts, got %+v", got)
	}
	old := got[1]
	if old.TargetOffset != 1536 || old.Length != 1536 || old.SourceOffset != 512 {
		t.Fatalf("existing extent not head-advanced correctly: %+v", old)
	}
}

func TestAddPart_SplitIntoTwo(t *testing.T) {
	b := newTestBuilder(512)
	mustAdd(t, b, Part{SourceFile: "old.img", TargetOffset: 0, Length: 4096})
	mustAdd(t, b, Part{SourceFile: "new.img", TargetOffset: 1024, Length: 512})

	got := b.Parts()
	if len(got) != 3 {
		t.Fatalf("expected 3 parts after split, got %+v", got)
	}
	if got[0].TargetOffset != 0 || got[0].Length != 1024 {
		t.Fatalf("head remnant wrong: %+v", got[0])
	}
	if got[1].SourceFile != "new.img" || got[1].TargetOffset != 1024 || got[1].Length != 512 {
		t.Fatalf("inserted extent wrong: %+v", got[1])
	}
	if got[2].TargetOffset != 1536 || got[2].Length != 2560 {
		t.Fatalf("tail remnant wrong: %+v", got[2])
	}
}

func TestAddPart_MisalignedRejected(t *testing.T) {
	b := newTestBuilder(512)
	err := b.AddPart(Part{SourceFile: "x.img", TargetOffset: 100, Length: 512})
	if err == nil {
		t.Fatal("expected misaligned target offset to be rejected")
	}
}

func TestAddPart_IdempotentReinsertion(t *testing.T) {
	b := newTestBuilder(512)
	part := Part{SourceFile: "a.img", TargetOffset: 0, Length: 1024}
	mustAdd(t, b, part)
	mustAdd(t, b, part)

	got := b.Parts()
	if len(got) != 1 {
		t.Fatalf("expected idempotent insert to collapse to 1 part, got %+v", got)
	}
}

func mustAdd(t *testing.T, b *Builder, p Part) {
	t.Helper()
	if err := b.AddPart(p); err != nil {
		t.Fatalf("AddPart(%+v) failed: %v", p, err)
	}
}

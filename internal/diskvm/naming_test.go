package diskvm

import "testing"

func TestMapperName_NamespacesByRunID(t *testing.T) {
	a := MapperName("run1", "sda2")
	b := MapperName("run2", "sda2")
	if a == b {
		t.Fatalf("expected different run IDs to produce different mapper names, got %q for both", a)
	}
}

func TestNewRunID_ProducesNonEmptyUnique(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty run IDs")
	}
	if a == b {
		t.Fatal("expected two calls to produce distinct run IDs")
	}
}

package affinity

import (
	"testing"

	"github.com/saferwall/zucchini/equivalence"
)

func TestSolveSimpleAssociation(t *testing.T) {
	oldTargets := []uint32{100, 200}
	newTargets := []uint32{150, 250}

	// Each one-byte equivalence maps one new target back onto one old
	// target: new 150 -> old 100 and new 250 -> old 200.
	eq := equivalence.Map{
		{SrcOffset: 100, DstOffset: 150, Length: 1},
		{SrcOffset: 200, DstOffset: 250, Length: 1},
	}

	s := Solve(eq, func(e equivalence.Equivalence) float64 { return 10 }, oldTargets, newTargets)

	if s.OldToNew(0) != 0 {
		t.Fatalf("OldToNew(0) = %d, want 0", s.OldToNew(0))
	}
	if s.OldToNew(1) != 1 {
		t.Fatalf("OldToNew(1) = %d, want 1", s.OldToNew(1))
	}
	if s.NewToOld(0) != 0 || s.NewToOld(1) != 1 {
		t.Fatalf("NewToOld mismatch: %d, %d", s.NewToOld(0), s.NewToOld(1))
	}
}

func TestSolveCompetitionHighestSimilarityWins(t *testing.T) {
	oldTargets := []uint32{100}
	newTargets := []uint32{150, 151}

	eq := equivalence.Map{
		{SrcOffset: 100, DstOffset: 150, Length: 1},
		{SrcOffset: 100, DstOffset: 151, Length: 1},
	}

	sims := map[int]float64{150: 5, 151: 20}
	s := Solve(eq, func(e equivalence.Equivalence) float64 { return sims[e.DstOffset] }, oldTargets, newTargets)

	if s.OldToNew(0) != 1 {
		t.Fatalf("OldToNew(0) = %d, want 1 (higher similarity should win)", s.OldToNew(0))
	}
}

func TestAssignLabelsConsecutiveFromOldOrder(t *testing.T) {
	oldTargets := []uint32{10, 20, 30}
	newTargets := []uint32{110, 130}

	eq := equivalence.Map{
		{SrcOffset: 10, DstOffset: 110, Length: 1},
		{SrcOffset: 30, DstOffset: 130, Length: 1},
	}
	s := Solve(eq, func(e equivalence.Equivalence) float64 { return 10 }, oldTargets, newTargets)

	lm := AssignLabels(s, 5)

	l0, ok0 := lm.Label(0)
	if !ok0 || l0 != 1 {
		t.Fatalf("Label(0) = %d, %v, want 1, true", l0, ok0)
	}
	if _, ok := lm.Label(1); ok {
		t.Fatal("target index 1 had no affinity and should not be labeled")
	}
	l2, ok2 := lm.Label(2)
	if !ok2 || l2 != 2 {
		t.Fatalf("Label(2) = %d, %v, want 2, true", l2, ok2)
	}

	nl0, ok := lm.NewLabel(0)
	if !ok || nl0 != l0 {
		t.Fatalf("NewLabel(0) = %d, %v, want %d, true", nl0, ok, l0)
	}
}

func TestLabelManagerInsertAndLookup(t *testing.T) {
	lm := NewLabelManager()
	l := lm.InsertNewLabel(0, 0)
	if l != 1 {
		t.Fatalf("first InsertNewLabel = %d, want 1", l)
	}
	got, ok := lm.Label(0)
	if !ok || got != 1 {
		t.Fatalf("Label(0) = %d, %v, want 1, true", got, ok)
	}
	l2 := lm.InsertNewLabel(5, -1)
	if l2 != 2 {
		t.Fatalf("second InsertNewLabel = %d, want 2", l2)
	}
	if _, ok := lm.NewLabel(-1); ok {
		t.Fatal("unassigned new index must not be labeled")
	}
}

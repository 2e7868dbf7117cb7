package encoded

import (
	"testing"

	"github.com/saferwall/zucchini/image"
	"github.com/saferwall/zucchini/reftype"
)

func TestRawBytesPassThrough(t *testing.T) {
	raw := []byte{0x10, 0x20, 0x30}
	idx := image.NewIndex(len(raw))
	v := New(raw, idx)

	if v.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", v.Len())
	}
	for i, b := range raw {
		if got := v.At(i); got != int(b) {
			t.Fatalf("At(%d) = %d, want %d", i, got, b)
		}
	}
}

func TestReferenceFirstByteVsPadding(t *testing.T) {
	raw := make([]byte, 8)
	idx := image.NewIndex(len(raw))
	pool := image.NewTargetPool(reftype.PoolX86Rel32)
	set := image.NewReferenceSet(reftype.TagX86Rel32, pool, []image.Reference{
		{Location: 2, Target: 100},
	})
	if err := idx.InsertReferenceSet(set, 4); err != nil {
		t.Fatalf("InsertReferenceSet: %v", err)
	}
	v := New(raw, idx)

	if v.At(2) == PaddingSymbol {
		t.Fatal("first byte of reference must not be the padding symbol")
	}
	for i := 3; i < 6; i++ {
		if got := v.At(i); got != PaddingSymbol {
			t.Fatalf("At(%d) = %d, want PaddingSymbol", i, got)
		}
		if !v.IsReferencePadding(i) {
			t.Fatalf("IsReferencePadding(%d) = false, want true", i)
		}
	}
	if v.IsReferencePadding(2) {
		t.Fatal("reference's first byte must not be padding")
	}
	if v.IsReferencePadding(0) {
		t.Fatal("raw byte must not be padding")
	}
}

func TestSameTargetSameSymbol(t *testing.T) {
	raw := make([]byte, 12)
	idx := image.NewIndex(len(raw))
	pool := image.NewTargetPool(reftype.PoolX86Rel32)
	set := image.NewReferenceSet(reftype.TagX86Rel32, pool, []image.Reference{
		{Location: 0, Target: 500},
		{Location: 4, Target: 500},
		{Location: 8, Target: 999},
	})
	if err := idx.InsertReferenceSet(set, 4); err != nil {
		t.Fatalf("InsertReferenceSet: %v", err)
	}
	v := New(raw, idx)

	if v.At(0) != v.At(4) {
		t.Fatalf("references to the same target must encode to the same symbol: %d vs %d", v.At(0), v.At(4))
	}
	if v.At(0) == v.At(8) {
		t.Fatal("references to different targets must encode to different symbols")
	}
}

func TestCardinalityBoundsAllSymbols(t *testing.T) {
	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i)
	}
	idx := image.NewIndex(len(raw))
	v := New(raw, idx)
	for i := 0; i < v.Len(); i++ {
		if s := v.At(i); s < 0 || s >= v.Cardinality() {
			t.Fatalf("At(%d) = %d out of [0, %d)", i, s, v.Cardinality())
		}
	}
}

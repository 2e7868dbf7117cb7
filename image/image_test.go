package image

import (
	"testing"

	"github.com/saferwall/zucchini/reftype"
)

func TestTargetPoolDedupAndKeys(t *testing.T) {
	pool := NewTargetPool(reftype.PoolX86Rel32)
	pool.InsertAll([]uint32{30, 10, 20, 10})

	if pool.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", pool.Len())
	}
	key, ok := pool.KeyOf(20)
	if !ok || key != 1 {
		t.Fatalf("KeyOf(20) = %d, %v, want 1, true", key, ok)
	}
	off, ok := pool.OffsetOf(2)
	if !ok || off != 30 {
		t.Fatalf("OffsetOf(2) = %d, %v, want 30, true", off, ok)
	}
}

func TestReferenceSetOrderingAndKeys(t *testing.T) {
	pool := NewTargetPool(reftype.PoolX86Rel32)
	refs := []Reference{
		{Location: 20, Target: 200},
		{Location: 4, Target: 100},
		{Location: 12, Target: 200},
	}
	set := NewReferenceSet(reftype.TagX86Rel32, pool, refs)

	got := set.References()
	if len(got) != 3 {
		t.Fatalf("References() len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Location <= got[i-1].Location {
			t.Fatalf("References() not sorted ascending: %+v", got)
		}
	}
	if got[0].Location != 4 || got[1].Location != 12 || got[2].Location != 20 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[1].Key != got[2].Key {
		t.Fatalf("expected dedup: locations 12 and 20 share target 200, keys %d vs %d", got[1].Key, got[2].Key)
	}
}

func TestIndexOverlapRejected(t *testing.T) {
	idx := NewIndex(32)
	pool := NewTargetPool(reftype.PoolX86Rel32)
	set1 := NewReferenceSet(reftype.TagX86Rel32, pool, []Reference{{Location: 0, Target: 16}})
	if err := idx.InsertReferenceSet(set1, 4); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	pool2 := NewTargetPool(reftype.PoolX86Abs32)
	set2 := NewReferenceSet(reftype.TagX86Abs32, pool2, []Reference{{Location: 2, Target: 8}})
	if err := idx.InsertReferenceSet(set2, 4); err != ErrOverlappingReference {
		t.Fatalf("InsertReferenceSet overlap = %v, want ErrOverlappingReference", err)
	}
}

func TestIsTokenAndTypeAt(t *testing.T) {
	idx := NewIndex(16)
	pool := NewTargetPool(reftype.PoolX86Rel32)
	set := NewReferenceSet(reftype.TagX86Rel32, pool, []Reference{{Location: 4, Target: 12}})
	if err := idx.InsertReferenceSet(set, 4); err != nil {
		t.Fatalf("InsertReferenceSet: %v", err)
	}

	if !idx.IsToken(0) {
		t.Fatal("expected raw byte 0 to be a token")
	}
	if !idx.IsToken(4) {
		t.Fatal("expected reference first byte to be a token")
	}
	if idx.IsToken(5) {
		t.Fatal("expected reference padding byte to not be a token")
	}
	if idx.TypeAt(5) != reftype.TagX86Rel32 {
		t.Fatalf("TypeAt(5) = %v, want TagX86Rel32", idx.TypeAt(5))
	}
	if idx.TypeAt(0) != NoTag {
		t.Fatalf("TypeAt(0) = %v, want NoTag", idx.TypeAt(0))
	}

	key, tag, ok := idx.KeyAt(4)
	if !ok || tag != reftype.TagX86Rel32 || key != 0 {
		t.Fatalf("KeyAt(4) = %d, %v, %v", key, tag, ok)
	}
}

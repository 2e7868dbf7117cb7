package patch

import (
	"testing"

	"github.com/saferwall/zucchini/element"
)

func TestWriteParseRoundTrip(t *testing.T) {
	w := NewWriter(5, 5, 0x12345678, 0x9abcdef0, KindRaw)
	w.AddElement(Element{
		OldOffset:    0,
		NewOffset:    0,
		OldLength:    5,
		NewLength:    5,
		ExeType:      element.TypeWin32X86,
		EquivSrcSkip: []int32{0},
		EquivDstSkip: []uint32{0},
		EquivLength:  []uint32{5},
	})

	data := w.Bytes()
	r, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Header.OldSize != 5 || r.Header.NewSize != 5 {
		t.Fatalf("header sizes = %d/%d, want 5/5", r.Header.OldSize, r.Header.NewSize)
	}
	if r.Header.OldCRC != 0x12345678 || r.Header.NewCRC != 0x9abcdef0 {
		t.Fatalf("header CRCs = %#x/%#x", r.Header.OldCRC, r.Header.NewCRC)
	}
	if len(r.Elements) != 1 {
		t.Fatalf("len(Elements) = %d, want 1", len(r.Elements))
	}
	e := r.Elements[0]
	if e.EquivLength[0] != 5 {
		t.Fatalf("EquivLength[0] = %d, want 5", e.EquivLength[0])
	}
}

func TestParseBadMagic(t *testing.T) {
	data := make([]byte, HeaderSize)
	copy(data, []byte{'X', 'X', 'X', 'X'})
	if _, err := Parse(data); err != ErrBadMagic {
		t.Fatalf("Parse = %v, want ErrBadMagic", err)
	}
}

func TestParseTruncated(t *testing.T) {
	if _, err := Parse(make([]byte, 10)); err != ErrTruncated {
		t.Fatalf("Parse = %v, want ErrTruncated", err)
	}
}

func TestParseRawKindWrongElementCount(t *testing.T) {
	w := NewWriter(5, 5, 0, 0, KindRaw)
	w.AddElement(Element{NewLength: 2, EquivLength: []uint32{2}})
	w.AddElement(Element{NewOffset: 2, NewLength: 3, EquivLength: []uint32{3}})
	data := w.Bytes()
	if _, err := Parse(data); err != ErrBadElementCount {
		t.Fatalf("Parse = %v, want ErrBadElementCount", err)
	}
}

func TestParseElementGapRejected(t *testing.T) {
	w := NewWriter(10, 10, 0, 0, KindEnsemble)
	w.AddElement(Element{NewOffset: 0, NewLength: 4, EquivLength: []uint32{4}})
	w.AddElement(Element{NewOffset: 6, NewLength: 4, EquivLength: []uint32{4}})
	data := w.Bytes()
	if _, err := Parse(data); err != ErrElementGap {
		t.Fatalf("Parse = %v, want ErrElementGap", err)
	}
}

func TestExtraTargetsRoundTrip(t *testing.T) {
	w := NewWriter(0, 0, 0, 0, KindRaw)
	w.AddElement(Element{
		ExtraTargets: []PoolTargets{
			{PoolTag: 7, Targets: []uint32{10, 20, 100}},
		},
	})
	data := w.Bytes()
	r, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := r.Elements[0].ExtraTargets[0]
	if got.PoolTag != 7 {
		t.Fatalf("PoolTag = %d, want 7", got.PoolTag)
	}
	want := []uint32{10, 20, 100}
	if len(got.Targets) != len(want) {
		t.Fatalf("Targets = %v, want %v", got.Targets, want)
	}
	for i := range want {
		if got.Targets[i] != want[i] {
			t.Fatalf("Targets[%d] = %d, want %d", i, got.Targets[i], want[i])
		}
	}
}

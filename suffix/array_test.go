package suffix

import "testing"

type bytesSeq []byte

func (b bytesSeq) Len() int    { return len(b) }
func (b bytesSeq) At(i int) int { return int(b[i]) }

func TestBuildEmpty(t *testing.T) {
	a := Build(bytesSeq(nil))
	if a.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", a.Len())
	}
}

func TestBuildOrdersSuffixesLexicographically(t *testing.T) {
	seq := bytesSeq("banana")
	a := Build(seq)
	if a.Len() != len(seq) {
		t.Fatalf("Len() = %d, want %d", a.Len(), len(seq))
	}

	suffix := func(pos int) string {
		return string(seq[pos:])
	}
	for r := 1; r < a.Len(); r++ {
		prev, cur := suffix(a.At(r-1)), suffix(a.At(r))
		if prev > cur {
			t.Fatalf("suffix array not sorted: rank %d = %q > rank %d = %q", r-1, prev, r, cur)
		}
	}
	// Known suffix array of "banana" (0-indexed): a < a < ana < anana < banana < na < nana
	want := []int{5, 3, 1, 0, 4, 2}
	for i, w := range want {
		if a.At(i) != w {
			t.Fatalf("At(%d) = %d, want %d", i, a.At(i), w)
		}
	}
}

func TestRankIsInverseOfAt(t *testing.T) {
	seq := bytesSeq("mississippi")
	a := Build(seq)
	for r := 0; r < a.Len(); r++ {
		pos := a.At(r)
		if a.RankOf(pos) != r {
			t.Fatalf("RankOf(At(%d)) = %d, want %d", r, a.RankOf(pos), r)
		}
	}
}

func TestLCE(t *testing.T) {
	seq := bytesSeq("abcabcabd")
	a := Build(seq)
	if got := a.LCE(0, 3); got != 5 {
		t.Fatalf("LCE(0,3) = %d, want 5", got)
	}
	if got := a.LCE(0, 1); got != 0 {
		t.Fatalf("LCE(0,1) = %d, want 0", got)
	}
}

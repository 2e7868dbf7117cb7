package element

import "testing"

func TestMatchPicksClosestHistogram(t *testing.T) {
	old := append(append([]byte{}, bytesOf(0x01, 64)...), bytesOf(0xFF, 64)...)
	newImg := bytesOf(0x01, 64)
	newImg[0] = 0x02 // perturb so it is not byte-identical

	oldElements := []Element{
		{Offset: 0, Size: 64, Type: TypeNoop},
		{Offset: 64, Size: 64, Type: TypeNoop},
	}
	newElements := []Element{{Offset: 0, Size: 64, Type: TypeNoop}}

	m := Matcher{}
	matches, seps := m.Match(old, newImg, oldElements, newElements)

	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d, want 1: %+v", len(matches), matches)
	}
	if matches[0].Old.Offset != 0 {
		t.Fatalf("matched old offset = %d, want 0 (closest histogram)", matches[0].Old.Offset)
	}
	_ = seps
}

func TestMatchSkipsIdenticalBytes(t *testing.T) {
	data := bytesOf(0x07, 32)
	oldElements := []Element{{Offset: 0, Size: 32, Type: TypeNoop}}
	newElements := []Element{{Offset: 0, Size: 32, Type: TypeNoop}}

	m := Matcher{}
	matches, _ := m.Match(data, append([]byte(nil), data...), oldElements, newElements)
	if len(matches) != 0 {
		t.Fatalf("identical-byte pairs must be skipped, got %d matches", len(matches))
	}
}

func TestComputeSeparators(t *testing.T) {
	matches := []Match{
		{New: Element{Offset: 10, Size: 5}},
		{New: Element{Offset: 20, Size: 5}},
	}
	seps := computeSeparators(matches, 30)
	want := [][2]int{{0, 10}, {15, 20}, {25, 30}}
	if len(seps) != len(want) {
		t.Fatalf("len(seps) = %d, want %d: %+v", len(seps), len(want), seps)
	}
	for i := range want {
		if seps[i] != want[i] {
			t.Fatalf("seps[%d] = %v, want %v", i, seps[i], want[i])
		}
	}
}

func TestDropAllDexIfMultiple(t *testing.T) {
	candidates := []scoredMatch{
		{m: Match{New: Element{Type: TypeDEX}}},
		{m: Match{New: Element{Type: TypeDEX}}},
		{m: Match{New: Element{Type: TypeWin32X86}}},
	}
	out := dropAllDexIfMultiple(candidates)
	for _, c := range out {
		if c.m.New.Type == TypeDEX {
			t.Fatal("expected all DEX matches dropped when more than one is present")
		}
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

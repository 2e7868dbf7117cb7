package element

import "testing"

type magicSizer struct {
	magic []byte
	size  int
	typ   Type
}

func (m magicSizer) Type() Type { return m.typ }

func (m magicSizer) Sniff(image []byte, offset int) (int, bool) {
	if offset+len(m.magic) > len(image) {
		return 0, false
	}
	for i, b := range m.magic {
		if image[offset+i] != b {
			return 0, false
		}
	}
	return m.size, true
}

func TestDetectNonOverlapping(t *testing.T) {
	img := make([]byte, 32)
	copy(img[0:], []byte{0xAA, 0xAA})
	copy(img[10:], []byte{0xAA, 0xAA})

	probers := []Sizer{magicSizer{magic: []byte{0xAA, 0xAA}, size: 8, typ: TypeNoop}}
	got := Detect(img, probers)

	if len(got) != 2 {
		t.Fatalf("Detect() found %d elements, want 2: %+v", len(got), got)
	}
	if got[0].Offset != 0 || got[0].Size != 8 {
		t.Fatalf("first element = %+v", got[0])
	}
	if got[1].Offset != 10 || got[1].Size != 8 {
		t.Fatalf("second element = %+v", got[1])
	}
}

func TestDetectCapsAtMaxElements(t *testing.T) {
	img := make([]byte, 4*(MaxElements+10))
	for i := 0; i < len(img); i += 4 {
		img[i] = 0xAA
	}
	probers := []Sizer{magicSizer{magic: []byte{0xAA}, size: 1, typ: TypeNoop}}
	got := Detect(img, probers)
	if len(got) > MaxElements {
		t.Fatalf("Detect() found %d elements, want <= %d", len(got), MaxElements)
	}
}

package reftype

import "testing"

func TestX86Rel32RoundTrip(t *testing.T) {
	ty := NewX86Rel32()
	image := make([]byte, 8)
	code, err := ty.Encode(0, -100)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	image[0] = byte(code)
	image[1] = byte(code >> 8)
	image[2] = byte(code >> 16)
	image[3] = byte(code >> 24)

	fetched, err := ty.Fetch(image, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	disp, err := ty.Decode(fetched)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if disp != -100 {
		t.Fatalf("disp = %d, want -100", disp)
	}
}

func TestARMA24RoundTrip(t *testing.T) {
	ty := NewARMA24()
	base := uint32(0xEA000000) // unconditional B, imm24=0
	code, err := ty.Encode(base, 400)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	disp, err := ty.Decode(code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if disp != 400 {
		t.Fatalf("disp = %d, want 400", disp)
	}
}

func TestARMA24MisalignedRejected(t *testing.T) {
	ty := NewARMA24()
	if _, err := ty.Encode(0xEA000000, 3); err != ErrMisaligned {
		t.Fatalf("Encode(3) = %v, want ErrMisaligned", err)
	}
}

func TestARMA24OpcodeMismatch(t *testing.T) {
	ty := NewARMA24()
	if _, err := ty.Decode(0x00000000); err != ErrOpcodeMismatch {
		t.Fatalf("Decode = %v, want ErrOpcodeMismatch", err)
	}
}

func TestThumb2BLRoundTrip(t *testing.T) {
	ty := NewThumb2BL()
	// A minimal valid T1 BL skeleton: hi=0xf000, lo=0xf800 pre-filled so
	// opcode-fixed bits survive Encode/Decode.
	base := uint32(0xf000)<<16 | 0xf800
	for _, disp := range []int32{0, 4, -8, 1000, -100000} {
		code, err := ty.Encode(base, disp)
		if err != nil {
			t.Fatalf("Encode(%d): %v", disp, err)
		}
		got, err := ty.Decode(code)
		if err != nil {
			t.Fatalf("Decode(%d): %v", disp, err)
		}
		if got != disp {
			t.Fatalf("round trip disp = %d, want %d", got, disp)
		}
	}
}

func TestAArch64Immd26RoundTrip(t *testing.T) {
	ty := NewAArch64Immd26()
	base := uint32(0x14000000) // B, imm26=0
	code, err := ty.Encode(base, 4096)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	disp, err := ty.Decode(code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if disp != 4096 {
		t.Fatalf("disp = %d, want 4096", disp)
	}
}

func TestAArch64Immd19RoundTrip(t *testing.T) {
	ty := NewAArch64Immd19()
	base := uint32(0x54000000) // B.cond, imm19=0
	code, err := ty.Encode(base, -2048)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	disp, err := ty.Decode(code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if disp != -2048 {
		t.Fatalf("disp = %d, want -2048", disp)
	}
}

func TestDexRel16RoundTrip(t *testing.T) {
	ty := NewDexRel16()
	for _, disp := range []int32{0, 1, -1, 32767, -32768} {
		code, err := ty.Encode(0, disp)
		if err != nil {
			t.Fatalf("Encode(%d): %v", disp, err)
		}
		got, err := ty.Decode(code)
		if err != nil {
			t.Fatalf("Decode(%d): %v", disp, err)
		}
		if got != disp {
			t.Fatalf("round trip disp = %d, want %d", got, disp)
		}
	}
}

func TestDexBranchTargetOffset(t *testing.T) {
	if got := DexBranchTargetOffset(100, 5); got != 110 {
		t.Fatalf("DexBranchTargetOffset = %d, want 110", got)
	}
	if got := DexBranchTargetOffset(100, -5); got != 90 {
		t.Fatalf("DexBranchTargetOffset = %d, want 90", got)
	}
}

func TestX86TargetRVAInverse(t *testing.T) {
	instrEnd := uint32(0x1000)
	target := uint32(0x2000)
	disp, ok := X86DisplacementFor(instrEnd, target)
	if !ok {
		t.Fatal("X86DisplacementFor: not ok")
	}
	if got := X86TargetRVA(instrEnd, disp); got != target {
		t.Fatalf("X86TargetRVA = %#x, want %#x", got, target)
	}
}

package view

import "testing"

func TestReadWriteRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	mv := NewMutable(buf)

	if err := mv.PutUint32(0, 0xdeadbeef); err != nil {
		t.Fatalf("PutUint32: %v", err)
	}
	if err := mv.PutUint16(4, 0x1234); err != nil {
		t.Fatalf("PutUint16: %v", err)
	}
	if err := mv.PutUint8(6, 0xAB); err != nil {
		t.Fatalf("PutUint8: %v", err)
	}

	v := mv.View()
	got32, err := v.Uint32(0)
	if err != nil || got32 != 0xdeadbeef {
		t.Fatalf("Uint32 = %#x, %v", got32, err)
	}
	got16, err := v.Uint16(4)
	if err != nil || got16 != 0x1234 {
		t.Fatalf("Uint16 = %#x, %v", got16, err)
	}
	got8, err := v.Uint8(6)
	if err != nil || got8 != 0xAB {
		t.Fatalf("Uint8 = %#x, %v", got8, err)
	}
}

func TestOutOfRange(t *testing.T) {
	v := New([]byte{1, 2, 3})
	if _, err := v.Uint32(0); err != ErrOutOfRange {
		t.Fatalf("Uint32 at end: got err=%v, want ErrOutOfRange", err)
	}
	if _, err := v.Slice(2, 5); err != ErrOutOfRange {
		t.Fatalf("Slice out of range: got err=%v, want ErrOutOfRange", err)
	}
}

func TestConsumeMagic(t *testing.T) {
	v := New([]byte("Zuc\x00rest"))
	rest, ok := v.ConsumeMagic([]byte("Zuc\x00"))
	if !ok {
		t.Fatal("ConsumeMagic: expected match")
	}
	if string(rest.Bytes()) != "rest" {
		t.Fatalf("ConsumeMagic rest = %q, want %q", rest.Bytes(), "rest")
	}

	if _, ok := v.ConsumeMagic([]byte("nope")); ok {
		t.Fatal("ConsumeMagic: expected mismatch")
	}
}

func TestSliceIsNonCopying(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	mv := NewMutable(buf)
	sub, err := mv.Slice(1, 3)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if err := sub.PutUint8(0, 0xFF); err != nil {
		t.Fatalf("PutUint8: %v", err)
	}
	if buf[1] != 0xFF {
		t.Fatalf("expected mutation through sub-view to be visible, buf=%v", buf)
	}
}

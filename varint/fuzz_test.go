package varint

import "testing"

func FuzzUint32RoundTrip(f *testing.F) {
	f.Add(uint32(0))
	f.Add(uint32(127))
	f.Add(uint32(128))
	f.Add(^uint32(0))
	f.Fuzz(func(t *testing.T, v uint32) {
		enc := EncodeUint32(nil, v)
		got, n, err := DecodeUint32(enc)
		if err != nil || n != len(enc) || got != v {
			t.Fatalf("round trip failed for %d: got=%d n=%d err=%v", v, got, n, err)
		}
	})
}

func FuzzDecodeUint32DoesNotPanic(f *testing.F) {
	f.Add([]byte{0x80, 0x80, 0x80, 0x80, 0x80})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _, _ = DecodeUint32(data)
		_, _, _ = DecodeInt32(data)
	})
}

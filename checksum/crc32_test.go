package checksum

import (
	"testing"
	"testing/quick"
)

func TestChecksumKnownAnswers(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
	}{
		{"", 0x00000000},
		{"a", 0xE8B7BE43},
		{"123456789", 0xCBF43926},
	}
	for _, tt := range tests {
		got := Checksum([]byte(tt.in))
		if got != tt.want {
			t.Errorf("Checksum(%q) = %#08x, want %#08x", tt.in, got, tt.want)
		}
	}
}

func TestWriterMatchesChecksum(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	w := NewWriter()
	_, _ = w.Write(data[:10])
	_, _ = w.Write(data[10:])
	if got, want := w.Sum(), Checksum(data); got != want {
		t.Errorf("Writer.Sum() = %#08x, want %#08x", got, want)
	}
}

// TestWriterAgreesWithChecksumProperty checks the universal law that
// streaming through a Writer in arbitrary chunks always agrees with
// Checksum computed over the whole buffer at once.
func TestWriterAgreesWithChecksumProperty(t *testing.T) {
	f := func(a, b []byte) bool {
		w := NewWriter()
		_, _ = w.Write(a)
		_, _ = w.Write(b)
		return w.Sum() == Checksum(append(append([]byte(nil), a...), b...))
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

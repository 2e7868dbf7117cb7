package element

import "testing"

func TestHistogramIdenticalDataZeroDistance(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 1, 2, 3}
	h1 := NewHistogram(data)
	h2 := NewHistogram(append([]byte(nil), data...))
	if d := h1.Distance(h2); d != 0 {
		t.Fatalf("Distance() = %v, want 0", d)
	}
}

func TestHistogramDifferentDataNonzeroDistance(t *testing.T) {
	h1 := NewHistogram([]byte{1, 2, 3, 4})
	h2 := NewHistogram([]byte{9, 9, 9, 9})
	if d := h1.Distance(h2); d <= 0 {
		t.Fatalf("Distance() = %v, want > 0", d)
	}
}

func TestHistogramEmptyDistance(t *testing.T) {
	h1 := NewHistogram(nil)
	h2 := NewHistogram(nil)
	if d := h1.Distance(h2); d != 0 {
		t.Fatalf("Distance() = %v, want 0", d)
	}
}

package varint

// Fuzz exercises the unsigned and signed varint decoders against
// arbitrary input, in the legacy go-fuzz harness shape used throughout
// this module (see zucchini/fuzz.go, patch/fuzz.go).
func Fuzz(data []byte) int {
	score := 0
	if _, _, err := DecodeUint32(data); err == nil {
		score = 1
	}
	if _, _, err := DecodeInt32(data); err == nil {
		score = 1
	}
	return score
}

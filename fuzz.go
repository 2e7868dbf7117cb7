// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package zucchini

// Fuzz exercises Generate/Apply round-tripping against arbitrary old/new
// pairs, in the legacy go-fuzz harness shape used throughout this
// module (see varint/fuzz.go, patch/fuzz.go). data is split into old
// and new halves at its midpoint; both halves are required to be
// non-empty for Generate to accept them.
func Fuzz(data []byte) int {
	if len(data) < 2 {
		return 0
	}
	mid := len(data) / 2
	old, newImage := data[:mid], data[mid:]
	if len(old) == 0 || len(newImage) == 0 {
		return 0
	}

	patchBytes, err := Generate(old, newImage, Options{Kind: KindRaw})
	if err != nil {
		return 0
	}
	got, err := Apply(old, patchBytes)
	if err != nil {
		panic(err)
	}
	if string(got) != string(newImage) {
		panic("round trip mismatch")
	}
	return 1
}

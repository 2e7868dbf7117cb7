// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package zucchini

import "testing"

func FuzzRawRoundTrip(f *testing.F) {
	f.Add([]byte("hello world"), []byte("hello there world"))
	f.Add([]byte{0, 1, 2, 3}, []byte{0, 1, 2, 3})
	f.Add([]byte{1}, []byte{})
	f.Fuzz(func(t *testing.T, old, newImage []byte) {
		if len(old) == 0 || len(newImage) == 0 {
			t.Skip("Generate rejects empty images")
		}
		patchBytes, err := Generate(old, newImage, Options{Kind: KindRaw})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		got, err := Apply(old, patchBytes)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if string(got) != string(newImage) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(newImage))
		}
	})
}

func FuzzApplyDoesNotPanic(f *testing.F) {
	f.Add([]byte("old"), []byte{0x5a, 0x75, 0x63, 0})
	f.Fuzz(func(t *testing.T, old, patchBytes []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Apply panicked: %v", r)
			}
		}()
		_, _ = Apply(old, patchBytes)
	})
}

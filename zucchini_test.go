// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package zucchini

import (
	"bytes"
	"testing"
	"testing/quick"
)

func roundTrip(t *testing.T, old, newImage []byte, opts Options) []byte {
	t.Helper()
	patchBytes, err := Generate(old, newImage, opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got, err := Apply(old, patchBytes)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(got, newImage) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, newImage)
	}
	return patchBytes
}

func TestGenerateApplyRaw(t *testing.T) {
	old := []byte("the quick brown fox jumps over the lazy dog")
	newImage := []byte("the quick brown fox leaps over the lazy dog and runs")
	roundTrip(t, old, newImage, Options{Kind: KindRaw})
}

func TestGenerateApplyRawIdentical(t *testing.T) {
	data := []byte("nothing changed here at all")
	roundTrip(t, data, data, Options{Kind: KindRaw})
}

func TestGenerateApplyRawTotallyDifferent(t *testing.T) {
	old := bytes.Repeat([]byte{0xaa}, 256)
	newImage := bytes.Repeat([]byte{0x55}, 300)
	roundTrip(t, old, newImage, Options{Kind: KindRaw})
}

// TestGenerateApplySingleNonExecutable exercises the heuristic
// non-match path: neither image is a recognizable PE/ELF/DEX, so
// generateSingle falls back to element.TypeUnknown and the patch is
// functionally a raw one.
func TestGenerateApplySingleNonExecutable(t *testing.T) {
	old := []byte("plain old data, nothing to disassemble here whatsoever")
	newImage := []byte("plain new data, still nothing to disassemble whatsoever")
	roundTrip(t, old, newImage, Options{Kind: KindSingle})
}

// TestGenerateApplyEnsembleNoDetection exercises KindEnsemble when
// element.Detect finds no embedded executables in either image: no
// matches are produced, the entire new image becomes a single
// separator, and the result degenerates to one element diffed against
// the whole old image.
func TestGenerateApplyEnsembleNoDetection(t *testing.T) {
	old := bytes.Repeat([]byte("abcdefgh"), 64)
	newImage := bytes.Repeat([]byte("abcdefgi"), 70)
	roundTrip(t, old, newImage, Options{Kind: KindEnsemble})
}

func TestGenerateRejectsEmptyImages(t *testing.T) {
	if _, err := Generate(nil, []byte("x"), Options{}); err != ErrEmptyOldImage {
		t.Fatalf("expected ErrEmptyOldImage, got %v", err)
	}
	if _, err := Generate([]byte("x"), nil, Options{}); err != ErrEmptyNewImage {
		t.Fatalf("expected ErrEmptyNewImage, got %v", err)
	}
}

func TestApplyRejectsWrongOldImage(t *testing.T) {
	old := []byte("the original image bytes go here")
	newImage := []byte("the original image bytes go there")
	patchBytes := roundTrip(t, old, newImage, Options{Kind: KindRaw})

	wrongOld := []byte("a completely unrelated old image!")
	if _, err := Apply(wrongOld, patchBytes); err != ErrOldChecksumMismatch {
		t.Fatalf("expected ErrOldChecksumMismatch, got %v", err)
	}
}

func TestApplyRejectsCorruptPatch(t *testing.T) {
	old := []byte("some bytes that make up an old image")
	newImage := []byte("some bytes that make up a new image")
	patchBytes := roundTrip(t, old, newImage, Options{Kind: KindRaw})

	corrupt := append([]byte(nil), patchBytes...)
	corrupt[len(corrupt)-1] ^= 0xff
	if _, err := Apply(old, corrupt); err == nil {
		t.Fatal("expected an error applying a corrupted patch, got nil")
	}
}

func TestGenerateApplyImposedMatches(t *testing.T) {
	old := []byte("AAAAAAAAAABBBBBBBBBBCCCCCCCCCC")
	newImage := []byte("AAAAAAAAAABBBBBBBBBBBCCCCCCCCCC")

	opts := Options{
		Kind:           KindEnsemble,
		ImposedMatches: "0+30=0+31",
	}
	roundTrip(t, old, newImage, opts)
}

func TestGenerateApplyImposedMatchesIdenticalPairDropped(t *testing.T) {
	old := []byte("AAAAAAAAAABBBBBBBBBBCCCCCCCCCC")
	newImage := []byte("AAAAAAAAAABBBBBBBBBBDCCCCCCCCC")

	opts := Options{
		Kind: KindEnsemble,
		// The B-range is byte-identical on both sides, so it is dropped
		// from the imposed matches and left to fall out as residue
		// rather than carried through the match pipeline.
		ImposedMatches: "10+10=10+10",
	}
	roundTrip(t, old, newImage, opts)
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusSuccess:          "success",
		StatusInvalidOldImage:  "invalid-old-image",
		StatusInvalidNewImage:  "invalid-new-image",
		StatusPatchReadError:   "patch-read-error",
		StatusFileReadError:    "file-read-error",
		StatusFileWriteError:   "file-write-error",
		StatusFatal:            "fatal",
		Status(99):             "fatal",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}

// TestGenerateApplyRawRoundTripProperty checks the universal law that
// a raw patch always reconstructs new exactly, across randomly
// generated old/new byte pairs.
func TestGenerateApplyRawRoundTripProperty(t *testing.T) {
	f := func(old, newImage []byte) bool {
		if len(old) == 0 || len(newImage) == 0 {
			return true
		}
		patchBytes, err := Generate(old, newImage, Options{Kind: KindRaw})
		if err != nil {
			return false
		}
		got, err := Apply(old, patchBytes)
		return err == nil && bytes.Equal(got, newImage)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package disasm implements the per-architecture reference-parser
// framework: given a raw executable image, each disassembler builds an
// image.Index by enumerating abs32/abs64 relocations and scanning for
// PC-relative branch instructions, consulting an address.Translator to
// convert between file offsets and RVAs.
package disasm

import (
	"errors"

	"github.com/saferwall/zucchini/address"
	"github.com/saferwall/zucchini/element"
	"github.com/saferwall/zucchini/image"
	"github.com/saferwall/zucchini/reftype"
)

// ErrUnrecognizedFormat is returned by New when no disassembler
// recognizes the image's magic sequence.
var ErrUnrecognizedFormat = errors.New("disasm: unrecognized image format")

// Disassembler parses one executable format's references into an
// image.Index.
type Disassembler interface {
	// Type returns the executable type this disassembler handles.
	Type() element.Type
	// Translator returns the address translator built while parsing
	// the image's section/segment layout.
	Translator() *address.Translator
	// Parse builds the image index: inserts one ReferenceSet per
	// reference type discovered.
	Parse(img []byte) (*image.Index, error)
	// Poke overwrites the reference of the given tag whose operand
	// starts at loc, encoding target (a file offset into img) the same
	// way Parse's finder for that tag decoded it, in reverse.
	Poke(img []byte, loc int, tag reftype.Tag, target uint32) error
}

// Sniffers returns one element.Sizer per known format (PE, ELF, DEX),
// each probing an image at an offset for its magic sequence, for use
// with element.Detect.
func Sniffers() []element.Sizer {
	return []element.Sizer{
		win32Sniffer{},
		elfSniffer{},
		dexSniffer{},
	}
}

// New returns a disassembler for img, chosen by the same magic probing
// Sniffers uses.
func New(img []byte) (Disassembler, error) {
	if ok, _ := sniffWin32(img); ok {
		return NewWin32(img)
	}
	if ok, _ := sniffELF(img); ok {
		return NewELF(img)
	}
	if ok, _ := sniffDex(img); ok {
		return NewDex(img)
	}
	return nil, ErrUnrecognizedFormat
}

// gapWindows returns the byte ranges of codeSection not overlapping any
// of the claimed ranges (width bytes per offset in claimed), used by
// the rel32 finder so it never mistakes an abs32/abs64 reference's
// bytes for an instruction.
func gapWindows(sectionStart, sectionEnd int, claimed []claimedRange) [][2]int {
	type iv struct{ lo, hi int }
	ivs := make([]iv, len(claimed))
	for i, c := range claimed {
		ivs[i] = iv{c.offset, c.offset + c.width}
	}
	// sort by lo
	for i := 1; i < len(ivs); i++ {
		for j := i; j > 0 && ivs[j].lo < ivs[j-1].lo; j-- {
			ivs[j], ivs[j-1] = ivs[j-1], ivs[j]
		}
	}

	var gaps [][2]int
	cursor := sectionStart
	for _, v := range ivs {
		lo, hi := v.lo, v.hi
		if hi <= sectionStart || lo >= sectionEnd {
			continue
		}
		if lo > cursor {
			gaps = append(gaps, [2]int{cursor, min(lo, sectionEnd)})
		}
		if hi > cursor {
			cursor = hi
		}
	}
	if cursor < sectionEnd {
		gaps = append(gaps, [2]int{cursor, sectionEnd})
	}
	return gaps
}

type claimedRange struct {
	offset int
	width  int
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// armThumb2Threshold is the fraction-of-AL-condition threshold below
// which a section is treated as THUMB2 rather than ARM32 (spec's ARM
// mode-detection heuristic).
const armThumb2Threshold = 0.4

// detectARMMode counts the fraction of 4-byte units in data whose high
// nibble of the last byte equals 0xE (ARM's "AL" condition), returning
// true when THUMB2 should be used.
func detectARMMode(data []byte) bool {
	total := 0
	alCount := 0
	for i := 0; i+4 <= len(data); i += 4 {
		total++
		if data[i+3]>>4 == 0xE {
			alCount++
		}
	}
	if total == 0 {
		return true
	}
	return float64(alCount)/float64(total) < armThumb2Threshold
}

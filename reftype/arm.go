// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package reftype

import "encoding/binary"

// ARM32/THUMB2 reference tags. The full original engine supports several
// more opcode variants (ADR/ADRP-style Immd21 loads, THUMB conditional
// branches, etc.); only the branch-family encodings below are
// implemented here.
const (
	TagARMA24 Tag = iota + 16 // ARM32 B/BL, 24-bit word-granular displacement
	TagARMA24BLXA2            // ARM32 BLX (A2), switches to Thumb
	TagThumb2BL               // THUMB2 32-bit BL/BLX (T1/T2), J1/J2 encoding
)

// PoolARMRel32 is shared by every ARM32/THUMB2 branch-displacement type:
// they all index the same target list (spec §4.4).
const PoolARMRel32 Pool = 16

// armA24 implements ARM32 B/BL: cond(4) 101 L(1) imm24(24).
type armA24 struct{}

// NewARMA24 returns the ARM32 B/BL reference type.
func NewARMA24() Type { return armA24{} }

func (armA24) Tag() Tag   { return TagARMA24 }
func (armA24) Pool() Pool { return PoolARMRel32 }
func (armA24) Width() int { return 4 }

func (armA24) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+4 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	return binary.LittleEndian.Uint32(image[loc : loc+4]), nil
}

func (armA24) Decode(codeWord uint32) (int32, error) {
	if (codeWord>>25)&0x7 != 0x5 {
		return 0, ErrOpcodeMismatch
	}
	imm24 := codeWord & 0xffffff
	// Sign-extend a 24-bit field, then scale by 4 (word granularity).
	signed := int32(imm24<<8) >> 8
	return signed * 4, nil
}

func (armA24) Encode(base uint32, displacement int32) (uint32, error) {
	if displacement%4 != 0 {
		return 0, ErrMisaligned
	}
	imm24 := displacement / 4
	if imm24 < -(1<<23) || imm24 >= 1<<23 {
		return 0, ErrDisplacementOverflow
	}
	return (base &^ 0xffffff) | (uint32(imm24) & 0xffffff), nil
}

// armA24BLXA2 implements ARM32 BLX (encoding A2): cond=1111 101 H imm24.
// The H bit supplies an extra low-order bit, giving halfword
// granularity, but the decoded target is still reported word-aligned per
// spec §4.4 ("4 for the A2 variant of BLX which switches mode").
type armA24BLXA2 struct{}

// NewARMA24BLXA2 returns the ARM32 BLX(A2) reference type.
func NewARMA24BLXA2() Type { return armA24BLXA2{} }

func (armA24BLXA2) Tag() Tag   { return TagARMA24BLXA2 }
func (armA24BLXA2) Pool() Pool { return PoolARMRel32 }
func (armA24BLXA2) Width() int { return 4 }

func (armA24BLXA2) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+4 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	return binary.LittleEndian.Uint32(image[loc : loc+4]), nil
}

func (armA24BLXA2) Decode(codeWord uint32) (int32, error) {
	if codeWord>>28 != 0xf || (codeWord>>25)&0x7 != 0x5 {
		return 0, ErrOpcodeMismatch
	}
	h := (codeWord >> 24) & 0x1
	imm24 := codeWord & 0xffffff
	signed := int32(imm24<<8) >> 8
	return signed*4 + int32(h*2), nil
}

func (armA24BLXA2) Encode(base uint32, displacement int32) (uint32, error) {
	if displacement%2 != 0 {
		return 0, ErrMisaligned
	}
	h := uint32(0)
	if displacement%4 != 0 {
		h = 1
	}
	imm24 := displacement / 4
	if imm24 < -(1<<23) || imm24 >= 1<<23 {
		return 0, ErrDisplacementOverflow
	}
	return (base &^ 0x1ffffff) | (h << 24) | (uint32(imm24) & 0xffffff), nil
}

// thumb2BL implements the THUMB2 32-bit BL/BLX instruction. THUMB2
// 32-bit instructions are stored as two little-endian 16-bit half-words
// with the high half-word first in the stream, so Fetch must swap halves
// when assembling the code word (spec §4.4).
type thumb2BL struct{}

// NewThumb2BL returns the THUMB2 BL/BLX reference type.
func NewThumb2BL() Type { return thumb2BL{} }

func (thumb2BL) Tag() Tag   { return TagThumb2BL }
func (thumb2BL) Pool() Pool { return PoolARMRel32 }
func (thumb2BL) Width() int { return 4 }

func (thumb2BL) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+4 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	hi := binary.LittleEndian.Uint16(image[loc : loc+2])
	lo := binary.LittleEndian.Uint16(image[loc+2 : loc+4])
	// The stream holds [hi, lo] in that order; reassemble so bit 31 is
	// the first half-word's bit 15.
	return uint32(hi)<<16 | uint32(lo), nil
}

func (thumb2BL) Decode(codeWord uint32) (int32, error) {
	hi := codeWord >> 16
	lo := codeWord & 0xffff
	if hi&0xf800 != 0xf000 {
		return 0, ErrOpcodeMismatch
	}
	if lo&0xc000 != 0xc000 && lo&0xd000 != 0xd000 {
		return 0, ErrOpcodeMismatch
	}
	s := (hi >> 10) & 0x1
	imm10 := hi & 0x3ff
	j1 := (lo >> 13) & 0x1
	j2 := (lo >> 11) & 0x1
	imm11 := lo & 0x7ff
	i1 := (^(j1 ^ s)) & 0x1
	i2 := (^(j2 ^ s)) & 0x1
	imm := (s << 24) | (i1 << 23) | (i2 << 22) | (imm10 << 12) | (imm11 << 1)
	signed := int32(imm<<7) >> 7
	return signed, nil
}

func (thumb2BL) Encode(base uint32, displacement int32) (uint32, error) {
	if displacement%2 != 0 {
		return 0, ErrMisaligned
	}
	if displacement < -(1<<24) || displacement >= 1<<24 {
		return 0, ErrDisplacementOverflow
	}
	u := uint32(displacement)
	s := (u >> 24) & 0x1
	i1 := (u >> 23) & 0x1
	i2 := (u >> 22) & 0x1
	imm10 := (u >> 12) & 0x3ff
	imm11 := (u >> 1) & 0x7ff
	j1 := (^(i1 ^ s)) & 0x1
	j2 := (^(i2 ^ s)) & 0x1

	hi := base >> 16
	lo := base & 0xffff
	hi = (hi &^ 0x7ff) | (s << 10) | imm10
	lo = (lo &^ 0x2fff) | (j1 << 13) | (j2 << 11) | imm11

	return hi<<16 | lo, nil
}

// ARMTargetRVA computes the ARM32 branch target: instrRVA+8+disp,
// rounded down to the required alignment (4 for ARM-mode, 2 for
// Thumb-mode BX/B, 4 for the BLX A2 mode switch).
func ARMTargetRVA(instrRVA uint32, displacement int32, alignment uint32) uint32 {
	target := uint32(int64(instrRVA) + 8 + int64(displacement))
	return target &^ (alignment - 1)
}

// Thumb2TargetRVA computes the THUMB2 branch target: instrRVA+4+disp,
// rounded down to 2 bytes, or 4 for the BLX T2 encoding.
func Thumb2TargetRVA(instrRVA uint32, displacement int32, alignment uint32) uint32 {
	target := uint32(int64(instrRVA) + 4 + int64(displacement))
	return target &^ (alignment - 1)
}

// ARMDisplacementFor is the inverse of ARMTargetRVA. It rejects targets
// that do not already sit on the required alignment, since ARMTargetRVA
// is not injective across an unaligned target.
func ARMDisplacementFor(instrRVA, targetRVA uint32, alignment uint32) (int32, bool) {
	if targetRVA&(alignment-1) != 0 {
		return 0, false
	}
	d := int64(targetRVA) - int64(instrRVA) - 8
	if d < int64(minInt32) || d > int64(maxInt32) {
		return 0, false
	}
	return int32(d), true
}

// Thumb2DisplacementFor is the inverse of Thumb2TargetRVA.
func Thumb2DisplacementFor(instrRVA, targetRVA uint32, alignment uint32) (int32, bool) {
	if targetRVA&(alignment-1) != 0 {
		return 0, false
	}
	d := int64(targetRVA) - int64(instrRVA) - 4
	if d < int64(minInt32) || d > int64(maxInt32) {
		return 0, false
	}
	return int32(d), true
}

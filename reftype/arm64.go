// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package reftype

import "encoding/binary"

// AArch64 reference tags.
const (
	TagAArch64Immd26 Tag = iota + 32 // unconditional branch (B, BL)
	TagAArch64Immd19                 // conditional branch / CBZ/CBNZ / LDR literal
)

// PoolAArch64 is shared by every AArch64 PC-relative reference type.
const PoolAArch64 Pool = 32

// immd26 implements AArch64 unconditional B/BL: op(1) 00101 imm26.
type immd26 struct{}

// NewAArch64Immd26 returns the AArch64 B/BL reference type.
func NewAArch64Immd26() Type { return immd26{} }

func (immd26) Tag() Tag   { return TagAArch64Immd26 }
func (immd26) Pool() Pool { return PoolAArch64 }
func (immd26) Width() int { return 4 }

func (immd26) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+4 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	return binary.LittleEndian.Uint32(image[loc : loc+4]), nil
}

func (immd26) Decode(codeWord uint32) (int32, error) {
	if (codeWord>>26)&0x1f != 0x5 {
		return 0, ErrOpcodeMismatch
	}
	imm26 := codeWord & 0x3ffffff
	signed := int32(imm26<<6) >> 6
	return signed * 4, nil
}

func (immd26) Encode(base uint32, displacement int32) (uint32, error) {
	if displacement%4 != 0 {
		return 0, ErrMisaligned
	}
	imm26 := displacement / 4
	if imm26 < -(1<<25) || imm26 >= 1<<25 {
		return 0, ErrDisplacementOverflow
	}
	return (base &^ 0x3ffffff) | (uint32(imm26) & 0x3ffffff), nil
}

// immd19 implements AArch64 conditional branch / CBZ / CBNZ / LDR
// (literal): all share a 19-bit word-granular signed displacement field
// at bits [23:5].
type immd19 struct{}

// NewAArch64Immd19 returns the AArch64 conditional-branch-family
// reference type.
func NewAArch64Immd19() Type { return immd19{} }

func (immd19) Tag() Tag   { return TagAArch64Immd19 }
func (immd19) Pool() Pool { return PoolAArch64 }
func (immd19) Width() int { return 4 }

func (immd19) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+4 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	return binary.LittleEndian.Uint32(image[loc : loc+4]), nil
}

func (immd19) Decode(codeWord uint32) (int32, error) {
	imm19 := (codeWord >> 5) & 0x7ffff
	signed := int32(imm19<<13) >> 13
	return signed * 4, nil
}

func (immd19) Encode(base uint32, displacement int32) (uint32, error) {
	if displacement%4 != 0 {
		return 0, ErrMisaligned
	}
	imm19 := displacement / 4
	if imm19 < -(1<<18) || imm19 >= 1<<18 {
		return 0, ErrDisplacementOverflow
	}
	return (base &^ (0x7ffff << 5)) | ((uint32(imm19) & 0x7ffff) << 5), nil
}

// AArch64TargetRVA computes target_rva = instr_rva + disp; AArch64
// branches get no pipeline adjustment, unlike ARM32/THUMB2.
func AArch64TargetRVA(instrRVA uint32, displacement int32) uint32 {
	return uint32(int64(instrRVA) + int64(displacement))
}

// AArch64DisplacementFor is the inverse of AArch64TargetRVA.
func AArch64DisplacementFor(instrRVA, targetRVA uint32) (int32, bool) {
	d := int64(targetRVA) - int64(instrRVA)
	if d < int64(minInt32) || d > int64(maxInt32) {
		return 0, false
	}
	return int32(d), true
}

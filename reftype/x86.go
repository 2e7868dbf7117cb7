// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package reftype

import "encoding/binary"

// x86/x64 reference tags.
const (
	TagX86Rel32 Tag = iota
	TagX86Abs32
	TagX64Abs64
)

// Pools shared by x86/x64 reference types. Each pool groups the types
// that index the same deduplicated target list.
const (
	PoolX86Rel32 Pool = iota
	PoolX86Abs32
	PoolX64Abs64
)

// rel32 is a 4-byte PC-relative displacement, as found after a CALL/JMP
// opcode byte (which the gap/rel32 finder in disasm is responsible for
// locating; this type only fetches/encodes the 4-byte operand itself).
type rel32 struct{}

// NewX86Rel32 returns the x86/x64 rel32 reference type.
func NewX86Rel32() Type { return rel32{} }

func (rel32) Tag() Tag   { return TagX86Rel32 }
func (rel32) Pool() Pool { return PoolX86Rel32 }
func (rel32) Width() int { return 4 }

func (rel32) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+4 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	return binary.LittleEndian.Uint32(image[loc : loc+4]), nil
}

func (rel32) Decode(codeWord uint32) (int32, error) {
	return int32(codeWord), nil
}

func (rel32) Encode(_ uint32, displacement int32) (uint32, error) {
	return uint32(displacement), nil
}

// abs32 is a 4-byte absolute RVA (x86, or 32-bit fields of x64 images).
type abs32 struct{}

// NewX86Abs32 returns the x86 abs32 reference type.
func NewX86Abs32() Type { return abs32{} }

func (abs32) Tag() Tag   { return TagX86Abs32 }
func (abs32) Pool() Pool { return PoolX86Abs32 }
func (abs32) Width() int { return 4 }

func (abs32) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+4 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	return binary.LittleEndian.Uint32(image[loc : loc+4]), nil
}

func (abs32) Decode(codeWord uint32) (int32, error) {
	return int32(codeWord), nil
}

func (abs32) Encode(_ uint32, displacement int32) (uint32, error) {
	return uint32(displacement), nil
}

// abs64 is an 8-byte absolute virtual address (x64 RIP-absolute data
// references and import thunks).
type abs64 struct{}

// NewX64Abs64 returns the x64 abs64 reference type. Decode/Encode still
// operate on the low 32 bits of the address: the high 32 bits of a
// module's load address are assumed identical between old and new (both
// are diffed against the same preferred image base), matching the
// source's treatment of abs64 as a 32-bit-displacement-equivalent
// reference for patching purposes.
type Abs64 = abs64

func NewX64Abs64() Type { return abs64{} }

func (abs64) Tag() Tag   { return TagX64Abs64 }
func (abs64) Pool() Pool { return PoolX64Abs64 }
func (abs64) Width() int { return 8 }

func (abs64) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+8 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	return binary.LittleEndian.Uint32(image[loc : loc+4]), nil
}

func (abs64) Decode(codeWord uint32) (int32, error) {
	return int32(codeWord), nil
}

func (abs64) Encode(_ uint32, displacement int32) (uint32, error) {
	return uint32(displacement), nil
}

// X86TargetRVA computes the absolute target RVA of an x86/x64 rel32
// reference: rip_after_instruction + disp32. instrEndRVA is the RVA
// immediately following the 4-byte operand.
func X86TargetRVA(instrEndRVA uint32, displacement int32) uint32 {
	return uint32(int64(instrEndRVA) + int64(displacement))
}

// X86DisplacementFor is the inverse of X86TargetRVA.
func X86DisplacementFor(instrEndRVA, targetRVA uint32) (int32, bool) {
	d := int64(targetRVA) - int64(instrEndRVA)
	if d < int64(minInt32) || d > int64(maxInt32) {
		return 0, false
	}
	return int32(d), true
}

const (
	minInt32 = -(1 << 31)
	maxInt32 = 1<<31 - 1
)

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package reftype

import "encoding/binary"

// DEX reference tags. Branch references carry a code-unit displacement;
// index references carry a raw table index — the disassembler, not this
// type, converts an index to the target table entry's file offset (it
// alone knows each table's base and entry size).
const (
	TagDexRel16       Tag = iota + 48 // goto, if-test branches
	TagDexRel32                       // goto/32, fill-array-data-payload refs
	TagDexStringID16                  // const-string, 16-bit string@ index
	TagDexStringID32                  // const-string/jumbo, 32-bit string@ index
	TagDexTypeID                      // 16-bit type@ index
	TagDexMethodID                    // 16-bit method@ index
	TagDexFieldID                     // 16-bit field@ index
)

// Pools: branch displacements share one pool; each index kind indexes a
// distinct table and so gets its own pool.
const (
	PoolDexRel32    Pool = 48
	PoolDexStringID Pool = 49
	PoolDexTypeID   Pool = 50
	PoolDexMethodID Pool = 51
	PoolDexFieldID  Pool = 52
)

// dexRel16 is a signed 16-bit branch displacement in code units (goto,
// if-*).
type dexRel16 struct{}

// NewDexRel16 returns the DEX 16-bit branch reference type.
func NewDexRel16() Type { return dexRel16{} }

func (dexRel16) Tag() Tag   { return TagDexRel16 }
func (dexRel16) Pool() Pool { return PoolDexRel32 }
func (dexRel16) Width() int { return 2 }

func (dexRel16) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+2 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	return uint32(binary.LittleEndian.Uint16(image[loc : loc+2])), nil
}

func (dexRel16) Decode(codeWord uint32) (int32, error) {
	return int32(int16(uint16(codeWord))), nil
}

func (dexRel16) Encode(_ uint32, displacement int32) (uint32, error) {
	if displacement < -(1<<15) || displacement >= 1<<15 {
		return 0, ErrDisplacementOverflow
	}
	return uint32(uint16(int16(displacement))), nil
}

// dexRel32 is a signed 32-bit branch displacement in code units
// (goto/32, packed-switch/sparse-switch/fill-array-data targets).
type dexRel32 struct{}

// NewDexRel32 returns the DEX 32-bit branch reference type.
func NewDexRel32() Type { return dexRel32{} }

func (dexRel32) Tag() Tag   { return TagDexRel32 }
func (dexRel32) Pool() Pool { return PoolDexRel32 }
func (dexRel32) Width() int { return 4 }

func (dexRel32) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+4 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	lo := binary.LittleEndian.Uint16(image[loc : loc+2])
	hi := binary.LittleEndian.Uint16(image[loc+2 : loc+4])
	return uint32(lo) | uint32(hi)<<16, nil
}

func (dexRel32) Decode(codeWord uint32) (int32, error) {
	return int32(codeWord), nil
}

func (dexRel32) Encode(_ uint32, displacement int32) (uint32, error) {
	return uint32(displacement), nil
}

// dexIndex16 is a generic 16-bit table index operand (string/type/
// method/field ids). The "displacement" returned by Decode is simply
// the raw index, sign-extension-free since indices are unsigned; the
// disassembler is responsible for mapping it to a file offset.
type dexIndex16 struct {
	tag  Tag
	pool Pool
}

// NewDexStringID16 returns the 16-bit string@ index reference type.
func NewDexStringID16() Type { return dexIndex16{TagDexStringID16, PoolDexStringID} }

// NewDexTypeID returns the 16-bit type@ index reference type.
func NewDexTypeID() Type { return dexIndex16{TagDexTypeID, PoolDexTypeID} }

// NewDexMethodID returns the 16-bit method@ index reference type.
func NewDexMethodID() Type { return dexIndex16{TagDexMethodID, PoolDexMethodID} }

// NewDexFieldID returns the 16-bit field@ index reference type.
func NewDexFieldID() Type { return dexIndex16{TagDexFieldID, PoolDexFieldID} }

func (d dexIndex16) Tag() Tag   { return d.tag }
func (d dexIndex16) Pool() Pool { return d.pool }
func (dexIndex16) Width() int   { return 2 }

func (dexIndex16) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+2 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	return uint32(binary.LittleEndian.Uint16(image[loc : loc+2])), nil
}

func (dexIndex16) Decode(codeWord uint32) (int32, error) {
	return int32(codeWord), nil
}

func (dexIndex16) Encode(_ uint32, displacement int32) (uint32, error) {
	if displacement < 0 || displacement > 0xffff {
		return 0, ErrDisplacementOverflow
	}
	return uint32(displacement), nil
}

// dexStringID32 is the 32-bit string@ index used by const-string/jumbo.
type dexStringID32 struct{}

// NewDexStringID32 returns the 32-bit string@ index reference type.
func NewDexStringID32() Type { return dexStringID32{} }

func (dexStringID32) Tag() Tag   { return TagDexStringID32 }
func (dexStringID32) Pool() Pool { return PoolDexStringID }
func (dexStringID32) Width() int { return 4 }

func (dexStringID32) Fetch(image []byte, loc int) (uint32, error) {
	if loc < 0 || loc+4 > len(image) {
		return 0, ErrOpcodeMismatch
	}
	lo := binary.LittleEndian.Uint16(image[loc : loc+2])
	hi := binary.LittleEndian.Uint16(image[loc+2 : loc+4])
	return uint32(lo) | uint32(hi)<<16, nil
}

func (dexStringID32) Decode(codeWord uint32) (int32, error) {
	return int32(codeWord), nil
}

func (dexStringID32) Encode(_ uint32, displacement int32) (uint32, error) {
	return uint32(displacement), nil
}

// DexBranchTargetOffset computes target_offset = instr_offset + disp*2
// (displacement is in 16-bit code units).
func DexBranchTargetOffset(instrOffset uint32, displacement int32) uint32 {
	return uint32(int64(instrOffset) + int64(displacement)*2)
}

// DexBranchDisplacementFor is the inverse of DexBranchTargetOffset. It
// rejects targets that don't sit on a code-unit boundary relative to
// the instruction.
func DexBranchDisplacementFor(instrOffset, targetOffset uint32) (int32, bool) {
	d := int64(targetOffset) - int64(instrOffset)
	if d%2 != 0 {
		return 0, false
	}
	d /= 2
	if d < int64(minInt32) || d > int64(maxInt32) {
		return 0, false
	}
	return int32(d), true
}

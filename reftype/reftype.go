// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package reftype defines the per-architecture reference-type framework:
// one implementation per encoding (x86/x64 rel32 and abs32, ARM32/THUMB2
// branch displacements, AArch64 immediates, DEX branch and index
// operands), each able to fetch a raw code word, decode it into a
// displacement, and re-encode a (possibly shifted) displacement back
// into a code word.
//
// This replaces the source's function-pointer-template dispatch (see the
// redesign note in SPEC_FULL.md §D.4) with a plain interface: dispatch is
// statically known at every call site, since the disassembler that owns
// a Type always knows which architecture it is parsing.
package reftype

import "errors"

// ErrOpcodeMismatch is returned by Decode when the code word does not
// match the type's expected opcode pattern.
var ErrOpcodeMismatch = errors.New("reftype: opcode pattern mismatch")

// ErrDisplacementOverflow is returned by Encode when a displacement does
// not fit the type's signed bit field.
var ErrDisplacementOverflow = errors.New("reftype: displacement overflows field")

// ErrMisaligned is returned by Encode when a displacement violates the
// type's alignment constraint.
var ErrMisaligned = errors.New("reftype: displacement violates alignment")

// Tag identifies a reference encoding. Values are stable across a single
// run of the engine (they are not part of the wire format; the wire
// format stores pool tags and per-element type metadata instead).
type Tag uint8

// Pool identifies the target namespace a group of reference Tags share.
type Pool uint8

// Type is the per-architecture reference codec: fetch a code word from
// an image position, decode it into a displacement, and encode a
// (possibly different) displacement back into a code word.
type Type interface {
	// Tag identifies this reference encoding.
	Tag() Tag
	// Pool identifies the shared target namespace for this encoding.
	Pool() Pool
	// Width is the number of bytes the encoded reference occupies.
	Width() int

	// Fetch reads the raw code word for this type at image position loc.
	Fetch(image []byte, loc int) (codeWord uint32, err error)

	// Decode splits a fetched code word into a signed displacement
	// (already widened to int32), failing if the opcode pattern does not
	// match.
	Decode(codeWord uint32) (displacement int32, err error)

	// Encode merges a displacement back into base (the original fetched
	// code word, so non-displacement bits are preserved) and returns the
	// bytes to write at the reference's location.
	Encode(base uint32, displacement int32) (codeWord uint32, err error)
}

// TargetRVA computes the RVA a reference at instrRVA with the given
// decoded displacement points at, per the architecture rule named by
// kind.
type TargetRVA func(instrRVA uint32, displacement int32) uint32

// DisplacementFor is the inverse of TargetRVA: given the instruction RVA
// and a desired target RVA, compute the displacement to encode. It
// returns false if the target cannot be expressed relative to instrRVA
// (e.g. ARM alignment cannot be satisfied).
type DisplacementFor func(instrRVA, targetRVA uint32) (displacement int32, ok bool)

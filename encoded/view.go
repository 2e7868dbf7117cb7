// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package encoded projects an image.Index into a token sequence over a
// finite alphabet of Cardinality (257 + 64*2^14, about 2^20) symbols,
// suitable for generic sequence matching (suffix-array construction,
// equivalence finding).
package encoded

import (
	"github.com/saferwall/zucchini/image"
	"github.com/saferwall/zucchini/reftype"
)

// numTypes bounds the number of distinct reference type tags the
// alphabet needs to distinguish; chosen comfortably above every tag
// constant defined in reftype.
const numTypes = 64

// rawSymbols is the number of symbols reserved for raw byte values
// (0..255).
const rawSymbols = 256

// PaddingSymbol is the fixed symbol assigned to every trailing byte of a
// reference; matching treats it as "don't care," since only the
// reference's first byte carries positional meaning.
const PaddingSymbol = rawSymbols

// baseSymbol is the first symbol used for a reference's first byte.
const baseSymbol = PaddingSymbol + 1

// unassignedKey is used in the symbol formula when a reference's target
// has no pool key yet (targets are always keyed before an encoded view
// is built, but the sentinel keeps the formula total).
const unassignedKey = -1

// Cardinality is the minimum alphabet size needed to represent any
// encoded view: raw bytes, the padding symbol, and every (type, key)
// combination up to the largest practical pool.
const Cardinality = baseSymbol + numTypes*(1<<14)

// View projects an image.Index (plus the underlying raw bytes) into the
// token sequence used for suffix-array-based equivalence finding.
type View struct {
	raw []byte
	idx *image.Index
}

// New returns an encoded view over raw annotated by idx. raw and idx
// must describe the same image.
func New(raw []byte, idx *image.Index) *View {
	return &View{raw: raw, idx: idx}
}

// Len returns the number of positions in the view (equal to the image
// size).
func (v *View) Len() int { return len(v.raw) }

// Cardinality returns the minimum alphabet size needed for this view.
func (v *View) Cardinality() int { return Cardinality }

// At returns the symbol at position i.
func (v *View) At(i int) int {
	tag := v.idx.TypeAt(i)
	if tag == image.NoTag {
		return int(v.raw[i])
	}
	if !v.idx.IsToken(i) {
		return PaddingSymbol
	}
	key, _, ok := v.idx.KeyAt(i)
	if !ok {
		key = unassignedKey
	}
	if key < 0 {
		key = (1 << 14) - 1
	}
	return baseSymbol + int(tag) + numTypes*key
}

// IsReferencePadding reports whether position i is a reference's
// trailing (non-first) byte — positions the similarity function must
// still advance past but never scores directly.
func (v *View) IsReferencePadding(i int) bool {
	return v.idx.TypeAt(i) != image.NoTag && !v.idx.IsToken(i)
}

// TypeAt exposes the underlying tag at position i, used by the
// similarity function to decide whether two positions are "both raw,"
// "both references of the same type," or a fatal cross-type mismatch.
func (v *View) TypeAt(i int) reftype.Tag {
	return v.idx.TypeAt(i)
}

// KeyAt exposes the underlying reference's pool key at position i.
func (v *View) KeyAt(i int) (key int, ok bool) {
	key, _, ok = v.idx.KeyAt(i)
	return key, ok
}

// Index returns the underlying image index.
func (v *View) Index() *image.Index { return v.idx }

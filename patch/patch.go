// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package patch implements the on-wire binary patch format: a header,
// followed by one or more patch elements each carrying five
// length-prefixed byte streams.
package patch

import (
	"errors"

	"github.com/saferwall/zucchini/element"
)

// Magic is the fixed 4-byte patch-file signature.
var Magic = [4]byte{'Z', 'u', 'c', 0}

// Kind enumerates the top-level patch strategy. Values are part of the
// wire format.
type Kind uint32

const (
	KindRaw      Kind = 0
	KindSingle   Kind = 1
	KindEnsemble Kind = 2
)

// Patch-format validation errors.
var (
	ErrBadMagic        = errors.New("patch: bad magic")
	ErrBadKind         = errors.New("patch: invalid patch kind")
	ErrBadElementCount = errors.New("patch: element count inconsistent with patch kind")
	ErrTruncated       = errors.New("patch: truncated stream")
	ErrElementBounds   = errors.New("patch: element range out of bounds")
	ErrElementGap      = errors.New("patch: elements are not contiguous across new-size")
	ErrElementOverlap  = errors.New("patch: element ranges overlap")
)

// Header is the fixed 28-byte patch header.
type Header struct {
	OldSize      uint32
	OldCRC       uint32
	NewSize      uint32
	NewCRC       uint32
	Kind         Kind
	ElementCount uint32
}

// HeaderSize is the fixed on-wire size of Header, in bytes.
const HeaderSize = 28

// PoolTargets is one pool's extra-target stream: new-side targets with
// no old-side counterpart, delta-encoded with a bias of 1 when
// serialized.
type PoolTargets struct {
	PoolTag uint8
	Targets []uint32
}

// Element is one patch element: the match it was derived from, plus its
// five streams.
type Element struct {
	OldOffset uint32
	NewOffset uint32
	OldLength uint64
	NewLength uint64
	ExeType   element.Type

	// EquivSrcSkip, EquivDstSkip, EquivLength are the three equivalence
	// sub-streams, already varint-decoded into deltas (src-skip signed,
	// dst-skip and length unsigned).
	EquivSrcSkip []int32
	EquivDstSkip []uint32
	EquivLength  []uint32

	ExtraData []byte

	RawDeltaCopyOffsetSkip []uint32
	RawDeltaDiff           []int8

	ReferenceDelta []int32

	ExtraTargets []PoolTargets
}

func (e Element) OldEnd() uint64 { return uint64(e.OldOffset) + e.OldLength }
func (e Element) NewEnd() uint64 { return uint64(e.NewOffset) + e.NewLength }

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package address implements a bidirectional, possibly
// many-to-many-with-holes mapping between file offsets and runtime
// virtual addresses (RVAs). RVAs that extend past an image's on-disk
// backing ("dangling" RVAs, e.g. a section's zero-filled tail) are
// represented as synthetic "fake offsets" in a reserved range beyond the
// image, so every RVA still has a first-class offset to key off of.
package address

import (
	"errors"
	"sort"
)

// Offset bound: offsets are 31-bit (bit 31 is reserved as a marker by
// the patch format elsewhere in the engine; the translator never
// produces or accepts a value using that bit).
const maxOffset = 1<<31 - 1

var (
	// ErrOverflow is returned when a unit's ranges overflow the 31-bit
	// offset space.
	ErrOverflow = errors.New("address: range overflows offset space")

	// ErrBadOverlap is returned when two units disagree on their offset
	// shift but overlap in RVA space.
	ErrBadOverlap = errors.New("address: conflicting overlapping units")

	// ErrBadDanglingOverlap is returned when dangling-RVA extents are
	// inconsistent across an overlap.
	ErrBadDanglingOverlap = errors.New("address: conflicting dangling-RVA overlap")

	// ErrOffsetOverlap is returned when, after sorting by offset, two
	// units still overlap.
	ErrOffsetOverlap = errors.New("address: overlapping offset ranges")

	// ErrFakeOffsetOutOfRange is returned when the fake-offset base plus
	// the largest RVA extent would exceed the offset bound.
	ErrFakeOffsetOutOfRange = errors.New("address: fake-offset base out of range")

	// ErrInvalidRVA / ErrInvalidOffset are returned by runtime queries.
	ErrInvalidRVA    = errors.New("address: rva not covered by any unit")
	ErrInvalidOffset = errors.New("address: offset not covered by any unit")
)

// Unit is one contiguous mapping between a file-offset range and an RVA
// range. When RVASize > OffsetSize, the trailing RVAs are dangling: they
// exist in the loaded image but have no on-disk backing.
type Unit struct {
	OffsetBegin uint32
	OffsetSize  uint32
	RVABegin    uint32
	RVASize     uint32
}

func (u Unit) offsetEnd() uint32 { return u.OffsetBegin + u.OffsetSize }
func (u Unit) rvaEnd() uint32    { return u.RVABegin + u.RVASize }
func (u Unit) shift() int64      { return int64(u.RVABegin) - int64(u.OffsetBegin) }

// Builder accumulates units and produces a Translator.
type Builder struct {
	units []Unit
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add stages a unit for inclusion. Overflowing units are rejected
// immediately; empty units and units whose OffsetSize exceeds RVASize
// are silently truncated/discarded per the build algorithm.
func (b *Builder) Add(u Unit) error {
	if overflows32(u.OffsetBegin, u.OffsetSize) || overflows32(u.RVABegin, u.RVASize) {
		return ErrOverflow
	}
	if u.OffsetSize > u.RVASize {
		u.OffsetSize = u.RVASize
	}
	if u.RVASize == 0 {
		return nil
	}
	b.units = append(b.units, u)
	return nil
}

func overflows32(begin, size uint32) bool {
	end := uint64(begin) + uint64(size)
	return end > maxOffset
}

// Build runs the five-step algorithm from the spec and returns an
// immutable Translator.
func (b *Builder) Build() (*Translator, error) {
	units := append([]Unit(nil), b.units...)

	// Step 2: sort by (RVABegin, RVASize) and deduplicate.
	sort.Slice(units, func(i, j int) bool {
		if units[i].RVABegin != units[j].RVABegin {
			return units[i].RVABegin < units[j].RVABegin
		}
		return units[i].RVASize < units[j].RVASize
	})
	units = dedupUnits(units)

	// Step 3: sweep in RVA order, merging overlapping/tangent units
	// whose offset shift matches.
	merged, err := mergeByRVA(units)
	if err != nil {
		return nil, err
	}

	// Step 4: re-sort by offset; any overlap left is an error.
	byOffset := append([]Unit(nil), merged...)
	sort.Slice(byOffset, func(i, j int) bool {
		return byOffset[i].OffsetBegin < byOffset[j].OffsetBegin
	})
	for i := 1; i < len(byOffset); i++ {
		if byOffset[i].OffsetBegin < byOffset[i-1].offsetEnd() {
			return nil, ErrOffsetOverlap
		}
	}

	byRVA := append([]Unit(nil), merged...)
	sort.Slice(byRVA, func(i, j int) bool { return byRVA[i].RVABegin < byRVA[j].RVABegin })

	// Step 5: fake-offset base is the max offset-end across all units.
	var fakeBase uint32
	var maxRVAEnd uint32
	for _, u := range byRVA {
		if u.offsetEnd() > fakeBase {
			fakeBase = u.offsetEnd()
		}
		if u.rvaEnd() > maxRVAEnd {
			maxRVAEnd = u.rvaEnd()
		}
	}
	if uint64(fakeBase)+uint64(maxRVAEnd) > maxOffset {
		return nil, ErrFakeOffsetOutOfRange
	}

	return &Translator{
		byOffset: byOffset,
		byRVA:    byRVA,
		fakeBase: fakeBase,
	}, nil
}

func dedupUnits(units []Unit) []Unit {
	out := units[:0]
	for i, u := range units {
		if i > 0 && u == units[i-1] {
			continue
		}
		out = append(out, u)
	}
	return out
}

// mergeByRVA implements step 3 of the build algorithm.
func mergeByRVA(units []Unit) ([]Unit, error) {
	var out []Unit
	for _, u := range units {
		if len(out) == 0 {
			out = append(out, u)
			continue
		}
		last := &out[len(out)-1]
		tangent := u.RVABegin == last.rvaEnd()
		overlap := u.RVABegin < last.rvaEnd()
		if !tangent && !overlap {
			out = append(out, u)
			continue
		}
		if last.shift() != u.shift() {
			if overlap {
				return nil, ErrBadOverlap
			}
			// Tangent units with disagreeing shifts are kept as
			// separate units rather than merged.
			out = append(out, u)
			continue
		}
		// Consistent shift: merge into last, extending both ranges and
		// validating dangling-extent consistency across the overlap.
		newRVAEnd := u.rvaEnd()
		if newRVAEnd < last.rvaEnd() {
			newRVAEnd = last.rvaEnd()
		}
		lastDangling := last.RVASize - last.OffsetSize
		uDangling := u.RVASize - u.OffsetSize
		if overlap && last.rvaEnd() < u.rvaEnd() && lastDangling != 0 && uDangling != 0 && lastDangling != uDangling {
			return nil, ErrBadDanglingOverlap
		}
		newOffsetSize := newRVAEnd - last.RVABegin
		biggerOffsetSize := last.OffsetSize
		if u.offsetEnd() > last.OffsetBegin+biggerOffsetSize {
			biggerOffsetSize = u.offsetEnd() - last.OffsetBegin
		}
		if biggerOffsetSize > newOffsetSize {
			biggerOffsetSize = newOffsetSize
		}
		last.RVASize = newRVAEnd - last.RVABegin
		last.OffsetSize = biggerOffsetSize
	}
	return out, nil
}

// Translator is an immutable, queryable address map built by Builder.
type Translator struct {
	byOffset []Unit
	byRVA    []Unit
	fakeBase uint32

	// sequential-query caches.
	lastOffsetIdx int
	lastRVAIdx    int
}

// IsValidRVA reports whether rva is covered by some unit (including its
// dangling extent).
func (t *Translator) IsValidRVA(rva uint32) bool {
	_, err := t.RVAToOffset(rva)
	return err == nil
}

// IsValidOffset reports whether off is covered by some unit or lies in
// the fake-offset region.
func (t *Translator) IsValidOffset(off uint32) bool {
	_, err := t.OffsetToRVA(off)
	return err == nil
}

// OffsetToRVA converts a file offset (real or fake) to an RVA.
func (t *Translator) OffsetToRVA(off uint32) (uint32, error) {
	if off >= t.fakeBase {
		return t.offsetToRVAExact(off)
	}
	idx := t.searchByOffset(off)
	if idx < 0 {
		return 0, ErrInvalidOffset
	}
	u := t.byOffset[idx]
	if off-u.OffsetBegin >= u.OffsetSize {
		return 0, ErrInvalidOffset
	}
	t.lastOffsetIdx = idx
	return u.RVABegin + (off - u.OffsetBegin), nil
}

// offsetToRVAExact resolves a fake offset back to its dangling RVA by
// walking units in RVA order and accumulating each unit's dangling
// extent into the fake-offset region, mirroring how fakeRegionFor
// allocates them.
func (t *Translator) offsetToRVAExact(off uint32) (uint32, error) {
	cursor := t.fakeBase
	for _, u := range t.byRVA {
		dangling := u.RVASize - u.OffsetSize
		if dangling == 0 {
			continue
		}
		if off >= cursor && off < cursor+dangling {
			return u.RVABegin + u.OffsetSize + (off - cursor), nil
		}
		cursor += dangling
	}
	return 0, ErrInvalidOffset
}

// RVAToOffset converts an RVA to a file offset, returning a fake offset
// for dangling RVAs.
func (t *Translator) RVAToOffset(rva uint32) (uint32, error) {
	idx := t.searchByRVA(rva)
	if idx < 0 {
		return 0, ErrInvalidRVA
	}
	u := t.byRVA[idx]
	delta := rva - u.RVABegin
	if delta < u.OffsetSize {
		t.lastRVAIdx = idx
		return u.OffsetBegin + delta, nil
	}
	// Dangling: map into the fake-offset region. The fake offset for a
	// given dangling RVA is fakeBase plus the sum of all dangling
	// extents of units preceding this one in RVA order, plus the
	// position within this unit's own dangling extent.
	cursor := t.fakeBase
	for _, u2 := range t.byRVA {
		if u2.RVABegin == u.RVABegin && u2.RVASize == u.RVASize {
			break
		}
		cursor += u2.RVASize - u2.OffsetSize
	}
	t.lastRVAIdx = idx
	return cursor + (delta - u.OffsetSize), nil
}

func (t *Translator) searchByOffset(off uint32) int {
	if t.lastOffsetIdx < len(t.byOffset) {
		u := t.byOffset[t.lastOffsetIdx]
		if off >= u.OffsetBegin && off < u.offsetEnd() {
			return t.lastOffsetIdx
		}
	}
	n := len(t.byOffset)
	i := sort.Search(n, func(i int) bool { return t.byOffset[i].OffsetBegin > off })
	if i == 0 {
		return -1
	}
	i--
	if off >= t.byOffset[i].OffsetBegin && off < t.byOffset[i].offsetEnd() {
		return i
	}
	return -1
}

func (t *Translator) searchByRVA(rva uint32) int {
	if t.lastRVAIdx < len(t.byRVA) {
		u := t.byRVA[t.lastRVAIdx]
		if rva >= u.RVABegin && rva < u.rvaEnd() {
			return t.lastRVAIdx
		}
	}
	n := len(t.byRVA)
	i := sort.Search(n, func(i int) bool { return t.byRVA[i].RVABegin > rva })
	if i == 0 {
		return -1
	}
	i--
	if rva >= t.byRVA[i].RVABegin && rva < t.byRVA[i].rvaEnd() {
		return i
	}
	return -1
}

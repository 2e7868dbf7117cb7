// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package image provides the annotated view of an executable image used
// by the differential-update engine: for every byte, whether it is raw
// data or part of a reference, and — for reference bytes — the index
// into a deduplicated pool of referenced targets.
package image

import (
	"errors"
	"sort"

	"github.com/saferwall/zucchini/reftype"
)

// ErrOverlappingReference is returned when two references of any type
// claim overlapping byte ranges within one Index.
var ErrOverlappingReference = errors.New("image: overlapping references")

// NoTag marks a byte position that is not part of any reference.
const NoTag = reftype.Tag(0xff)

// Reference is a (location, target) pair: location is the first byte of
// the encoded reference; target is the offset it points at.
type Reference struct {
	Location int
	Target   uint32
}

// IndirectReference is a (location, key) pair: key indexes a TargetPool,
// used once targets have been deduplicated.
type IndirectReference struct {
	Location int
	Key      int
}

// TargetPool owns a sorted, deduplicated list of target offsets shared
// by every reference Tag that belongs to one Pool.
type TargetPool struct {
	tag     reftype.Pool
	targets []uint32
}

// NewTargetPool returns an empty pool for the given pool tag.
func NewTargetPool(tag reftype.Pool) *TargetPool {
	return &TargetPool{tag: tag}
}

// Tag returns the pool tag this pool was built for.
func (p *TargetPool) Tag() reftype.Pool { return p.tag }

// Len returns the number of distinct targets in the pool.
func (p *TargetPool) Len() int { return len(p.targets) }

// Targets returns the sorted, deduplicated target list. Callers must not
// mutate the result.
func (p *TargetPool) Targets() []uint32 { return p.targets }

// InsertAll adds targets to the pool, sorting and deduplicating
// afterward. It may be called multiple times before the pool is
// finalized by KeyOf/OffsetOf callers.
func (p *TargetPool) InsertAll(targets []uint32) {
	p.targets = append(p.targets, targets...)
	sort.Slice(p.targets, func(i, j int) bool { return p.targets[i] < p.targets[j] })
	out := p.targets[:0]
	for i, t := range p.targets {
		if i > 0 && t == p.targets[i-1] {
			continue
		}
		out = append(out, t)
	}
	p.targets = out
}

// KeyOf returns the key (position within the pool) of offset, which must
// already be present in the pool — the invariant that an indirect
// reference's key is the position of its target within its pool (spec
// §3 invariant d).
func (p *TargetPool) KeyOf(offset uint32) (int, bool) {
	i := sort.Search(len(p.targets), func(i int) bool { return p.targets[i] >= offset })
	if i < len(p.targets) && p.targets[i] == offset {
		return i, true
	}
	return 0, false
}

// OffsetOf is the inverse of KeyOf: O(1) lookup of the offset a key
// names.
func (p *TargetPool) OffsetOf(key int) (uint32, bool) {
	if key < 0 || key >= len(p.targets) {
		return 0, false
	}
	return p.targets[key], true
}

// ReferenceSet owns a sorted list of indirect references sharing one
// type tag, plus a back-pointer to their shared pool.
type ReferenceSet struct {
	tag  reftype.Tag
	pool *TargetPool
	refs []IndirectReference
}

// NewReferenceSet builds a ReferenceSet for tag from refs (location,
// target pairs), keying each reference into pool (inserting any new
// targets first).
func NewReferenceSet(tag reftype.Tag, pool *TargetPool, refs []Reference) *ReferenceSet {
	targets := make([]uint32, len(refs))
	for i, r := range refs {
		targets[i] = r.Target
	}
	pool.InsertAll(targets)

	indirect := make([]IndirectReference, len(refs))
	for i, r := range refs {
		key, _ := pool.KeyOf(r.Target)
		indirect[i] = IndirectReference{Location: r.Location, Key: key}
	}
	sort.Slice(indirect, func(i, j int) bool { return indirect[i].Location < indirect[j].Location })

	return &ReferenceSet{tag: tag, pool: pool, refs: indirect}
}

// Tag returns the reference type tag this set was built for.
func (s *ReferenceSet) Tag() reftype.Tag { return s.tag }

// Pool returns the pool this set's references are keyed into.
func (s *ReferenceSet) Pool() *TargetPool { return s.pool }

// References returns the sorted (ascending location) indirect
// references. Callers must not mutate the result.
func (s *ReferenceSet) References() []IndirectReference { return s.refs }

// Len returns the number of references in the set.
func (s *ReferenceSet) Len() int { return len(s.refs) }

// at returns the index of the reference at the given location, or -1.
func (s *ReferenceSet) at(location int) int {
	i := sort.Search(len(s.refs), func(i int) bool { return s.refs[i].Location >= location })
	if i < len(s.refs) && s.refs[i].Location == location {
		return i
	}
	return -1
}

// Index is the annotated view of one side (old or new) of an image:
// a byte-parallel array of type tags, built by inserting one
// ReferenceSet's byte ranges at a time.
type Index struct {
	size   int
	tags   []reftype.Tag
	widths map[reftype.Tag]int
	sets   map[reftype.Tag]*ReferenceSet
	order  []reftype.Tag
}

// NewIndex returns an empty Index over an image of the given size.
func NewIndex(size int) *Index {
	tags := make([]reftype.Tag, size)
	for i := range tags {
		tags[i] = NoTag
	}
	return &Index{
		size:   size,
		tags:   tags,
		widths: make(map[reftype.Tag]int),
		sets:   make(map[reftype.Tag]*ReferenceSet),
	}
}

// Size returns the size of the underlying image.
func (idx *Index) Size() int { return idx.size }

// InsertReferenceSet inserts set's byte ranges into the tag array,
// failing with ErrOverlappingReference if any range is already claimed
// by another reference of any type (spec §3 invariant a/b).
func (idx *Index) InsertReferenceSet(set *ReferenceSet, width int) error {
	for _, ref := range set.References() {
		for i := 0; i < width; i++ {
			pos := ref.Location + i
			if pos < 0 || pos >= idx.size {
				return ErrOverlappingReference
			}
			if idx.tags[pos] != NoTag {
				return ErrOverlappingReference
			}
		}
		for i := 0; i < width; i++ {
			idx.tags[ref.Location+i] = set.Tag()
		}
	}
	idx.widths[set.Tag()] = width
	idx.sets[set.Tag()] = set
	idx.order = append(idx.order, set.Tag())
	return nil
}

// TypeAt returns the tag at location, or NoTag.
func (idx *Index) TypeAt(location int) reftype.Tag {
	if location < 0 || location >= idx.size {
		return NoTag
	}
	return idx.tags[location]
}

// IsToken reports whether location is outside any reference, or is the
// first byte of one — used by the encoded view to decide which
// positions participate in sequence matching directly.
func (idx *Index) IsToken(location int) bool {
	tag := idx.TypeAt(location)
	if tag == NoTag {
		return true
	}
	set := idx.sets[tag]
	return set != nil && set.at(location) >= 0
}

// WidthOf returns the encoded width of references of tag.
func (idx *Index) WidthOf(tag reftype.Tag) int { return idx.widths[tag] }

// ReferenceSetFor returns the reference set for tag, or nil.
func (idx *Index) ReferenceSetFor(tag reftype.Tag) *ReferenceSet { return idx.sets[tag] }

// Tags returns every tag that has at least one reference, in insertion
// order.
func (idx *Index) Tags() []reftype.Tag { return idx.order }

// KeyAt returns the pool key of the reference starting at location, if
// any.
func (idx *Index) KeyAt(location int) (key int, tag reftype.Tag, ok bool) {
	tag = idx.TypeAt(location)
	if tag == NoTag {
		return 0, NoTag, false
	}
	set := idx.sets[tag]
	i := set.at(location)
	if i < 0 {
		return 0, NoTag, false
	}
	return set.refs[i].Key, tag, true
}

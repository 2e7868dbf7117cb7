// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package zucchini

import (
	"sort"

	"github.com/saferwall/zucchini/affinity"
	"github.com/saferwall/zucchini/checksum"
	"github.com/saferwall/zucchini/disasm"
	"github.com/saferwall/zucchini/element"
	"github.com/saferwall/zucchini/encoded"
	"github.com/saferwall/zucchini/equivalence"
	"github.com/saferwall/zucchini/image"
	"github.com/saferwall/zucchini/patch"
	"github.com/saferwall/zucchini/reftype"
	"github.com/saferwall/zucchini/suffix"
)

// Generate produces a patch transforming old into newImage, per
// opts.Kind: KindRaw always succeeds with one whole-image element;
// KindSingle treats the whole images as one executable (when one is
// recognized) to exploit its reference structure; KindEnsemble detects
// and matches embedded executables, generating one element per match
// plus one raw element per unmatched residue range.
func Generate(old, newImage []byte, opts Options) ([]byte, error) {
	if len(old) == 0 {
		return nil, ErrEmptyOldImage
	}
	if len(newImage) == 0 {
		return nil, ErrEmptyNewImage
	}

	oldCRC := checksum.Checksum(old)
	newCRC := checksum.Checksum(newImage)

	switch opts.Kind {
	case KindEnsemble:
		return generateEnsemble(old, newImage, opts, oldCRC, newCRC)
	case KindSingle:
		return generateSingle(old, newImage, opts, oldCRC, newCRC)
	default:
		return generateRaw(old, newImage, oldCRC, newCRC)
	}
}

func generateRaw(old, newImage []byte, oldCRC, newCRC uint32) ([]byte, error) {
	el, err := buildElement(0, 0, old, newImage, element.TypeUnknown, 0)
	if err != nil {
		return nil, err
	}
	w := patch.NewWriter(uint32(len(old)), uint32(len(newImage)), oldCRC, newCRC, KindRaw)
	w.AddElement(el)
	return w.Bytes(), nil
}

func generateSingle(old, newImage []byte, opts Options, oldCRC, newCRC uint32) ([]byte, error) {
	exeType := element.TypeUnknown
	if d, err := disasm.New(old); err == nil {
		exeType = d.Type()
	}
	el, err := buildElement(0, 0, old, newImage, exeType, opts.MinSimilarity)
	if err != nil {
		return nil, err
	}
	w := patch.NewWriter(uint32(len(old)), uint32(len(newImage)), oldCRC, newCRC, KindSingle)
	w.AddElement(el)
	return w.Bytes(), nil
}

func generateEnsemble(old, newImage []byte, opts Options, oldCRC, newCRC uint32) ([]byte, error) {
	oldElements := element.Detect(old, disasm.Sniffers())
	newElements := element.Detect(newImage, disasm.Sniffers())
	if opts.MaxElements > 0 {
		oldElements = capElements(oldElements, opts.MaxElements)
		newElements = capElements(newElements, opts.MaxElements)
	}

	var matches []element.Match
	var separators [][2]int

	if opts.ImposedMatches != "" {
		pairs, err := element.ParseImposedMatches(opts.ImposedMatches, len(old), len(newImage))
		if err != nil {
			return nil, err
		}
		if err := element.VerifyTypes(pairs, oldElements, newElements); err != nil {
			return nil, err
		}
		matches, separators = matchesFromImposed(old, newImage, pairs, newElements, len(newImage))
	} else {
		matches, separators = element.Matcher{}.Match(old, newImage, oldElements, newElements)
	}

	type piece struct {
		newOffset int
		el        patch.Element
	}
	pieces := make([]piece, 0, len(matches)+len(separators))

	for _, m := range matches {
		oldSub := old[m.Old.Offset:m.Old.End()]
		newSub := newImage[m.New.Offset:m.New.End()]
		el, err := buildElement(m.Old.Offset, m.New.Offset, oldSub, newSub, m.New.Type, opts.MinSimilarity)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, piece{newOffset: m.New.Offset, el: el})
	}
	for _, sep := range separators {
		newSub := newImage[sep[0]:sep[1]]
		// Unmatched residue is diffed against the whole old image rather
		// than a specific old-side range: the patch format does not
		// require old-side ranges to tile, so a raw element is free to
		// search anywhere in old for equivalences.
		el, err := buildElement(0, sep[0], old, newSub, element.TypeUnknown, opts.MinSimilarity)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, piece{newOffset: sep[0], el: el})
	}

	sort.Slice(pieces, func(i, j int) bool { return pieces[i].newOffset < pieces[j].newOffset })

	w := patch.NewWriter(uint32(len(old)), uint32(len(newImage)), oldCRC, newCRC, KindEnsemble)
	for _, p := range pieces {
		w.AddElement(p.el)
	}
	return w.Bytes(), nil
}

func capElements(elements []element.Element, max int) []element.Element {
	if len(elements) <= max {
		return elements
	}
	return elements[:max]
}

// matchesFromImposed converts caller-supplied imposed pairs into
// element.Match values (tagging each with the detected new-side type,
// falling back to TypeUnknown) and computes the residue ranges between
// them, mirroring element.Matcher's separator computation. Pairs whose
// old and new bytes are identical are dropped from matches and counted
// separately: their range simply falls out as residue, to be diffed (and
// trivially equivalenced) by the raw path rather than carried through the
// type-pinned match pipeline.
func matchesFromImposed(old, newImage []byte, pairs []element.ImposedPair, newElements []element.Element, newSize int) ([]element.Match, [][2]int) {
	matches := make([]element.Match, 0, len(pairs))
	for _, p := range pairs {
		if identicalRangeBytes(old, p.OldOffset, p.OldSize, newImage, p.NewOffset, p.NewSize) {
			continue
		}
		typ := typeAtRange(newElements, p.NewOffset, p.NewSize)
		matches = append(matches, element.Match{
			Old: element.Element{Offset: p.OldOffset, Size: p.OldSize, Type: typ},
			New: element.Element{Offset: p.NewOffset, Size: p.NewSize, Type: typ},
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].New.Offset < matches[j].New.Offset })

	var seps [][2]int
	cursor := 0
	for _, m := range matches {
		if m.New.Offset > cursor {
			seps = append(seps, [2]int{cursor, m.New.Offset})
		}
		cursor = m.New.End()
	}
	if cursor < newSize {
		seps = append(seps, [2]int{cursor, newSize})
	}
	return matches, seps
}

// identicalRangeBytes reports whether the given old and new ranges are
// byte-for-byte identical, per the same test element.Matcher's
// identicalBytes applies to heuristic candidates.
func identicalRangeBytes(old []byte, oldOffset, oldSize int, newImage []byte, newOffset, newSize int) bool {
	if oldSize != newSize {
		return false
	}
	oldData := old[oldOffset : oldOffset+oldSize]
	newData := newImage[newOffset : newOffset+newSize]
	for i := range oldData {
		if oldData[i] != newData[i] {
			return false
		}
	}
	return true
}

func typeAtRange(elements []element.Element, offset, size int) element.Type {
	for _, e := range elements {
		if e.Offset == offset && e.Size == size {
			return e.Type
		}
	}
	return element.TypeUnknown
}

// buildElement runs the full per-element pipeline: disassemble both
// sides (when exeType names a recognized format), find equivalences
// over the encoded views, refine them with a targets-affinity pass when
// exactly one reference pool is in play, and encode the result as a
// patch.Element.
func buildElement(oldOffset, newOffset int, oldSub, newSub []byte, exeType element.Type, minSimilarity float64) (patch.Element, error) {
	oldIdx, err := buildIndex(oldSub, exeType)
	if err != nil {
		return patch.Element{}, err
	}
	newIdx, err := buildIndex(newSub, exeType)
	if err != nil {
		return patch.Element{}, err
	}

	oldView := encoded.New(oldSub, oldIdx)
	newView := encoded.New(newSub, newIdx)

	sa := suffix.Build(oldView)

	finder := equivalence.NewFinder(oldView, newView, sa, equivalence.NoLabels)
	if minSimilarity > 0 {
		finder.MinSimilarity = minSimilarity
	}
	eq := finder.Find()

	if refined := refineWithAffinity(oldView, newView, sa, oldIdx, newIdx, eq, finder.MinSimilarity); len(refined) > 0 {
		eq = refined
	}

	return elementFromEquivalence(oldOffset, newOffset, oldSub, newSub, exeType, eq, oldIdx, newIdx), nil
}

// buildIndex returns the reference index for sub: an empty index for
// raw/unrecognized elements, or the disassembler's index otherwise.
// Any disassembly failure falls back to an empty index rather than
// failing Generate outright — an element that merely sniffed as a
// format still patches correctly, just without reference exploitation.
func buildIndex(sub []byte, exeType element.Type) (*image.Index, error) {
	if exeType == element.TypeUnknown || exeType == element.TypeNoop {
		return image.NewIndex(len(sub)), nil
	}
	d, err := disasm.New(sub)
	if err != nil {
		return image.NewIndex(len(sub)), nil
	}
	idx, err := d.Parse(sub)
	if err != nil {
		return image.NewIndex(len(sub)), nil
	}
	return idx, nil
}

// refineWithAffinity runs a second equivalence pass informed by
// targets-affinity labels, restricted to elements whose reference
// index uses exactly one pool on each side (and the same pool on
// both) — affinity.Solve and equivalence.LabelLookup share a bare int
// key space with no tag, so a multi-pool image (e.g. a Win32 PE with
// both abs32 and rel32 pools) could alias keys across pools during
// this particular pass. This restriction is local to sequence-matching
// refinement; it does not limit which pools get a reference-delta wire
// encoding (elementFromEquivalence/buildReferenceStreams run per pool,
// independently of how many pools an element has). It returns nil when
// refinement is not applicable or yields nothing.
func refineWithAffinity(oldView, newView *encoded.View, sa *suffix.Array, oldIdx, newIdx *image.Index, eq equivalence.Map, minSimilarity float64) equivalence.Map {
	oldPool, ok := solePool(oldIdx)
	if !ok {
		return nil
	}
	newPool, ok := solePool(newIdx)
	if !ok || newPool.Tag() != oldPool.Tag() {
		return nil
	}

	simOf := func(e equivalence.Equivalence) float64 { return float64(e.Length) }
	solver := affinity.Solve(eq, simOf, oldPool.Targets(), newPool.Targets())
	labels := affinity.AssignLabels(solver, 0)

	finder := equivalence.NewFinder(oldView, newView, sa, labelLookup{m: labels})
	finder.MinSimilarity = minSimilarity
	return finder.Find()
}

// solePool returns idx's single reference pool, if every reference set
// it holds shares one pool.
func solePool(idx *image.Index) (*image.TargetPool, bool) {
	var pool *image.TargetPool
	for _, tag := range idx.Tags() {
		set := idx.ReferenceSetFor(tag)
		if set == nil {
			continue
		}
		p := set.Pool()
		if pool == nil {
			pool = p
		} else if pool.Tag() != p.Tag() {
			return nil, false
		}
	}
	if pool == nil {
		return nil, false
	}
	return pool, true
}

// elementFromEquivalence encodes eq's equivalence map against
// oldSub/newSub into a patch.Element's streams. References that lie in
// an aligned window (same tag, same relative offset, on both sides of
// an equivalence) are excluded from the raw-delta byte diff — those
// bytes are instead reprojected via the reference-delta and
// extra-target streams, so a patch never has to carry a reference's
// bytes literally just because its target moved.
func elementFromEquivalence(oldOffset, newOffset int, oldSub, newSub []byte, exeType element.Type, eq equivalence.Map, oldIdx, newIdx *image.Index) patch.Element {
	var equivSrcSkip []int32
	var equivDstSkip []uint32
	var equivLength []uint32
	var extraData []byte

	prevSrcEnd, prevDstEnd := 0, 0
	for _, e := range eq {
		equivSrcSkip = append(equivSrcSkip, int32(e.SrcOffset-prevSrcEnd))
		equivDstSkip = append(equivDstSkip, uint32(e.DstOffset-prevDstEnd))
		equivLength = append(equivLength, uint32(e.Length))
		extraData = append(extraData, newSub[prevDstEnd:e.DstOffset]...)
		prevSrcEnd = e.SrcOffset + e.Length
		prevDstEnd = e.DstOffset + e.Length
	}
	extraData = append(extraData, newSub[prevDstEnd:]...)

	windows := alignedRefWindows(oldIdx, newIdx, eq)
	rawSkip, rawDiff := diffOutsideWindows(oldSub, newSub, eq, windows)
	refDelta, extraTargets := buildReferenceStreams(oldIdx, newIdx, eq, windows)

	return patch.Element{
		OldOffset:              uint32(oldOffset),
		NewOffset:              uint32(newOffset),
		OldLength:              uint64(len(oldSub)),
		NewLength:              uint64(len(newSub)),
		ExeType:                exeType,
		EquivSrcSkip:           equivSrcSkip,
		EquivDstSkip:           equivDstSkip,
		EquivLength:            equivLength,
		ExtraData:              extraData,
		RawDeltaCopyOffsetSkip: rawSkip,
		RawDeltaDiff:           rawDiff,
		ReferenceDelta:         refDelta,
		ExtraTargets:           extraTargets,
	}
}

// diffOutsideWindows is elementFromEquivalence's old raw-delta loop,
// with aligned-window bytes skipped: copyPos still advances across
// them so the offset-skip encoding lines up with Apply's walk, but no
// diff entry is emitted for a byte the reference-delta stream already
// accounts for.
func diffOutsideWindows(oldSub, newSub []byte, eq equivalence.Map, windows []refWindow) ([]uint32, []int8) {
	widthAt := make(map[int]int, len(windows))
	for _, w := range windows {
		widthAt[w.oldLoc] = w.width
	}

	var rawSkip []uint32
	var rawDiff []int8
	copyPos := 0
	lastDiffPos := -1
	for _, e := range eq {
		i := 0
		for i < e.Length {
			oldPos := e.SrcOffset + i
			if width, ok := widthAt[oldPos]; ok {
				copyPos += width
				i += width
				continue
			}
			o, n := oldSub[oldPos], newSub[e.DstOffset+i]
			if o != n {
				rawSkip = append(rawSkip, uint32(copyPos-lastDiffPos-1))
				rawDiff = append(rawDiff, int8(n-o))
				lastDiffPos = copyPos
			}
			copyPos++
			i++
		}
	}
	return rawSkip, rawDiff
}

// buildReferenceStreams computes, per pool touched by windows, the
// reconstructed-pool labels both Generate and Apply can derive, then
// walks windows in order emitting one signed reference-delta entry per
// window (new label minus old label) plus one extra-target block per
// pool that needed one.
func buildReferenceStreams(oldIdx, newIdx *image.Index, eq equivalence.Map, windows []refWindow) ([]int32, []patch.PoolTargets) {
	tags := tagsOf(windows)

	ctx := make(map[reftype.Tag]*poolLabels, len(tags))
	for _, tag := range tags {
		oldSet := oldIdx.ReferenceSetFor(tag)
		newSet := newIdx.ReferenceSetFor(tag)
		if oldSet == nil || newSet == nil {
			continue
		}
		oldPool := oldSet.Pool()
		extra := computeExtraTargets(oldPool, eq, newSet.Pool().Targets())
		ctx[tag] = buildPoolLabels(oldPool, eq, extra)
	}

	var refDelta []int32
	for _, w := range windows {
		pl := ctx[w.tag]
		if pl == nil {
			continue
		}
		oldKey, _, ok := oldIdx.KeyAt(w.oldLoc)
		if !ok {
			continue
		}
		newKey, _, ok := newIdx.KeyAt(w.newLoc)
		if !ok {
			continue
		}
		newOffset, ok := newIdx.ReferenceSetFor(w.tag).Pool().OffsetOf(newKey)
		if !ok {
			continue
		}
		reconKey, ok := pl.newPool.KeyOf(newOffset)
		if !ok {
			continue
		}
		refDelta = append(refDelta, int32(pl.newLabel(reconKey))-int32(pl.oldLabel(oldKey)))
	}

	var extraTargets []patch.PoolTargets
	for _, tag := range tags {
		pl := ctx[tag]
		if pl == nil || len(pl.extra) == 0 {
			continue
		}
		extraTargets = append(extraTargets, patch.PoolTargets{
			PoolTag: uint8(pl.oldPool.Tag()),
			Targets: pl.extra,
		})
	}

	return refDelta, extraTargets
}

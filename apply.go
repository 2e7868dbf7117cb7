// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package zucchini

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/saferwall/zucchini/checksum"
	"github.com/saferwall/zucchini/disasm"
	"github.com/saferwall/zucchini/equivalence"
	"github.com/saferwall/zucchini/patch"
	"github.com/saferwall/zucchini/reftype"
)

// ErrChecksumMismatch is returned by Apply when the reconstructed image
// does not match the patch's declared new-image CRC.
var ErrChecksumMismatch = errors.New("zucchini: reconstructed image fails checksum")

// ErrOldChecksumMismatch is returned by Apply when old does not match
// the patch's declared old-image CRC — the supplied old image is not
// the one the patch was generated against.
var ErrOldChecksumMismatch = errors.New("zucchini: old image fails checksum")

// Apply reconstructs the new image from old and a serialized patch.
// Each element is rebuilt in three steps: equivalences and extra data
// are copied into place, the raw-delta stream fixes up every
// non-reference byte where new differs from the copied old bytes, and
// finally every reference the reference-delta stream named is
// reprojected through the reconstructed target pool and re-encoded in
// place. Elements are reconstructed concurrently (bounded by
// runtime.NumCPU; Options.Concurrency is not consulted), following the worker-pool shape the teacher's
// directory walker uses for parallel file processing.
func Apply(old, patchBytes []byte) ([]byte, error) {
	r, err := patch.Parse(patchBytes)
	if err != nil {
		return nil, err
	}
	if uint32(len(old)) != r.Header.OldSize || checksum.Checksum(old) != r.Header.OldCRC {
		return nil, ErrOldChecksumMismatch
	}

	newImage := make([]byte, r.Header.NewSize)

	workers := runtime.NumCPU()
	if workers > len(r.Elements) {
		workers = len(r.Elements)
	}
	if workers < 1 {
		workers = 1
	}

	var (
		wg       sync.WaitGroup
		jobs     = make(chan int)
		errOnce  sync.Once
		firstErr error
	)

	worker := func() {
		defer wg.Done()
		for i := range jobs {
			e := r.Elements[i]
			if err := applyElement(old, newImage, e); err != nil {
				errOnce.Do(func() { firstErr = fmt.Errorf("zucchini: element %d: %w", i, err) })
			}
		}
	}

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	for i := range r.Elements {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	if checksum.Checksum(newImage) != r.Header.NewCRC {
		return nil, ErrChecksumMismatch
	}
	return newImage, nil
}

// applyElement reconstructs one element's new-side byte range in
// place within newImage.
func applyElement(old, newImage []byte, e patch.Element) error {
	oldSub := old[e.OldOffset : e.OldOffset+uint32(e.OldLength)]
	newSub := newImage[e.NewOffset : e.NewOffset+uint32(e.NewLength)]

	if len(e.EquivSrcSkip) != len(e.EquivDstSkip) || len(e.EquivSrcSkip) != len(e.EquivLength) {
		return errors.New("zucchini: malformed equivalence streams")
	}

	// Step 1: copy equivalences (from old) and extra data (verbatim)
	// into new, in dst order.
	type span struct{ src, dst, length int }
	spans := make([]span, len(e.EquivSrcSkip))

	prevSrcEnd, prevDstEnd := 0, 0
	extraCursor := 0
	for i := range e.EquivSrcSkip {
		src := prevSrcEnd + int(e.EquivSrcSkip[i])
		dst := prevDstEnd + int(e.EquivDstSkip[i])
		length := int(e.EquivLength[i])

		if dst < prevDstEnd || dst > len(newSub) {
			return errors.New("zucchini: equivalence dst-skip out of bounds")
		}

		if dst > prevDstEnd {
			gap := dst - prevDstEnd
			if extraCursor+gap > len(e.ExtraData) {
				return errors.New("zucchini: extra-data stream too short")
			}
			copy(newSub[prevDstEnd:dst], e.ExtraData[extraCursor:extraCursor+gap])
			extraCursor += gap
		}

		if src < 0 || src+length > len(oldSub) || dst+length > len(newSub) {
			return errors.New("zucchini: equivalence range out of bounds")
		}
		copy(newSub[dst:dst+length], oldSub[src:src+length])

		spans[i] = span{src: src, dst: dst, length: length}
		prevSrcEnd = src + length
		prevDstEnd = dst + length
	}
	if prevDstEnd < len(newSub) {
		gap := len(newSub) - prevDstEnd
		if extraCursor+gap > len(e.ExtraData) {
			return errors.New("zucchini: extra-data stream too short")
		}
		copy(newSub[prevDstEnd:], e.ExtraData[extraCursor:extraCursor+gap])
	}

	// Step 2: patch every byte the raw-delta stream names, walking the
	// same spans in the same copy order so copyPos lines up with
	// Generate's encoding.
	if len(e.RawDeltaCopyOffsetSkip) != len(e.RawDeltaDiff) {
		return errors.New("zucchini: malformed raw-delta streams")
	}
	diffIdx := 0
	copyPos := 0
	nextDiffAt := -1
	if diffIdx < len(e.RawDeltaCopyOffsetSkip) {
		nextDiffAt = copyPos + int(e.RawDeltaCopyOffsetSkip[diffIdx])
	}
	for _, sp := range spans {
		for i := 0; i < sp.length; i++ {
			if diffIdx < len(e.RawDeltaDiff) && copyPos == nextDiffAt {
				newSub[sp.dst+i] += byte(e.RawDeltaDiff[diffIdx])
				diffIdx++
				if diffIdx < len(e.RawDeltaCopyOffsetSkip) {
					nextDiffAt = copyPos + 1 + int(e.RawDeltaCopyOffsetSkip[diffIdx])
				}
			}
			copyPos++
		}
	}
	if diffIdx != len(e.RawDeltaDiff) {
		return errors.New("zucchini: raw-delta stream not fully consumed")
	}

	// Step 3: reproject references. By this point newSub is
	// byte-identical to the real new image everywhere except inside
	// reference-operand windows, so re-disassembling it rediscovers the
	// same windows Generate found without needing any side information
	// beyond what the patch already carries.
	eq := make(equivalence.Map, len(spans))
	for i, sp := range spans {
		eq[i] = equivalence.Equivalence{SrcOffset: sp.src, DstOffset: sp.dst, Length: sp.length}
	}
	return applyReferenceDelta(oldSub, newSub, e, eq)
}

// applyReferenceDelta inverts buildReferenceStreams: it rebuilds the
// same per-pool reconstructed targets and labels Generate used, then
// walks the same aligned reference windows, decoding each
// reference-delta entry back into a target offset and writing the
// architecture-specific encoded reference via the disassembler's Poke.
func applyReferenceDelta(oldSub, newSub []byte, e patch.Element, eq equivalence.Map) error {
	if len(e.ReferenceDelta) == 0 && len(e.ExtraTargets) == 0 {
		return nil
	}

	oldIdx, err := buildIndex(oldSub, e.ExeType)
	if err != nil {
		return err
	}
	newIdx, err := buildIndex(newSub, e.ExeType)
	if err != nil {
		return err
	}

	windows := alignedRefWindows(oldIdx, newIdx, eq)
	if len(windows) == 0 {
		if len(e.ReferenceDelta) != 0 {
			return errors.New("zucchini: reference-delta stream present but no reference windows found")
		}
		return nil
	}

	extraByPool := make(map[reftype.Pool][]uint32, len(e.ExtraTargets))
	for _, pt := range e.ExtraTargets {
		extraByPool[reftype.Pool(pt.PoolTag)] = pt.Targets
	}

	tags := tagsOf(windows)
	ctx := make(map[reftype.Tag]*poolLabels, len(tags))
	for _, tag := range tags {
		set := oldIdx.ReferenceSetFor(tag)
		if set == nil {
			continue
		}
		oldPool := set.Pool()
		ctx[tag] = buildPoolLabels(oldPool, eq, extraByPool[oldPool.Tag()])
	}

	d, err := disasm.New(newSub)
	if err != nil {
		return fmt.Errorf("zucchini: cannot re-disassemble reconstructed image to apply references: %w", err)
	}

	diffIdx := 0
	for _, w := range windows {
		pl := ctx[w.tag]
		if pl == nil {
			continue
		}
		if diffIdx >= len(e.ReferenceDelta) {
			return errors.New("zucchini: reference-delta stream exhausted before all reference windows")
		}
		delta := e.ReferenceDelta[diffIdx]
		diffIdx++

		oldKey, _, ok := oldIdx.KeyAt(w.oldLoc)
		if !ok {
			return errors.New("zucchini: reference window missing from reconstructed old index")
		}
		newLabel := uint32(int64(pl.oldLabel(oldKey)) + int64(delta))
		reconKey, ok := pl.keyForLabel(newLabel)
		if !ok {
			return errors.New("zucchini: reference-delta names an out-of-range target label")
		}
		targetOffset, ok := pl.newPool.OffsetOf(reconKey)
		if !ok {
			return errors.New("zucchini: reference-delta names an out-of-range target label")
		}

		if err := d.Poke(newSub, w.newLoc, w.tag, targetOffset); err != nil {
			return fmt.Errorf("zucchini: encoding reference at offset %d: %w", w.newLoc, err)
		}
	}
	if diffIdx != len(e.ReferenceDelta) {
		return errors.New("zucchini: reference-delta stream not fully consumed")
	}
	return nil
}

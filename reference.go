// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package zucchini

import (
	"sort"

	"github.com/saferwall/zucchini/affinity"
	"github.com/saferwall/zucchini/equivalence"
	"github.com/saferwall/zucchini/image"
	"github.com/saferwall/zucchini/reftype"
)

// refWindow is a reference that starts at the same relative offset
// within one equivalence on both the old and new side, with the same
// tag and enough room to fit — the only references the reference-delta
// stream reprojects. Every other reference byte is left to the
// raw-delta stream, same as any other mismatching byte.
type refWindow struct {
	tag            reftype.Tag
	oldLoc, newLoc int
	width          int
}

// alignedRefWindows walks eq in dst order and returns every aligned
// reference window it covers.
func alignedRefWindows(oldIdx, newIdx *image.Index, eq equivalence.Map) []refWindow {
	var windows []refWindow
	for _, e := range eq {
		for i := 0; i < e.Length; {
			oldPos, newPos := e.SrcOffset+i, e.DstOffset+i
			tag := oldIdx.TypeAt(oldPos)
			if tag == image.NoTag || newIdx.TypeAt(newPos) != tag ||
				!oldIdx.IsToken(oldPos) || !newIdx.IsToken(newPos) {
				i++
				continue
			}
			width := oldIdx.WidthOf(tag)
			if width <= 0 || i+width > e.Length {
				i++
				continue
			}
			windows = append(windows, refWindow{tag: tag, oldLoc: oldPos, newLoc: newPos, width: width})
			i += width
		}
	}
	return windows
}

// projectOldTarget maps an old-image offset through eq into the
// corresponding new-image offset, choosing (when more than one
// equivalence's source range covers it) the longest equivalence,
// breaking ties toward the lowest destination offset.
func projectOldTarget(eq equivalence.Map, target uint32) (uint32, bool) {
	t := int(target)
	best := -1
	for i, e := range eq {
		if t < e.SrcOffset || t >= e.SrcOffset+e.Length {
			continue
		}
		if best < 0 || e.Length > eq[best].Length ||
			(e.Length == eq[best].Length && e.DstOffset < eq[best].DstOffset) {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	e := eq[best]
	return uint32(e.DstOffset + (t - e.SrcOffset)), true
}

// poolLabels is the shared per-pool state both Generate and Apply
// derive identically from the old pool, the equivalence map, and the
// pool's extra-target stream: the reconstructed new pool (old targets
// projected through eq, plus the targets the projection could not
// produce) and the targets-affinity labels computed over it.
type poolLabels struct {
	oldPool, newPool *image.TargetPool
	labels           *affinity.LabelManager
	extra            []uint32
	fallbackBase     uint32
}

// buildPoolLabels reconstructs a pool's new-side target list from
// oldPool's targets projected through eq plus extra, then runs the
// targets-affinity solver over (oldPool, reconstructed pool).
func buildPoolLabels(oldPool *image.TargetPool, eq equivalence.Map, extra []uint32) *poolLabels {
	projected := make([]uint32, 0, oldPool.Len())
	for _, t := range oldPool.Targets() {
		if np, ok := projectOldTarget(eq, t); ok {
			projected = append(projected, np)
		}
	}

	newPool := image.NewTargetPool(oldPool.Tag())
	newPool.InsertAll(projected)
	newPool.InsertAll(extra)

	simOf := func(e equivalence.Equivalence) float64 { return float64(e.Length) }
	solver := affinity.Solve(eq, simOf, oldPool.Targets(), newPool.Targets())
	labels := affinity.AssignLabels(solver, 0)

	return &poolLabels{
		oldPool:      oldPool,
		newPool:      newPool,
		labels:       labels,
		extra:        extra,
		fallbackBase: uint32(len(oldPool.Targets()) + 1),
	}
}

// oldLabel returns oldKey's affinity label, falling back to a value
// beyond the assigned range (guaranteed distinct per key, and
// guaranteed above every value AssignLabels could have produced, since
// it never assigns more labels than there are old targets) for old
// targets the solver left unpaired.
func (pl *poolLabels) oldLabel(oldKey int) uint32 {
	if l, ok := pl.labels.Label(oldKey); ok {
		return l
	}
	return pl.fallbackBase + uint32(oldKey)
}

// newLabel is oldLabel's counterpart for reconstructed-pool keys.
func (pl *poolLabels) newLabel(newKey int) uint32 {
	if l, ok := pl.labels.NewLabel(newKey); ok {
		return l
	}
	return pl.fallbackBase + uint32(newKey)
}

// keyForLabel inverts newLabel: given a label value, it returns the
// reconstructed-pool key that produced it.
func (pl *poolLabels) keyForLabel(label uint32) (int, bool) {
	if k, ok := pl.labels.NewIndexForLabel(label); ok {
		return k, true
	}
	if label < pl.fallbackBase {
		return 0, false
	}
	k := int(label - pl.fallbackBase)
	if k >= pl.newPool.Len() {
		return 0, false
	}
	return k, true
}

// tagsOf returns the distinct tags windows touches, sorted for a
// deterministic iteration order.
func tagsOf(windows []refWindow) []reftype.Tag {
	var tags []reftype.Tag
	seen := map[reftype.Tag]bool{}
	for _, w := range windows {
		if !seen[w.tag] {
			seen[w.tag] = true
			tags = append(tags, w.tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// computeExtraTargets returns the real new-side targets that no old
// target projects onto through eq — the targets Apply cannot derive
// from old alone and so must be told about directly.
func computeExtraTargets(oldPool *image.TargetPool, eq equivalence.Map, realNewTargets []uint32) []uint32 {
	projected := make(map[uint32]struct{}, oldPool.Len())
	for _, t := range oldPool.Targets() {
		if np, ok := projectOldTarget(eq, t); ok {
			projected[np] = struct{}{}
		}
	}
	var extra []uint32
	for _, t := range realNewTargets {
		if _, ok := projected[t]; !ok {
			extra = append(extra, t)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return extra
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package equivalence scores candidate correspondences between regions
// of an old and new encoded view, and resolves the best-scoring
// candidates into a non-overlapping equivalence map.
package equivalence

import (
	"sort"

	"github.com/saferwall/zucchini/encoded"
	"github.com/saferwall/zucchini/image"
	"github.com/saferwall/zucchini/suffix"
)

// Similarity reward/penalty constants, per the position-pair scoring
// rule: matching raw bytes are cheap to reward, a type mismatch between
// two references is treated as effectively impossible.
const (
	rawMatchReward    = 1.0
	rawMismatchPenalty = -1.5
	typeMismatchPenalty = -1e9
	unassignedRefFactor = 0.5
	assignedMatchFactor = 1.0
	assignedMismatchPenalty = -2.0
)

// LabelLookup answers, for an old-side or new-side reference target key,
// whether it has been assigned a shared label yet, and if so which one.
// The affinity solver implements this once targets-affinity has run; for
// the first similarity pass (before any labels exist) a LabelLookup that
// always reports "unassigned" is used.
type LabelLookup interface {
	OldLabel(key int) (label int, ok bool)
	NewLabel(key int) (label int, ok bool)
}

// NoLabels is a LabelLookup under which no target is yet labeled,
// matching the state of the very first similarity pass.
var NoLabels LabelLookup = noLabels{}

type noLabels struct{}

func (noLabels) OldLabel(int) (int, bool) { return 0, false }
func (noLabels) NewLabel(int) (int, bool) { return 0, false }

// PositionSimilarity scores one (old, new) position pair per the spec's
// position-pair rule.
func PositionSimilarity(oldView, newView *encoded.View, oldPos, newPos int, labels LabelLookup) float64 {
	oldTag := oldView.TypeAt(oldPos)
	newTag := newView.TypeAt(newPos)

	if oldTag == image.NoTag && newTag == image.NoTag {
		if oldView.At(oldPos) == newView.At(newPos) {
			return rawMatchReward
		}
		return rawMismatchPenalty
	}
	if oldTag == image.NoTag || newTag == image.NoTag {
		return typeMismatchPenalty
	}
	if oldTag != newTag {
		return typeMismatchPenalty
	}

	width := float64(oldView.Index().WidthOf(oldTag))
	oldKey, okOld := oldView.KeyAt(oldPos)
	newKey, okNew := newView.KeyAt(newPos)
	if !okOld || !okNew {
		return typeMismatchPenalty
	}

	oldLabel, oldAssigned := labels.OldLabel(oldKey)
	newLabel, newAssigned := labels.NewLabel(newKey)

	if !oldAssigned && !newAssigned {
		return unassignedRefFactor * width
	}
	if oldAssigned && newAssigned && oldLabel == newLabel {
		return assignedMatchFactor * width
	}
	return assignedMismatchPenalty
}

// Candidate is an equivalence plus its similarity score, before pruning.
type Candidate struct {
	SrcOffset  int
	DstOffset  int
	Length     int
	Similarity float64
}

// End returns the exclusive end of the candidate's new-side (dst) range.
func (c Candidate) End() int { return c.DstOffset + c.Length }

// Equivalence is a resolved (src, dst, length) triple.
type Equivalence struct {
	SrcOffset int
	DstOffset int
	Length    int
}

// Map is a finite ordered sequence of equivalences: sorted by
// DstOffset, with dst ranges pairwise disjoint (src ranges may
// overlap).
type Map []Equivalence

// candidateSimilarity sums PositionSimilarity over the candidate's
// new-side token positions (ignoring reference-padding positions but
// still advancing the old-side cursor in lockstep).
func candidateSimilarity(oldView, newView *encoded.View, src, dst, length int, labels LabelLookup) float64 {
	total := 0.0
	for i := 0; i < length; i++ {
		if newView.IsReferencePadding(dst + i) {
			continue
		}
		total += PositionSimilarity(oldView, newView, src+i, dst+i, labels)
	}
	return total
}

// Finder runs the seed-and-extend search over a suffix array of the old
// encoded view.
type Finder struct {
	oldView *encoded.View
	newView *encoded.View
	sa      *suffix.Array
	labels  LabelLookup

	// MinSimilarity is the threshold a candidate's final similarity must
	// exceed to survive pruning.
	MinSimilarity float64
	// MaxPenalty bounds the running penalty counter during greedy
	// extension; exceeding it truncates the extension in progress.
	MaxPenalty float64
}

// NewFinder returns a Finder over oldView/newView backed by sa (built
// over oldView) and labels (NoLabels for the first pass).
func NewFinder(oldView, newView *encoded.View, sa *suffix.Array, labels LabelLookup) *Finder {
	return &Finder{
		oldView:       oldView,
		newView:       newView,
		sa:            sa,
		labels:        labels,
		MinSimilarity: 8.0,
		MaxPenalty:    16.0,
	}
}

// suffixRangeAt returns the [lo, hi) range of suffix-array ranks whose
// suffix begins with the token at newPos, via binary search on the
// first character.
func (f *Finder) suffixRangeAt(newPos int) (lo, hi int) {
	sym := f.newView.At(newPos)
	n := f.sa.Len()
	lo = sort.Search(n, func(r int) bool {
		return f.oldView.At(f.sa.At(r)) >= sym
	})
	hi = sort.Search(n, func(r int) bool {
		return f.oldView.At(f.sa.At(r)) > sym
	})
	return lo, hi
}

// extend grows a seed match (oldPos, newPos) forward and backward
// greedily, tracking running similarity and a penalty counter that
// truncates the extension once MaxPenalty is exceeded. It returns the
// best candidate found along the way.
func (f *Finder) extend(oldPos, newPos int) Candidate {
	oldLen, newLen := f.oldView.Len(), f.newView.Len()

	// Forward extension.
	fwdEnd := 0
	bestFwdEnd := 0
	bestFwdSim := 0.0
	runningSim := 0.0
	penalty := 0.0
	for oldPos+fwdEnd < oldLen && newPos+fwdEnd < newLen {
		s := PositionSimilarity(f.oldView, f.newView, oldPos+fwdEnd, newPos+fwdEnd, f.labels)
		if f.newView.IsReferencePadding(newPos + fwdEnd) {
			s = 0
		}
		runningSim += s
		if s < 0 {
			penalty -= s
		} else {
			penalty = 0
		}
		fwdEnd++
		if runningSim > bestFwdSim {
			bestFwdSim = runningSim
			bestFwdEnd = fwdEnd
		}
		if penalty > f.MaxPenalty {
			break
		}
	}

	// Backward extension.
	bwdStart := 0
	bestBwdStart := 0
	bestBwdSim := 0.0
	runningSim = 0.0
	penalty = 0.0
	for oldPos-bwdStart-1 >= 0 && newPos-bwdStart-1 >= 0 {
		op, np := oldPos-bwdStart-1, newPos-bwdStart-1
		s := PositionSimilarity(f.oldView, f.newView, op, np, f.labels)
		if f.newView.IsReferencePadding(np) {
			s = 0
		}
		runningSim += s
		if s < 0 {
			penalty -= s
		} else {
			penalty = 0
		}
		bwdStart++
		if runningSim > bestBwdSim {
			bestBwdSim = runningSim
			bestBwdStart = bwdStart
		}
		if penalty > f.MaxPenalty {
			break
		}
	}

	src := oldPos - bestBwdStart
	dst := newPos - bestBwdStart
	length := bestBwdStart + bestFwdEnd
	sim := candidateSimilarity(f.oldView, f.newView, src, dst, length, f.labels)
	return Candidate{SrcOffset: src, DstOffset: dst, Length: length, Similarity: sim}
}

// Find runs seed-and-extend across every new-side position, producing
// candidates whose similarity exceeds MinSimilarity, then prunes them
// into a non-overlapping Map.
func (f *Finder) Find() Map {
	var candidates []Candidate
	newPos := 0
	for newPos < f.newView.Len() {
		if f.newView.IsReferencePadding(newPos) {
			newPos++
			continue
		}
		lo, hi := f.suffixRangeAt(newPos)
		var best Candidate
		found := false
		for r := lo; r < hi; r++ {
			oldPos := f.sa.At(r)
			c := f.extend(oldPos, newPos)
			if !found || c.Similarity > best.Similarity {
				best = c
				found = true
			}
		}
		if found && best.Similarity > f.MinSimilarity {
			candidates = append(candidates, best)
			newPos = best.End()
			continue
		}
		newPos++
	}

	return prune(candidates, f.MinSimilarity)
}

// prune sorts candidates by new-side start and resolves overlaps into a
// non-overlapping equivalence map, per the spec's pruning rule.
func prune(candidates []Candidate, minSimilarity float64) Map {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].DstOffset < candidates[j].DstOffset
	})

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			cur, next := candidates[i], candidates[j]
			if next.DstOffset >= cur.End() {
				break
			}
			if next.Similarity > cur.Similarity {
				newLen := next.DstOffset - cur.DstOffset
				if newLen < 0 {
					newLen = 0
				}
				cur.Length = newLen
				candidates[i] = cur
			} else {
				shift := cur.End() - next.DstOffset
				next.SrcOffset += shift
				next.DstOffset += shift
				next.Length -= shift
				if next.Length < 0 {
					next.Length = 0
				}
				candidates[j] = next
			}
		}
	}

	var out Map
	for _, c := range candidates {
		if c.Length <= 0 {
			continue
		}
		if c.Similarity < minSimilarity {
			continue
		}
		out = append(out, Equivalence{SrcOffset: c.SrcOffset, DstOffset: c.DstOffset, Length: c.Length})
	}
	return out
}

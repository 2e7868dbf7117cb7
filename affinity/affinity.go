// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package affinity implements the targets-affinity solver: given an
// equivalence map and the old/new target lists of one pool, it decides
// which old targets correspond to which new targets and assigns the
// shared labels used during reference-delta encoding.
package affinity

import "github.com/saferwall/zucchini/equivalence"

// unassigned marks an old or new target index with no counterpart.
const unassigned = -1

// Solver runs the competitive assignment for one pool's target lists.
type Solver struct {
	oldTargets []uint32
	newTargets []uint32

	oldToNew []int
	newToOld []int
	affinity []float64 // indexed by old-target position
}

// NewSolver returns a solver over the ordered old and new target lists
// of one pool.
func NewSolver(oldTargets, newTargets []uint32) *Solver {
	s := &Solver{
		oldTargets: oldTargets,
		newTargets: newTargets,
		oldToNew:   make([]int, len(oldTargets)),
		newToOld:   make([]int, len(newTargets)),
		affinity:   make([]float64, len(oldTargets)),
	}
	for i := range s.oldToNew {
		s.oldToNew[i] = unassigned
	}
	for i := range s.newToOld {
		s.newToOld[i] = unassigned
	}
	for i := range s.affinity {
		s.affinity[i] = negativeInfinity
	}
	return s
}

const negativeInfinity = -1e18

// candidate holds one competing (old, new) association still to be
// resolved, keyed by old-target index.
type candidate struct {
	newIdx     int
	similarity float64
	order      int // new-side order, for earliest-order tie-break
}

// Solve walks eq's equivalences, maps each new-side target it covers to
// its expected old-side target via the equivalence's src/dst offsets,
// and resolves competing claims: the new target whose covering
// equivalence has the highest similarity wins a contested old target;
// ties break by earliest new-side order.
func Solve(eq equivalence.Map, simOf func(equivalence.Equivalence) float64, oldTargets, newTargets []uint32) *Solver {
	s := NewSolver(oldTargets, newTargets)

	oldIndex := indexOf(oldTargets)

	best := make(map[int]candidate) // old-target index -> best competing candidate
	order := 0
	for _, e := range eq {
		sim := simOf(e)
		for ni, newTarget := range newTargets {
			if int(newTarget) < e.DstOffset || int(newTarget) >= e.DstOffset+e.Length {
				continue
			}
			expectedOld := uint32(int(newTarget) - e.DstOffset + e.SrcOffset)
			oi, ok := oldIndex[expectedOld]
			if !ok {
				continue
			}
			c := candidate{newIdx: ni, similarity: sim, order: order}
			order++
			cur, exists := best[oi]
			if !exists || c.similarity > cur.similarity ||
				(c.similarity == cur.similarity && c.order < cur.order) {
				best[oi] = c
			}
		}
	}

	for oi, c := range best {
		s.oldToNew[oi] = c.newIdx
		s.newToOld[c.newIdx] = oi
		s.affinity[oi] = c.similarity
	}

	return s
}

func indexOf(targets []uint32) map[uint32]int {
	m := make(map[uint32]int, len(targets))
	for i, t := range targets {
		m[t] = i
	}
	return m
}

// OldToNew returns the new-target index associated with old-target
// index oi, or unassigned.
func (s *Solver) OldToNew(oi int) int { return s.oldToNew[oi] }

// NewToOld returns the old-target index associated with new-target
// index ni, or unassigned.
func (s *Solver) NewToOld(ni int) int { return s.newToOld[ni] }

// AffinityOf returns the stored affinity for old-target index oi.
func (s *Solver) AffinityOf(oi int) float64 { return s.affinity[oi] }

// LabelManager assigns consecutive integer labels, starting at 1, to
// associated target pairs whose affinity meets a minimum threshold. It
// exposes the lookup/insert split the original label_manager made
// between a cached lookup and first-time assignment, rather than one
// overloaded call.
type LabelManager struct {
	oldLabels map[int]uint32 // old-target index -> label
	newLabels map[int]uint32 // new-target index -> label
	byLabel   map[uint32]int // label -> new-target index, the inverse of newLabels
	next      uint32
}

// NewLabelManager returns an empty label manager.
func NewLabelManager() *LabelManager {
	return &LabelManager{
		oldLabels: make(map[int]uint32),
		newLabels: make(map[int]uint32),
		byLabel:   make(map[uint32]int),
		next:      1,
	}
}

// Label returns the previously assigned label for an old-target index,
// if any, without assigning a new one.
func (m *LabelManager) Label(oldIdx int) (uint32, bool) {
	l, ok := m.oldLabels[oldIdx]
	return l, ok
}

// InsertNewLabel assigns the next consecutive label to oldIdx (and, if
// newIdx is not unassigned, the same label to newIdx), returning the
// assigned label.
func (m *LabelManager) InsertNewLabel(oldIdx, newIdx int) uint32 {
	label := m.next
	m.next++
	m.oldLabels[oldIdx] = label
	if newIdx != unassigned {
		m.newLabels[newIdx] = label
		m.byLabel[label] = newIdx
	}
	return label
}

// NewLabel returns the label assigned to a new-target index, if any.
func (m *LabelManager) NewLabel(newIdx int) (uint32, bool) {
	l, ok := m.newLabels[newIdx]
	return l, ok
}

// NewIndexForLabel inverts NewLabel: it returns the new-target index
// that was assigned the given label, if any.
func (m *LabelManager) NewIndexForLabel(label uint32) (int, bool) {
	ni, ok := m.byLabel[label]
	return ni, ok
}

// AssignLabels walks old-side targets in order and assigns consecutive
// labels starting at 1 to those whose affinity meets minAffinity; the
// paired new-side target (if any) receives the same label.
func AssignLabels(s *Solver, minAffinity float64) *LabelManager {
	m := NewLabelManager()
	for oi := range s.oldTargets {
		if s.affinity[oi] < minAffinity {
			continue
		}
		m.InsertNewLabel(oi, s.oldToNew[oi])
	}
	return m
}

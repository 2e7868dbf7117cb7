// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package element

import (
	"math"
	"sort"
)

// maxSizeRatio and maxSizeDelta bound which old/new element pairs are
// even considered: sizes differing by more than a factor of two and by
// at least maxSizeDelta bytes are rejected outright.
const (
	maxSizeRatio = 2.0
	maxSizeDelta = 2 << 20 // 2 MiB
)

// outlierStdDevs is the number of standard deviations above the mean
// best-distance a match may fall before being dropped as an outlier.
const outlierStdDevs = 2.0

// Matcher runs the heuristic ensemble matcher: 2-gram histogram
// distance, size-based rejection, outlier pruning, and the MultiDex
// drop-all-DEX rule.
type Matcher struct{}

// scoredMatch is a candidate match plus the histogram distance that
// selected it, before outlier pruning.
type scoredMatch struct {
	m    Match
	dist float64
}

// Match matches old against new elements, returning retained matches
// and the separators — byte ranges in new between matched new-side
// elements, used by the raw-patch path for residue.
func (Matcher) Match(old, newImage []byte, oldElements, newElements []Element) (matches []Match, separators [][2]int) {
	var candidates []scoredMatch
	for _, ne := range newElements {
		newData := newImage[ne.Offset:ne.End()]
		newHist := NewHistogram(newData)

		best := -1
		bestDist := math.Inf(1)
		for oi, oe := range oldElements {
			if oe.Type != ne.Type {
				continue
			}
			if identicalBytes(old, oe, newImage, ne) {
				continue
			}
			if !sizeCompatible(oe.Size, ne.Size) {
				continue
			}
			oldData := old[oe.Offset:oe.End()]
			oldHist := NewHistogram(oldData)
			d := oldHist.Distance(newHist)
			if d < bestDist {
				bestDist = d
				best = oi
			}
		}
		if best >= 0 {
			candidates = append(candidates, scoredMatch{m: Match{Old: oldElements[best], New: ne}, dist: bestDist})
		}
	}

	retained := pruneOutliers(candidates)
	retained = dropAllDexIfMultiple(retained)

	for _, c := range retained {
		matches = append(matches, c.m)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].New.Offset < matches[j].New.Offset })
	separators = computeSeparators(matches, len(newImage))
	return matches, separators
}

func identicalBytes(old []byte, oe Element, newImage []byte, ne Element) bool {
	if oe.Size != ne.Size {
		return false
	}
	oldData := old[oe.Offset:oe.End()]
	newData := newImage[ne.Offset:ne.End()]
	for i := range oldData {
		if oldData[i] != newData[i] {
			return false
		}
	}
	return true
}

func sizeCompatible(oldSize, newSize int) bool {
	small, large := oldSize, newSize
	if small > large {
		small, large = large, small
	}
	if small == 0 {
		return large == 0
	}
	ratio := float64(large) / float64(small)
	delta := large - small
	if ratio > maxSizeRatio && delta >= maxSizeDelta {
		return false
	}
	return true
}

// pruneOutliers drops candidates whose distance exceeds the mean by
// more than outlierStdDevs standard deviations.
func pruneOutliers(candidates []scoredMatch) []scoredMatch {
	if len(candidates) == 0 {
		return nil
	}
	mean := 0.0
	for _, c := range candidates {
		mean += c.dist
	}
	mean /= float64(len(candidates))

	variance := 0.0
	for _, c := range candidates {
		d := c.dist - mean
		variance += d * d
	}
	variance /= float64(len(candidates))
	stddev := math.Sqrt(variance)
	threshold := mean + outlierStdDevs*stddev

	var out []scoredMatch
	for _, c := range candidates {
		if c.dist <= threshold {
			out = append(out, c)
		}
	}
	return out
}

// dropAllDexIfMultiple implements the conservative MultiDex policy:
// retaining more than one DEX match risks cross-boundary movement
// between dex files, so all DEX matches are dropped together.
func dropAllDexIfMultiple(candidates []scoredMatch) []scoredMatch {
	dexCount := 0
	for _, c := range candidates {
		if c.m.New.Type == TypeDEX {
			dexCount++
		}
	}
	if dexCount <= 1 {
		return candidates
	}
	var out []scoredMatch
	for _, c := range candidates {
		if c.m.New.Type != TypeDEX {
			out = append(out, c)
		}
	}
	return out
}

// computeSeparators returns the byte ranges in new between consecutive
// matched new-side elements (and before the first / after the last),
// assuming matches is sorted by new-side offset.
func computeSeparators(matches []Match, newSize int) [][2]int {
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
	return seps
}

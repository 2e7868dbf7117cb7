// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package suffix builds a suffix array over an encoded.View's token
// sequence, the index structure the equivalence finder walks to locate
// seed matches between an old and new image.
package suffix

import "sort"

// Sequence is the minimal interface the suffix array needs from a token
// sequence — satisfied by *encoded.View.
type Sequence interface {
	Len() int
	At(i int) int
}

// Array is a suffix array: sa[r] is the starting position of the
// lexicographically r-th suffix of the underlying sequence. rank is its
// inverse, used by the equivalence finder's longest-common-extension
// queries.
type Array struct {
	seq  Sequence
	sa   []int
	rank []int
}

// Build constructs a suffix array over seq using the prefix-doubling
// algorithm (O(n log^2 n) comparisons via sort.Slice; no library in the
// retrieved corpus supplies a specialized suffix-array construction, so
// this stays on the standard sort package).
func Build(seq Sequence) *Array {
	n := seq.Len()
	sa := make([]int, n)
	rank := make([]int, n)
	tmp := make([]int, n)

	if n == 0 {
		return &Array{seq: seq, sa: sa, rank: rank}
	}

	for i := 0; i < n; i++ {
		sa[i] = i
		rank[i] = seq.At(i)
	}

	for k := 1; ; k *= 2 {
		gap := k
		sort.Slice(sa, func(i, j int) bool {
			a, b := sa[i], sa[j]
			if rank[a] != rank[b] {
				return rank[a] < rank[b]
			}
			ra, rb := -1, -1
			if a+gap < n {
				ra = rank[a+gap]
			}
			if b+gap < n {
				rb = rank[b+gap]
			}
			return ra < rb
		})

		tmp[sa[0]] = 0
		for i := 1; i < n; i++ {
			prev, cur := sa[i-1], sa[i]
			same := rank[prev] == rank[cur]
			if same {
				rp, rc := -1, -1
				if prev+gap < n {
					rp = rank[prev+gap]
				}
				if cur+gap < n {
					rc = rank[cur+gap]
				}
				same = rp == rc
			}
			if same {
				tmp[cur] = tmp[prev]
			} else {
				tmp[cur] = tmp[prev] + 1
			}
		}
		copy(rank, tmp)
		if rank[sa[n-1]] == n-1 || gap >= n {
			break
		}
	}

	return &Array{seq: seq, sa: sa, rank: rank}
}

// Len returns the number of suffixes (equal to the sequence length).
func (a *Array) Len() int { return len(a.sa) }

// At returns the starting position of the r-th lexicographically
// smallest suffix.
func (a *Array) At(r int) int { return a.sa[r] }

// RankOf returns the lexicographic rank of the suffix starting at
// position pos.
func (a *Array) RankOf(pos int) int { return a.rank[pos] }

// LCE returns the length of the longest common prefix (extension)
// between the suffixes starting at i and j.
func (a *Array) LCE(i, j int) int {
	n := a.seq.Len()
	l := 0
	for i+l < n && j+l < n && a.seq.At(i+l) == a.seq.At(j+l) {
		l++
	}
	return l
}

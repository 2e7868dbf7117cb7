// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package element

import (
	"errors"
	"strconv"
	"strings"
)

// ImposedPair is one parsed "o+os=n+ns" clause: an old-range/new-range
// pairing the caller pins ahead of heuristic matching.
type ImposedPair struct {
	OldOffset, OldSize int
	NewOffset, NewSize int
}

// Imposed-match rejection reasons, matching the distinct failure modes
// the original grammar parser distinguishes rather than one generic
// syntax error.
var (
	ErrImposedSyntax       = errors.New("element: malformed imposed-match clause")
	ErrImposedBounds       = errors.New("element: imposed-match range out of bounds")
	ErrImposedEmpty        = errors.New("element: imposed-match pair has a zero-length range")
	ErrImposedOverlap      = errors.New("element: imposed-match new ranges overlap")
	ErrImposedTypeMismatch = errors.New("element: imposed-match pair has mismatched detected types")
)

// ParseImposedMatches parses the grammar `pair ("," pair)*` where
// `pair := u32 "+" u32 "=" u32 "+" u32`, with no whitespace permitted
// except an optional trailing newline, validating ranges against
// oldSize/newSize and rejecting overlapping new ranges.
func ParseImposedMatches(s string, oldSize, newSize int) ([]ImposedPair, error) {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil, nil
	}

	clauses := strings.Split(s, ",")
	pairs := make([]ImposedPair, 0, len(clauses))
	for _, clause := range clauses {
		p, err := parseClause(clause)
		if err != nil {
			return nil, err
		}
		if p.OldOffset < 0 || p.OldOffset+p.OldSize > oldSize ||
			p.NewOffset < 0 || p.NewOffset+p.NewSize > newSize {
			return nil, ErrImposedBounds
		}
		if p.OldSize == 0 || p.NewSize == 0 {
			return nil, ErrImposedEmpty
		}
		pairs = append(pairs, p)
	}

	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			a, b := pairs[i], pairs[j]
			if rangesOverlap(a.NewOffset, a.NewSize, b.NewOffset, b.NewSize) {
				return nil, ErrImposedOverlap
			}
		}
	}

	return pairs, nil
}

func parseClause(clause string) (ImposedPair, error) {
	eq := strings.IndexByte(clause, '=')
	if eq < 0 {
		return ImposedPair{}, ErrImposedSyntax
	}
	oldHalf, newHalf := clause[:eq], clause[eq+1:]

	oldOff, oldSize, err := parseHalf(oldHalf)
	if err != nil {
		return ImposedPair{}, err
	}
	newOff, newSize, err := parseHalf(newHalf)
	if err != nil {
		return ImposedPair{}, err
	}
	return ImposedPair{OldOffset: oldOff, OldSize: oldSize, NewOffset: newOff, NewSize: newSize}, nil
}

func parseHalf(half string) (offset, size int, err error) {
	plus := strings.IndexByte(half, '+')
	if plus < 0 {
		return 0, 0, ErrImposedSyntax
	}
	offStr, sizeStr := half[:plus], half[plus+1:]
	off, err := strconv.ParseUint(offStr, 10, 32)
	if err != nil {
		return 0, 0, ErrImposedSyntax
	}
	sz, err := strconv.ParseUint(sizeStr, 10, 32)
	if err != nil {
		return 0, 0, ErrImposedSyntax
	}
	return int(off), int(sz), nil
}

func rangesOverlap(aOff, aSize, bOff, bSize int) bool {
	return aOff < bOff+bSize && bOff < aOff+aSize
}

// VerifyTypes checks that pairs' old and new ranges detect to matching
// executable types in oldElements and newElements (the element sets
// found by the detector on each side), returning ErrImposedTypeMismatch
// on any disagreement. A pair whose old or new range is not exactly one
// detected element is not checked.
func VerifyTypes(pairs []ImposedPair, oldElements, newElements []Element) error {
	oldType := func(offset, size int) (Type, bool) {
		for _, e := range oldElements {
			if e.Offset == offset && e.Size == size {
				return e.Type, true
			}
		}
		return TypeUnknown, false
	}
	newType := func(offset, size int) (Type, bool) {
		for _, e := range newElements {
			if e.Offset == offset && e.Size == size {
				return e.Type, true
			}
		}
		return TypeUnknown, false
	}

	for _, p := range pairs {
		ot, oOK := oldType(p.OldOffset, p.OldSize)
		nt, nOK := newType(p.NewOffset, p.NewSize)
		if !oOK || !nOK {
			continue
		}
		if ot != nt {
			return ErrImposedTypeMismatch
		}
	}
	return nil
}

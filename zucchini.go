// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package zucchini implements a binary differential-update engine:
// Generate produces a compact patch between an old and new executable
// image, exploiting PE32/PE32+, ELF, and DEX reference structure so
// that relocated-but-unchanged pointers do not count as diffs; Apply
// reconstructs the new image from an old image and such a patch.
package zucchini

import (
	"errors"

	"github.com/saferwall/zucchini/patch"
)

// Kind selects the generation strategy. Aliased from patch.Kind since
// the two enumerations are identical and part of the same wire format.
type Kind = patch.Kind

const (
	KindRaw      = patch.KindRaw
	KindSingle   = patch.KindSingle
	KindEnsemble = patch.KindEnsemble
)

// Options configures Generate.
type Options struct {
	// Kind selects raw, single-element, or ensemble generation. The
	// zero value (KindRaw) is always available and never fails.
	Kind Kind
	// ImposedMatches, if non-empty, names explicit old/new element
	// correspondences in the "o1+s1=o2+s2,..." grammar, bypassing
	// element detection and matching entirely.
	ImposedMatches string
	// MinSimilarity overrides the equivalence finder's acceptance
	// threshold. Zero means "use the finder's default."
	MinSimilarity float64
	// MaxElements caps the number of elements element.Detect will
	// return per image. Zero means "use element.Detect's default."
	MaxElements int
	// Concurrency is reserved for future callers that need to bound
	// Apply's worker pool explicitly; Apply itself (see apply.go) always
	// sizes its pool from runtime.NumCPU, since its signature is fixed
	// by the wire format and takes no Options.
	Concurrency int
}

// Status mirrors the spec's caller-facing status codes; CLI front ends
// map these to process exit codes.
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalidOldImage
	StatusInvalidNewImage
	StatusPatchReadError
	StatusFileReadError
	StatusFileWriteError
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidOldImage:
		return "invalid-old-image"
	case StatusInvalidNewImage:
		return "invalid-new-image"
	case StatusPatchReadError:
		return "patch-read-error"
	case StatusFileReadError:
		return "file-read-error"
	case StatusFileWriteError:
		return "file-write-error"
	default:
		return "fatal"
	}
}

// ErrEmptyOldImage and ErrEmptyNewImage guard against nil inputs that
// would otherwise produce a degenerate, useless patch.
var (
	ErrEmptyOldImage = errors.New("zucchini: empty old image")
	ErrEmptyNewImage = errors.New("zucchini: empty new image")
)

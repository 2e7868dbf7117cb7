// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package element detects embedded executables within a container image
// and matches old-to-new elements across an ensemble patch generation.
package element

import "fmt"

// Type identifies an embedded executable's format. Values are part of
// the on-wire patch format and must not be renumbered.
type Type uint32

// Executable-type enumeration, per the patch format.
const (
	TypeUnknown    Type = 0
	TypeWin32X86   Type = 1
	TypeWin32X64   Type = 2
	TypeELFX86     Type = 3
	TypeELFX64     Type = 4
	TypeELFARM32   Type = 5
	TypeELFAArch64 Type = 6
	TypeDEX        Type = 7
	TypeNoop       Type = 8
)

func (t Type) String() string {
	switch t {
	case TypeUnknown:
		return "unknown"
	case TypeWin32X86:
		return "win32-x86"
	case TypeWin32X64:
		return "win32-x64"
	case TypeELFX86:
		return "elf-x86"
	case TypeELFX64:
		return "elf-x64"
	case TypeELFARM32:
		return "elf-arm32"
	case TypeELFAArch64:
		return "elf-aarch64"
	case TypeDEX:
		return "dex"
	case TypeNoop:
		return "noop"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Element names one sub-image within a container image.
type Element struct {
	Offset int
	Size   int
	Type   Type
}

// End returns the element's exclusive end offset.
func (e Element) End() int { return e.Offset + e.Size }

// Match pairs an old and new element of identical type.
type Match struct {
	Old Element
	New Element
}

// MaxElements caps the number of elements a single detector pass will
// report, guarding against pathological containers.
const MaxElements = 256

// Sizer is implemented by a format prober: given image bytes and a
// candidate start offset, it reports whether a recognized header begins
// there and, if so, the declared size of that embedded element.
type Sizer interface {
	// Type is the executable type this prober recognizes.
	Type() Type
	// Sniff probes image at offset, returning the element's declared
	// size and true on a match.
	Sniff(image []byte, offset int) (size int, ok bool)
}

// Detect applies every prober in probers to image, advancing by one
// byte on a miss and by the element's size on a hit, producing a set of
// non-overlapping elements capped at MaxElements.
func Detect(image []byte, probers []Sizer) []Element {
	var out []Element
	offset := 0
	for offset < len(image) && len(out) < MaxElements {
		hit := false
		for _, p := range probers {
			size, ok := p.Sniff(image, offset)
			if !ok || size <= 0 || offset+size > len(image) {
				continue
			}
			out = append(out, Element{Offset: offset, Size: size, Type: p.Type()})
			offset += size
			hit = true
			break
		}
		if !hit {
			offset++
		}
	}
	return out
}

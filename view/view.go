// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package view provides non-owning, bounds-checked views over contiguous
// byte regions. A View never copies the bytes it borrows; its caller
// retains ownership and must keep the backing slice alive for as long as
// the view (or anything sliced from it) is in use.
//
// All reads and writes assume little-endian layout, because every
// executable format this engine understands (PE, ELF, DEX) is
// little-endian on its supported architectures. Multi-byte values are
// always assembled byte by byte rather than through unaligned pointer
// casts.
package view

import (
	"encoding/binary"
	"errors"
)

// ErrOutOfRange is returned when a read or write would cross the end of
// the view.
var ErrOutOfRange = errors.New("view: access out of range")

// View is an immutable, non-owning window over a byte slice.
type View struct {
	data []byte
}

// New wraps data in a read-only View. It does not copy data.
func New(data []byte) View {
	return View{data: data}
}

// Len returns the number of bytes visible through the view.
func (v View) Len() int { return len(v.data) }

// Bytes returns the raw bytes backing the view. Callers must not mutate
// the result.
func (v View) Bytes() []byte { return v.data }

// Slice returns the sub-view [lo, hi). It fails if the range is invalid.
func (v View) Slice(lo, hi int) (View, error) {
	if lo < 0 || hi < lo || hi > len(v.data) {
		return View{}, ErrOutOfRange
	}
	return View{data: v.data[lo:hi]}, nil
}

// Advance returns the view with its first n bytes dropped.
func (v View) Advance(n int) (View, error) {
	if n < 0 || n > len(v.data) {
		return View{}, ErrOutOfRange
	}
	return View{data: v.data[n:]}, nil
}

// At returns the byte at offset off.
func (v View) At(off int) (byte, error) {
	if off < 0 || off >= len(v.data) {
		return 0, ErrOutOfRange
	}
	return v.data[off], nil
}

// Uint8 reads a single byte at off.
func (v View) Uint8(off int) (uint8, error) {
	return v.At(off)
}

// Uint16 reads a little-endian uint16 at off.
func (v View) Uint16(off int) (uint16, error) {
	b, err := v.window(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a little-endian uint32 at off.
func (v View) Uint32(off int) (uint32, error) {
	b, err := v.window(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little-endian uint64 at off.
func (v View) Uint64(off int) (uint64, error) {
	b, err := v.window(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Int32 reads a little-endian signed int32 at off.
func (v View) Int32(off int) (int32, error) {
	u, err := v.Uint32(off)
	return int32(u), err
}

// HasPrefix reports whether the view starts with magic.
func (v View) HasPrefix(magic []byte) bool {
	if len(magic) > len(v.data) {
		return false
	}
	for i, b := range magic {
		if v.data[i] != b {
			return false
		}
	}
	return true
}

// ConsumeMagic peeks magic at offset 0 and, on a match, returns the view
// advanced past it. On mismatch it returns ok == false and the original
// view.
func (v View) ConsumeMagic(magic []byte) (rest View, ok bool) {
	if !v.HasPrefix(magic) {
		return v, false
	}
	rest, err := v.Advance(len(magic))
	if err != nil {
		return v, false
	}
	return rest, true
}

func (v View) window(off, width int) ([]byte, error) {
	if off < 0 || width < 0 || off+width > len(v.data) {
		return nil, ErrOutOfRange
	}
	return v.data[off : off+width], nil
}

// MutableView is a View that additionally permits in-place writes.
type MutableView struct {
	data []byte
}

// NewMutable wraps data in a writable MutableView. It does not copy data.
func NewMutable(data []byte) MutableView {
	return MutableView{data: data}
}

// Len returns the number of bytes visible through the view.
func (v MutableView) Len() int { return len(v.data) }

// Bytes returns the raw, mutable bytes backing the view.
func (v MutableView) Bytes() []byte { return v.data }

// View returns an immutable view over the same bytes.
func (v MutableView) View() View { return View{data: v.data} }

// Slice returns the writable sub-view [lo, hi).
func (v MutableView) Slice(lo, hi int) (MutableView, error) {
	if lo < 0 || hi < lo || hi > len(v.data) {
		return MutableView{}, ErrOutOfRange
	}
	return MutableView{data: v.data[lo:hi]}, nil
}

// At returns the byte at offset off.
func (v MutableView) At(off int) (byte, error) {
	if off < 0 || off >= len(v.data) {
		return 0, ErrOutOfRange
	}
	return v.data[off], nil
}

// Uint32 reads a little-endian uint32 at off.
func (v MutableView) Uint32(off int) (uint32, error) {
	return v.View().Uint32(off)
}

// PutUint8 writes a single byte at off.
func (v MutableView) PutUint8(off int, val uint8) error {
	if off < 0 || off >= len(v.data) {
		return ErrOutOfRange
	}
	v.data[off] = val
	return nil
}

// PutUint16 writes a little-endian uint16 at off.
func (v MutableView) PutUint16(off int, val uint16) error {
	b, err := v.window(off, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, val)
	return nil
}

// PutUint32 writes a little-endian uint32 at off.
func (v MutableView) PutUint32(off int, val uint32) error {
	b, err := v.window(off, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, val)
	return nil
}

// PutUint64 writes a little-endian uint64 at off.
func (v MutableView) PutUint64(off int, val uint64) error {
	b, err := v.window(off, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, val)
	return nil
}

// CopyFrom copies src into the view starting at off, failing if it would
// overrun the view.
func (v MutableView) CopyFrom(off int, src []byte) error {
	b, err := v.window(off, len(src))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

func (v MutableView) window(off, width int) ([]byte, error) {
	if off < 0 || width < 0 || off+width > len(v.data) {
		return nil, ErrOutOfRange
	}
	return v.data[off : off+width], nil
}

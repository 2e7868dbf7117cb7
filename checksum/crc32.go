// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package checksum computes the 32-bit CRC used to validate old and new
// images against a patch header.
package checksum

import "hash/crc32"

// Checksum returns the CRC-32 of data using the reversed polynomial
// 0xEDB88320, an initial state of 0xFFFFFFFF, and a final complement —
// exactly the standard IEEE table, so this is a thin wrapper rather than
// a hand-rolled table.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Writer accumulates a running CRC-32 across successive Write calls, for
// callers that stream an image rather than holding it in one slice.
type Writer struct {
	crc uint32
}

// NewWriter returns a Writer ready to accumulate bytes.
func NewWriter() *Writer {
	return &Writer{crc: 0}
}

// Write folds p into the running checksum. It never returns an error.
func (w *Writer) Write(p []byte) (int, error) {
	w.crc = crc32.Update(w.crc, crc32.IEEETable, p)
	return len(p), nil
}

// Sum returns the checksum of all bytes written so far.
func (w *Writer) Sum() uint32 {
	return w.crc
}

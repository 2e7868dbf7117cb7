// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package patch

import (
	"bytes"
	"encoding/binary"

	"github.com/saferwall/zucchini/varint"
)

// Writer is a write-only builder for the patch wire format.
type Writer struct {
	header   Header
	elements []Element
}

// NewWriter returns a Writer for a patch with the given header fields;
// elements are appended with AddElement.
func NewWriter(oldSize, newSize uint32, oldCRC, newCRC uint32, kind Kind) *Writer {
	return &Writer{header: Header{
		OldSize: oldSize, OldCRC: oldCRC, NewSize: newSize, NewCRC: newCRC, Kind: kind,
	}}
}

// AddElement appends one patch element.
func (w *Writer) AddElement(e Element) {
	w.elements = append(w.elements, e)
	w.header.ElementCount = uint32(len(w.elements))
}

// Bytes serializes the patch into its on-wire form.
func (w *Writer) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	writeUint32(&buf, w.header.OldSize)
	writeUint32(&buf, w.header.OldCRC)
	writeUint32(&buf, w.header.NewSize)
	writeUint32(&buf, w.header.NewCRC)
	writeUint32(&buf, uint32(w.header.Kind))
	writeUint32(&buf, w.header.ElementCount)

	for _, e := range w.elements {
		writeElement(&buf, e)
	}
	return buf.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeLengthPrefixed(buf *bytes.Buffer, payload []byte) {
	writeUint64(buf, uint64(len(payload)))
	buf.Write(payload)
}

func writeElement(buf *bytes.Buffer, e Element) {
	writeUint32(buf, e.OldOffset)
	writeUint32(buf, e.NewOffset)
	writeUint64(buf, e.OldLength)
	writeUint64(buf, e.NewLength)
	writeUint32(buf, uint32(e.ExeType))

	writeLengthPrefixed(buf, encodeSignedVarints(e.EquivSrcSkip))
	writeLengthPrefixed(buf, encodeUnsignedVarints(e.EquivDstSkip))
	writeLengthPrefixed(buf, encodeUnsignedVarints(e.EquivLength))

	writeLengthPrefixed(buf, e.ExtraData)

	writeLengthPrefixed(buf, encodeUnsignedVarints(e.RawDeltaCopyOffsetSkip))
	rawDiffs := make([]byte, len(e.RawDeltaDiff))
	for i, d := range e.RawDeltaDiff {
		rawDiffs[i] = byte(d)
	}
	writeLengthPrefixed(buf, rawDiffs)

	writeLengthPrefixed(buf, encodeSignedVarints(e.ReferenceDelta))

	writeUint32(buf, uint32(len(e.ExtraTargets)))
	for _, pt := range e.ExtraTargets {
		buf.WriteByte(pt.PoolTag)
		biased := make([]uint32, len(pt.Targets))
		prev := uint32(0)
		for i, t := range pt.Targets {
			biased[i] = t - prev + 1
			prev = t
		}
		writeLengthPrefixed(buf, encodeUnsignedVarints(biased))
	}
}

func encodeUnsignedVarints(vals []uint32) []byte {
	w := varint.NewWriter()
	for _, v := range vals {
		w.PutUint32(v)
	}
	return w.Bytes()
}

func encodeSignedVarints(vals []int32) []byte {
	w := varint.NewWriter()
	for _, v := range vals {
		w.PutInt32(v)
	}
	return w.Bytes()
}

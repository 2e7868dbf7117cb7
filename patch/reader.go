// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package patch

import (
	"bytes"
	"encoding/binary"

	"github.com/saferwall/zucchini/element"
	"github.com/saferwall/zucchini/varint"
)

// Reader is a read-only view over a serialized patch.
type Reader struct {
	Header   Header
	Elements []Element
}

// Parse validates and decodes a serialized patch.
func Parse(data []byte) (*Reader, error) {
	if len(data) < HeaderSize {
		return nil, ErrTruncated
	}
	if !bytes.Equal(data[0:4], Magic[:]) {
		return nil, ErrBadMagic
	}

	h := Header{
		OldSize:      binary.LittleEndian.Uint32(data[4:8]),
		OldCRC:       binary.LittleEndian.Uint32(data[8:12]),
		NewSize:      binary.LittleEndian.Uint32(data[12:16]),
		NewCRC:       binary.LittleEndian.Uint32(data[16:20]),
		Kind:         Kind(binary.LittleEndian.Uint32(data[20:24])),
		ElementCount: binary.LittleEndian.Uint32(data[24:28]),
	}
	if h.Kind != KindRaw && h.Kind != KindSingle && h.Kind != KindEnsemble {
		return nil, ErrBadKind
	}
	if (h.Kind == KindRaw || h.Kind == KindSingle) && h.ElementCount != 1 {
		return nil, ErrBadElementCount
	}

	pos := HeaderSize
	elements := make([]Element, 0, h.ElementCount)
	for i := uint32(0); i < h.ElementCount; i++ {
		e, n, err := parseElement(data[pos:])
		if err != nil {
			return nil, err
		}
		if e.OldOffset > h.OldSize || e.OldEnd() > uint64(h.OldSize) ||
			e.NewOffset > h.NewSize || e.NewEnd() > uint64(h.NewSize) {
			return nil, ErrElementBounds
		}
		elements = append(elements, e)
		pos += n
	}

	if err := validateTiling(elements, h.NewSize); err != nil {
		return nil, err
	}

	return &Reader{Header: h, Elements: elements}, nil
}

func validateTiling(elements []Element, newSize uint32) error {
	cursor := uint64(0)
	for _, e := range elements {
		if uint64(e.NewOffset) < cursor {
			return ErrElementOverlap
		}
		if uint64(e.NewOffset) > cursor {
			return ErrElementGap
		}
		cursor = e.NewEnd()
	}
	if cursor != uint64(newSize) {
		return ErrElementGap
	}
	return nil
}

func parseElement(data []byte) (Element, int, error) {
	const fixedHeaderSize = 4 + 4 + 8 + 8 + 4
	if len(data) < fixedHeaderSize {
		return Element{}, 0, ErrTruncated
	}
	e := Element{
		OldOffset: binary.LittleEndian.Uint32(data[0:4]),
		NewOffset: binary.LittleEndian.Uint32(data[4:8]),
		OldLength: binary.LittleEndian.Uint64(data[8:16]),
		NewLength: binary.LittleEndian.Uint64(data[16:24]),
		ExeType:   element.Type(binary.LittleEndian.Uint32(data[24:28])),
	}
	pos := fixedHeaderSize

	equivSrcBuf, n, err := readLengthPrefixed(data[pos:])
	if err != nil {
		return Element{}, 0, err
	}
	pos += n
	equivDstBuf, n, err := readLengthPrefixed(data[pos:])
	if err != nil {
		return Element{}, 0, err
	}
	pos += n
	equivLenBuf, n, err := readLengthPrefixed(data[pos:])
	if err != nil {
		return Element{}, 0, err
	}
	pos += n

	e.EquivSrcSkip, err = decodeSignedVarints(equivSrcBuf)
	if err != nil {
		return Element{}, 0, err
	}
	e.EquivDstSkip, err = decodeUnsignedVarints(equivDstBuf)
	if err != nil {
		return Element{}, 0, err
	}
	e.EquivLength, err = decodeUnsignedVarints(equivLenBuf)
	if err != nil {
		return Element{}, 0, err
	}

	extraData, n, err := readLengthPrefixed(data[pos:])
	if err != nil {
		return Element{}, 0, err
	}
	pos += n
	e.ExtraData = extraData

	rawOffsetBuf, n, err := readLengthPrefixed(data[pos:])
	if err != nil {
		return Element{}, 0, err
	}
	pos += n
	rawDiffBuf, n, err := readLengthPrefixed(data[pos:])
	if err != nil {
		return Element{}, 0, err
	}
	pos += n

	e.RawDeltaCopyOffsetSkip, err = decodeUnsignedVarints(rawOffsetBuf)
	if err != nil {
		return Element{}, 0, err
	}
	e.RawDeltaDiff = make([]int8, len(rawDiffBuf))
	for i, b := range rawDiffBuf {
		e.RawDeltaDiff[i] = int8(b)
	}

	refDeltaBuf, n, err := readLengthPrefixed(data[pos:])
	if err != nil {
		return Element{}, 0, err
	}
	pos += n
	e.ReferenceDelta, err = decodeSignedVarints(refDeltaBuf)
	if err != nil {
		return Element{}, 0, err
	}

	if len(data[pos:]) < 4 {
		return Element{}, 0, ErrTruncated
	}
	poolCount := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4
	for i := uint32(0); i < poolCount; i++ {
		if len(data[pos:]) < 1 {
			return Element{}, 0, ErrTruncated
		}
		tag := data[pos]
		pos++
		targetsBuf, n, err := readLengthPrefixed(data[pos:])
		if err != nil {
			return Element{}, 0, err
		}
		pos += n
		biased, err := decodeUnsignedVarints(targetsBuf)
		if err != nil {
			return Element{}, 0, err
		}
		targets := make([]uint32, len(biased))
		prev := uint32(0)
		for i, b := range biased {
			prev = prev + b - 1
			targets[i] = prev
		}
		e.ExtraTargets = append(e.ExtraTargets, PoolTargets{PoolTag: tag, Targets: targets})
	}

	return e, pos, nil
}

func readLengthPrefixed(data []byte) (payload []byte, consumed int, err error) {
	if len(data) < 8 {
		return nil, 0, ErrTruncated
	}
	length := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < length {
		return nil, 0, ErrTruncated
	}
	return data[8 : 8+length], int(8 + length), nil
}

func decodeUnsignedVarints(data []byte) ([]uint32, error) {
	r := varint.NewReader(data)
	var out []uint32
	for r.Len() > 0 {
		v, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeSignedVarints(data []byte) ([]int32, error) {
	r := varint.NewReader(data)
	var out []int32
	for r.Len() > 0 {
		v, err := r.Int32()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package disasm

import (
	"encoding/binary"
	"errors"

	"github.com/saferwall/zucchini/address"
	"github.com/saferwall/zucchini/element"
	"github.com/saferwall/zucchini/image"
	"github.com/saferwall/zucchini/reftype"
)

// DEX header layout, versions 035/037 only.
const (
	dexHeaderSize     = 112
	dexMapOffOff      = 52
	dexFileSizeOff    = 32
	dexMaxMapItems    = 18
	dexMapItemSize    = 12
	dexStringIDSize   = 4
	dexTypeIDSize     = 4
	dexMethodIDSize   = 8
	dexFieldIDSize    = 8

	dexTypeStringIDItem = 0x0001
	dexTypeTypeIDItem   = 0x0002
	dexTypeFieldIDItem  = 0x0004
	dexTypeMethodIDItem = 0x0005
	dexTypeCodeItem     = 0x2001
)

// DEX-specific parse errors.
var (
	ErrDexMagicNotFound      = errors.New("disasm: dex magic not found")
	ErrDexUnsupportedVersion = errors.New("disasm: unsupported dex version")
	ErrDexTruncated          = errors.New("disasm: truncated dex image")
	ErrDexMissingMapItem     = errors.New("disasm: dex map list missing a required item")
)

type dexSniffer struct{}

func (dexSniffer) Type() element.Type { return element.TypeDEX }

func (dexSniffer) Sniff(img []byte, offset int) (int, bool) {
	if offset != 0 {
		return 0, false
	}
	ok, size := sniffDex(img)
	return size, ok
}

// sniffDex reports whether img begins with a well-formed DEX header (magic,
// a supported version digit string, a file_size fitting within img, and a
// readable map list) and, if so, the header's declared file_size.
func sniffDex(img []byte) (bool, int) {
	if len(img) < dexHeaderSize {
		return false, 0
	}
	if img[0] != 'd' || img[1] != 'e' || img[2] != 'x' || img[3] != '\n' || img[7] != 0 {
		return false, 0
	}
	version := 0
	for i := 4; i < 7; i++ {
		if img[i] < '0' || img[i] > '9' {
			return false, 0
		}
		version = version*10 + int(img[i]-'0')
	}
	if version != 35 && version != 37 {
		return false, 0
	}
	fileSize := binary.LittleEndian.Uint32(img[dexFileSizeOff : dexFileSizeOff+4])
	if fileSize < dexHeaderSize || int(fileSize) > len(img) {
		return false, 0
	}
	mapOff := binary.LittleEndian.Uint32(img[dexMapOffOff : dexMapOffOff+4])
	if mapOff < dexHeaderSize || int(mapOff)+4 > len(img) {
		return false, 0
	}
	listSize := binary.LittleEndian.Uint32(img[mapOff : mapOff+4])
	if listSize > dexMaxMapItems || int(mapOff)+4+int(listSize)*dexMapItemSize > len(img) {
		return false, 0
	}
	return true, int(fileSize)
}

type dexMapItem struct {
	size, offset uint32
}

type dexCodeItem struct {
	insnsOffset int
	insnsLen    int // bytes
}

// Dex disassembles DEX bytecode's rel16/rel32 branch displacements and
// const-string/const-class/check-cast/instance-of/new-instance/new-array/
// filled-new-array/invoke-*/iget*/iput*/sget*/sput* index operands, walking
// each code item's instruction stream the way the teacher's PE parser walks
// a section's bytes.
type Dex struct {
	translator *address.Translator

	stringIDOff, stringIDSize uint32
	typeIDOff, typeIDSize     uint32
	methodIDOff, methodIDSize uint32
	fieldIDOff, fieldIDSize   uint32

	codeItems []dexCodeItem
}

// NewDex parses img's header and map list, then walks its code item array
// to locate every method's instruction stream.
func NewDex(img []byte) (*Dex, error) {
	ok, _ := sniffDex(img)
	if !ok {
		return nil, ErrDexMagicNotFound
	}

	mapOff := binary.LittleEndian.Uint32(img[dexMapOffOff : dexMapOffOff+4])
	listSize := binary.LittleEndian.Uint32(img[mapOff : mapOff+4])

	items := make(map[uint16]dexMapItem, listSize)
	cursor := int(mapOff) + 4
	for i := uint32(0); i < listSize; i++ {
		if cursor+dexMapItemSize > len(img) {
			return nil, ErrDexTruncated
		}
		typ := binary.LittleEndian.Uint16(img[cursor : cursor+2])
		size := binary.LittleEndian.Uint32(img[cursor+4 : cursor+8])
		off := binary.LittleEndian.Uint32(img[cursor+8 : cursor+12])
		items[typ] = dexMapItem{size: size, offset: off}
		cursor += dexMapItemSize
	}

	codeItemsEntry, ok := items[dexTypeCodeItem]
	if !ok {
		return nil, ErrDexMissingMapItem
	}
	methodItems, ok := items[dexTypeMethodIDItem]
	if !ok {
		return nil, ErrDexMissingMapItem
	}
	stringItems, ok := items[dexTypeStringIDItem]
	if !ok {
		return nil, ErrDexMissingMapItem
	}
	typeItems, ok := items[dexTypeTypeIDItem]
	if !ok {
		return nil, ErrDexMissingMapItem
	}
	fieldItems, ok := items[dexTypeFieldIDItem]
	if !ok {
		return nil, ErrDexMissingMapItem
	}

	d := &Dex{
		stringIDOff: stringItems.offset, stringIDSize: stringItems.size,
		typeIDOff: typeItems.offset, typeIDSize: typeItems.size,
		methodIDOff: methodItems.offset, methodIDSize: methodItems.size,
		fieldIDOff: fieldItems.offset, fieldIDSize: fieldItems.size,
	}

	b := address.NewBuilder()
	if err := b.Add(address.Unit{OffsetBegin: 0, OffsetSize: uint32(len(img)), RVABegin: 0, RVASize: uint32(len(img))}); err != nil {
		return nil, err
	}
	translator, err := b.Build()
	if err != nil {
		return nil, err
	}
	d.translator = translator

	offset := int(codeItemsEntry.offset)
	for i := uint32(0); i < codeItemsEntry.size; i++ {
		offset = ceil4(offset)
		if offset+16 > len(img) {
			return nil, ErrDexTruncated
		}
		triesSize := binary.LittleEndian.Uint16(img[offset+6 : offset+8])
		insnsSize := binary.LittleEndian.Uint32(img[offset+12 : offset+16])
		insnsStart := offset + 16
		insnsBytes := int(insnsSize) * 2
		if insnsStart+insnsBytes > len(img) {
			return nil, ErrDexTruncated
		}
		d.codeItems = append(d.codeItems, dexCodeItem{insnsOffset: insnsStart, insnsLen: insnsBytes})

		next := ceil4(insnsStart + insnsBytes)
		if triesSize > 0 {
			next += int(triesSize) * 8 // TryItem is 8 bytes.
			if next > len(img) {
				return nil, ErrDexTruncated
			}
			handlerListSize, pos, err := readUleb128(img, next)
			if err != nil {
				return nil, err
			}
			for k := uint32(0); k < handlerListSize; k++ {
				size, p, err := readSleb128(img, pos)
				if err != nil {
					return nil, err
				}
				pos = p
				count := size
				if count < 0 {
					count = -count
				}
				for j := int32(0); j < count; j++ {
					_, pos, err = readUleb128(img, pos)
					if err != nil {
						return nil, err
					}
					_, pos, err = readUleb128(img, pos)
					if err != nil {
						return nil, err
					}
				}
				if size <= 0 {
					_, pos, err = readUleb128(img, pos)
					if err != nil {
						return nil, err
					}
				}
			}
			next = pos
		}
		offset = next
	}

	return d, nil
}

func ceil4(x int) int { return (x + 3) &^ 3 }

func readUleb128(data []byte, pos int) (uint32, int, error) {
	var result uint32
	var shift uint
	for i := 0; i < 5; i++ {
		if pos >= len(data) {
			return 0, 0, ErrDexTruncated
		}
		b := data[pos]
		pos++
		result |= uint32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return result, pos, nil
		}
	}
	return 0, 0, ErrDexTruncated
}

func readSleb128(data []byte, pos int) (int32, int, error) {
	var result uint32
	var shift uint
	for i := 0; i < 5; i++ {
		if pos >= len(data) {
			return 0, 0, ErrDexTruncated
		}
		b := data[pos]
		pos++
		result |= uint32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 32 && b&0x40 != 0 {
				result |= ^uint32(0) << shift
			}
			return int32(result), pos, nil
		}
	}
	return 0, 0, ErrDexTruncated
}

// Type returns element.TypeDEX.
func (d *Dex) Type() element.Type { return element.TypeDEX }

// Translator returns an identity translator: DEX references are expressed
// entirely in file-offset space, with no separate loaded-address layout.
func (d *Dex) Translator() *address.Translator { return d.translator }

// dexFormat mirrors the instruction-format classes (b/c/f/h/i/l/m/n/s/t/x)
// used by the Dalvik bytecode reference, collapsed down to the two that
// carry a reference operand (c: table index; t: branch displacement).
type dexFormat byte

const (
	dexFmtOther dexFormat = iota
	dexFmtC
	dexFmtT
)

type dexInstrInfo struct {
	canonical byte // first opcode of this instruction's variant range
	layout    byte // width in 16-bit code units
	format    dexFormat
	known     bool
}

var dexInstrTable [256]dexInstrInfo

func init() {
	type span struct {
		start  byte
		count  int
		layout byte
		format dexFormat
	}
	spans := []span{
		{0x00, 1, 1, dexFmtOther}, {0x01, 1, 1, dexFmtOther}, {0x02, 1, 2, dexFmtOther},
		{0x03, 1, 3, dexFmtOther}, {0x04, 1, 1, dexFmtOther}, {0x05, 1, 2, dexFmtOther},
		{0x06, 1, 3, dexFmtOther}, {0x07, 1, 1, dexFmtOther}, {0x08, 1, 2, dexFmtOther},
		{0x09, 1, 3, dexFmtOther}, {0x0A, 1, 1, dexFmtOther}, {0x0B, 1, 1, dexFmtOther},
		{0x0C, 1, 1, dexFmtOther}, {0x0D, 1, 1, dexFmtOther}, {0x0E, 1, 1, dexFmtOther},
		{0x0F, 1, 1, dexFmtOther}, {0x10, 1, 1, dexFmtOther}, {0x11, 1, 1, dexFmtOther},
		{0x12, 1, 1, dexFmtOther}, // const/4 (n)
		{0x13, 1, 2, dexFmtOther}, // const/16 (s)
		{0x14, 1, 3, dexFmtOther}, // const (i)
		{0x15, 1, 2, dexFmtOther}, // const/high16 (h)
		{0x16, 1, 2, dexFmtOther}, // const-wide/16 (s)
		{0x17, 1, 3, dexFmtOther}, // const-wide/32 (i)
		{0x18, 1, 5, dexFmtOther}, // const-wide (l)
		{0x19, 1, 2, dexFmtOther}, // const-wide/high16 (h)
		{0x1A, 1, 2, dexFmtC},     // const-string
		{0x1B, 1, 3, dexFmtC},     // const-string/jumbo
		{0x1C, 1, 2, dexFmtC},     // const-class
		{0x1D, 1, 1, dexFmtOther}, {0x1E, 1, 1, dexFmtOther},
		{0x1F, 1, 2, dexFmtC}, // check-cast
		{0x20, 1, 2, dexFmtC}, // instance-of
		{0x21, 1, 1, dexFmtOther},
		{0x22, 1, 2, dexFmtC}, // new-instance
		{0x23, 1, 2, dexFmtC}, // new-array
		{0x24, 1, 3, dexFmtC}, // filled-new-array
		{0x25, 1, 3, dexFmtC}, // filled-new-array/range
		{0x26, 1, 3, dexFmtT}, // fill-array-data
		{0x27, 1, 1, dexFmtOther},
		{0x28, 1, 1, dexFmtT}, // goto
		{0x29, 1, 2, dexFmtT}, // goto/16
		{0x2A, 1, 3, dexFmtT}, // goto/32
		{0x2B, 1, 3, dexFmtT}, // packed-switch
		{0x2C, 1, 3, dexFmtT}, // sparse-switch
		{0x2D, 5, 2, dexFmtOther},  // cmp*
		{0x32, 6, 2, dexFmtT},      // if-eq..if-le
		{0x38, 6, 2, dexFmtT},      // if-eqz..if-lez
		{0x44, 14, 2, dexFmtOther}, // aget/aput family
		{0x52, 14, 2, dexFmtC},     // iget/iput family
		{0x60, 14, 2, dexFmtC},     // sget/sput family
		{0x6e, 5, 3, dexFmtC},      // invoke-*
		{0x74, 5, 3, dexFmtC},      // invoke-*/range
		{0x7b, 21, 1, dexFmtOther}, // unary ops
		{0x90, 32, 2, dexFmtOther}, // binary ops
		{0xb0, 32, 1, dexFmtOther}, // binary/2addr
		{0xd0, 8, 2, dexFmtOther},  // binary/lit16
		{0xd8, 11, 2, dexFmtOther}, // binary/lit8
	}
	for _, s := range spans {
		for i := 0; i < s.count; i++ {
			dexInstrTable[int(s.start)+i] = dexInstrInfo{canonical: s.start, layout: s.layout, format: s.format, known: true}
		}
	}
}

// Parse walks every code item's instruction stream for rel16/rel32 branch
// displacements and table-index operands, per the spec's DEX parser
// paragraph: payload data (packed-switch, sparse-switch, fill-array-data)
// is skipped by tracking the maximum payload extent seen so far and ending
// the per-item walk once the cursor would reach it.
func (d *Dex) Parse(img []byte) (*image.Index, error) {
	idx := image.NewIndex(len(img))

	var rel16, rel32, stringID16, stringID32, typeID, methodID, fieldID []image.Reference

	for _, ci := range d.codeItems {
		payloadSize := 0
		pos := 0
		for pos < ci.insnsLen-payloadSize {
			op := img[ci.insnsOffset+pos]
			info := dexInstrTable[op]
			if !info.known {
				pos += 2
				continue
			}
			width := int(info.layout) * 2
			if pos+width > ci.insnsLen {
				break
			}
			loc := ci.insnsOffset + pos + 2
			stop := false

			switch info.format {
			case dexFmtT:
				switch info.canonical {
				case 0x26, 0x2A, 0x2B, 0x2C:
					disp := int32(binary.LittleEndian.Uint32(img[ci.insnsOffset+pos+2 : ci.insnsOffset+pos+6]))
					target := uint32(int64(ci.insnsOffset+pos) + int64(disp)*2)
					if int(target) < len(img) {
						rel32 = append(rel32, image.Reference{Location: loc, Target: target})
					}
					if info.canonical != 0x2A {
						deltaBytes := int(disp) * 2
						payloadStart := pos + deltaBytes
						if deltaBytes < 0 || payloadStart >= ci.insnsLen {
							stop = true
						} else if ci.insnsLen-payloadStart > payloadSize {
							payloadSize = ci.insnsLen - payloadStart
						}
					}
				case 0x29, 0x32, 0x38:
					disp := int32(int16(binary.LittleEndian.Uint16(img[ci.insnsOffset+pos+2 : ci.insnsOffset+pos+4])))
					target := uint32(int64(ci.insnsOffset+pos) + int64(disp)*2)
					if int(target) < len(img) {
						rel16 = append(rel16, image.Reference{Location: loc, Target: target})
					}
				}
			case dexFmtC:
				switch info.canonical {
				case 0x1A:
					i := binary.LittleEndian.Uint16(img[ci.insnsOffset+pos+2 : ci.insnsOffset+pos+4])
					if t, ok := d.stringTarget(uint32(i)); ok {
						stringID16 = append(stringID16, image.Reference{Location: loc, Target: t})
					}
				case 0x1B:
					i := binary.LittleEndian.Uint32(img[ci.insnsOffset+pos+2 : ci.insnsOffset+pos+6])
					if t, ok := d.stringTarget(i); ok {
						stringID32 = append(stringID32, image.Reference{Location: loc, Target: t})
					}
				case 0x1C, 0x1F, 0x20, 0x22, 0x23, 0x24, 0x25:
					i := binary.LittleEndian.Uint16(img[ci.insnsOffset+pos+2 : ci.insnsOffset+pos+4])
					if t, ok := d.typeTarget(uint32(i)); ok {
						typeID = append(typeID, image.Reference{Location: loc, Target: t})
					}
				case 0x6e, 0x74:
					i := binary.LittleEndian.Uint16(img[ci.insnsOffset+pos+2 : ci.insnsOffset+pos+4])
					if t, ok := d.methodTarget(uint32(i)); ok {
						methodID = append(methodID, image.Reference{Location: loc, Target: t})
					}
				case 0x52, 0x60:
					i := binary.LittleEndian.Uint16(img[ci.insnsOffset+pos+2 : ci.insnsOffset+pos+4])
					if t, ok := d.fieldTarget(uint32(i)); ok {
						fieldID = append(fieldID, image.Reference{Location: loc, Target: t})
					}
				}
			}

			pos += width
			if stop {
				break
			}
		}
	}

	relPool := image.NewTargetPool(reftype.PoolDexRel32)
	if len(rel16) > 0 {
		if err := idx.InsertReferenceSet(image.NewReferenceSet(reftype.TagDexRel16, relPool, rel16), 2); err != nil {
			return nil, err
		}
	}
	if len(rel32) > 0 {
		if err := idx.InsertReferenceSet(image.NewReferenceSet(reftype.TagDexRel32, relPool, rel32), 4); err != nil {
			return nil, err
		}
	}

	stringPool := image.NewTargetPool(reftype.PoolDexStringID)
	if len(stringID16) > 0 {
		if err := idx.InsertReferenceSet(image.NewReferenceSet(reftype.TagDexStringID16, stringPool, stringID16), 2); err != nil {
			return nil, err
		}
	}
	if len(stringID32) > 0 {
		if err := idx.InsertReferenceSet(image.NewReferenceSet(reftype.TagDexStringID32, stringPool, stringID32), 4); err != nil {
			return nil, err
		}
	}

	if len(typeID) > 0 {
		pool := image.NewTargetPool(reftype.PoolDexTypeID)
		if err := idx.InsertReferenceSet(image.NewReferenceSet(reftype.TagDexTypeID, pool, typeID), 2); err != nil {
			return nil, err
		}
	}
	if len(methodID) > 0 {
		pool := image.NewTargetPool(reftype.PoolDexMethodID)
		if err := idx.InsertReferenceSet(image.NewReferenceSet(reftype.TagDexMethodID, pool, methodID), 2); err != nil {
			return nil, err
		}
	}
	if len(fieldID) > 0 {
		pool := image.NewTargetPool(reftype.PoolDexFieldID)
		if err := idx.InsertReferenceSet(image.NewReferenceSet(reftype.TagDexFieldID, pool, fieldID), 2); err != nil {
			return nil, err
		}
	}

	return idx, nil
}

// Poke writes target back into the branch/index operand at loc,
// inverting whichever of stringTarget/typeTarget/methodTarget/
// fieldTarget or the branch-displacement math produced it.
func (d *Dex) Poke(img []byte, loc int, tag reftype.Tag, target uint32) error {
	switch tag {
	case reftype.TagDexRel16:
		ty := reftype.NewDexRel16()
		disp, ok := reftype.DexBranchDisplacementFor(uint32(loc-2), target)
		if !ok {
			return reftype.ErrDisplacementOverflow
		}
		code, err := ty.Encode(0, disp)
		if err != nil {
			return err
		}
		if loc < 0 || loc+2 > len(img) {
			return reftype.ErrOpcodeMismatch
		}
		binary.LittleEndian.PutUint16(img[loc:loc+2], uint16(code))
		return nil

	case reftype.TagDexRel32:
		ty := reftype.NewDexRel32()
		disp, ok := reftype.DexBranchDisplacementFor(uint32(loc-2), target)
		if !ok {
			return reftype.ErrDisplacementOverflow
		}
		code, err := ty.Encode(0, disp)
		if err != nil {
			return err
		}
		if loc < 0 || loc+4 > len(img) {
			return reftype.ErrOpcodeMismatch
		}
		binary.LittleEndian.PutUint16(img[loc:loc+2], uint16(code))
		binary.LittleEndian.PutUint16(img[loc+2:loc+4], uint16(code>>16))
		return nil

	case reftype.TagDexStringID16:
		return d.pokeIndex16(img, loc, reftype.NewDexStringID16(), target, d.stringIDOff, dexStringIDSize, d.stringIDSize)
	case reftype.TagDexTypeID:
		return d.pokeIndex16(img, loc, reftype.NewDexTypeID(), target, d.typeIDOff, dexTypeIDSize, d.typeIDSize)
	case reftype.TagDexMethodID:
		return d.pokeIndex16(img, loc, reftype.NewDexMethodID(), target, d.methodIDOff, dexMethodIDSize, d.methodIDSize)
	case reftype.TagDexFieldID:
		return d.pokeIndex16(img, loc, reftype.NewDexFieldID(), target, d.fieldIDOff, dexFieldIDSize, d.fieldIDSize)

	case reftype.TagDexStringID32:
		i, ok := dexIndexFor(target, d.stringIDOff, dexStringIDSize, d.stringIDSize)
		if !ok {
			return reftype.ErrDisplacementOverflow
		}
		ty := reftype.NewDexStringID32()
		code, err := ty.Encode(0, int32(i))
		if err != nil {
			return err
		}
		if loc < 0 || loc+4 > len(img) {
			return reftype.ErrOpcodeMismatch
		}
		binary.LittleEndian.PutUint16(img[loc:loc+2], uint16(code))
		binary.LittleEndian.PutUint16(img[loc+2:loc+4], uint16(code>>16))
		return nil

	default:
		return reftype.ErrOpcodeMismatch
	}
}

// dexIndexFor inverts the base+i*entrySize target-table arithmetic,
// rejecting targets that don't land exactly on an entry boundary.
func dexIndexFor(target, base, entrySize, count uint32) (uint32, bool) {
	if target < base {
		return 0, false
	}
	rel := target - base
	if rel%entrySize != 0 {
		return 0, false
	}
	i := rel / entrySize
	if i >= count {
		return 0, false
	}
	return i, true
}

func (d *Dex) pokeIndex16(img []byte, loc int, ty reftype.Type, target, base, entrySize, count uint32) error {
	i, ok := dexIndexFor(target, base, entrySize, count)
	if !ok {
		return reftype.ErrDisplacementOverflow
	}
	code, err := ty.Encode(0, int32(i))
	if err != nil {
		return err
	}
	if loc < 0 || loc+2 > len(img) {
		return reftype.ErrOpcodeMismatch
	}
	binary.LittleEndian.PutUint16(img[loc:loc+2], uint16(code))
	return nil
}

func (d *Dex) stringTarget(i uint32) (uint32, bool) {
	if i >= d.stringIDSize {
		return 0, false
	}
	return d.stringIDOff + i*dexStringIDSize, true
}

func (d *Dex) typeTarget(i uint32) (uint32, bool) {
	if i >= d.typeIDSize {
		return 0, false
	}
	return d.typeIDOff + i*dexTypeIDSize, true
}

func (d *Dex) methodTarget(i uint32) (uint32, bool) {
	if i >= d.methodIDSize {
		return 0, false
	}
	return d.methodIDOff + i*dexMethodIDSize, true
}

func (d *Dex) fieldTarget(i uint32) (uint32, bool) {
	if i >= d.fieldIDSize {
		return 0, false
	}
	return d.fieldIDOff + i*dexFieldIDSize, true
}

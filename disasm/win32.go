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

// PE constants, named after the teacher's ImageDOSHeader/ImageNtHeader
// conventions.
const (
	imageDOSSignature      = 0x5A4D // "MZ"
	imageNTSignature       = 0x00004550
	imageFileMachineI386   = 0x014c
	imageFileMachineAMD64  = 0x8664
	imageNTOptionalHdr32Magic = 0x10b
	imageNTOptionalHdr64Magic = 0x20b
	imageDirectoryEntryBaseReloc = 5
	imageNumberOfDirectoryEntries = 16
)

// PE-specific parse errors.
var (
	ErrDOSMagicNotFound   = errors.New("disasm: DOS magic not found")
	ErrInvalidElfanew     = errors.New("disasm: invalid e_lfanew value")
	ErrNTSignatureMissing = errors.New("disasm: PE signature not found")
	ErrUnsupportedMachine = errors.New("disasm: unsupported machine type")
)

type win32Sniffer struct{}

func (win32Sniffer) Type() element.Type { return TypeForMachine(imageFileMachineI386) }

func (win32Sniffer) Sniff(img []byte, offset int) (int, bool) {
	if offset != 0 {
		return 0, false
	}
	ok, size := sniffWin32(img)
	return size, ok
}

// sniffWin32 reports whether img begins with a well-formed PE image and,
// if so, its declared size (taken as the whole buffer — PE images are
// not embedded with a separately declared trailing size the way DEX
// declares file_size).
func sniffWin32(img []byte) (bool, int) {
	if len(img) < 0x40 {
		return false, 0
	}
	if binary.LittleEndian.Uint16(img[0:2]) != imageDOSSignature {
		return false, 0
	}
	lfanew := binary.LittleEndian.Uint32(img[0x3c:0x40])
	if lfanew < 4 || int(lfanew)+24 > len(img) {
		return false, 0
	}
	if binary.LittleEndian.Uint32(img[lfanew:lfanew+4]) != imageNTSignature {
		return false, 0
	}
	return true, len(img)
}

// Win32 disassembles a PE32/PE32+ image's abs32/abs64 relocations and
// x86/x64 rel32 branch instructions.
type Win32 struct {
	machine    uint16
	translator *address.Translator
}

// NewWin32 parses img's section table into an address translator and
// returns a Win32 disassembler.
func NewWin32(img []byte) (*Win32, error) {
	if len(img) < 0x40 || binary.LittleEndian.Uint16(img[0:2]) != imageDOSSignature {
		return nil, ErrDOSMagicNotFound
	}
	lfanew := binary.LittleEndian.Uint32(img[0x3c:0x40])
	if lfanew < 4 || int(lfanew)+24 > len(img) {
		return nil, ErrInvalidElfanew
	}
	if binary.LittleEndian.Uint32(img[lfanew:lfanew+4]) != imageNTSignature {
		return nil, ErrNTSignatureMissing
	}

	fileHeaderOff := int(lfanew) + 4
	machine := binary.LittleEndian.Uint16(img[fileHeaderOff : fileHeaderOff+2])
	if machine != imageFileMachineI386 && machine != imageFileMachineAMD64 {
		return nil, ErrUnsupportedMachine
	}
	numSections := int(binary.LittleEndian.Uint16(img[fileHeaderOff+2 : fileHeaderOff+4]))
	sizeOptHeader := int(binary.LittleEndian.Uint16(img[fileHeaderOff+16 : fileHeaderOff+18]))

	sectionTableOff := fileHeaderOff + 20 + sizeOptHeader

	b := address.NewBuilder()
	type section struct {
		virtualSize, virtualAddress, sizeOfRawData, pointerToRawData uint32
		characteristics                                              uint32
	}
	sections := make([]section, 0, numSections)
	for i := 0; i < numSections; i++ {
		off := sectionTableOff + i*40
		if off+40 > len(img) {
			break
		}
		s := section{
			virtualSize:      binary.LittleEndian.Uint32(img[off+8 : off+12]),
			virtualAddress:   binary.LittleEndian.Uint32(img[off+12 : off+16]),
			sizeOfRawData:    binary.LittleEndian.Uint32(img[off+16 : off+20]),
			pointerToRawData: binary.LittleEndian.Uint32(img[off+20 : off+24]),
			characteristics:  binary.LittleEndian.Uint32(img[off+36 : off+40]),
		}
		sections = append(sections, s)

		offsetSize := s.sizeOfRawData
		rvaSize := s.virtualSize
		if rvaSize < offsetSize {
			rvaSize = offsetSize
		}
		if s.virtualAddress == 0 && offsetSize == 0 {
			continue
		}
		b.Add(address.Unit{
			OffsetBegin: s.pointerToRawData,
			OffsetSize:  offsetSize,
			RVABegin:    s.virtualAddress,
			RVASize:     rvaSize,
		})
	}

	translator, err := b.Build()
	if err != nil {
		return nil, err
	}

	return &Win32{machine: machine, translator: translator}, nil
}

// Type returns TypeWin32X86 or TypeWin32X64 depending on the parsed
// machine type.
func (w *Win32) Type() element.Type { return TypeForMachine(w.machine) }

// Translator returns the address translator built from the section
// table.
func (w *Win32) Translator() *address.Translator { return w.translator }

// TypeForMachine maps a PE machine constant to its executable-type
// enum value.
func TypeForMachine(machine uint16) element.Type {
	if machine == imageFileMachineAMD64 {
		return element.TypeWin32X64
	}
	return element.TypeWin32X86
}

// Parse builds the image index for img: abs32/abs64 references from
// the base relocation table, plus rel32 references found by scanning
// every byte of the image not claimed by one of those references.
func (w *Win32) Parse(img []byte) (*image.Index, error) {
	idx := image.NewIndex(len(img))
	width := 4
	if w.machine == imageFileMachineAMD64 {
		width = 8
	}

	relocRefs, err := w.parseBaseRelocations(img)
	if err != nil {
		return nil, err
	}
	if len(relocRefs) > 0 {
		pool := image.NewTargetPool(reftype.PoolX86Abs32)
		tag := reftype.TagX86Abs32
		if width == 8 {
			pool = image.NewTargetPool(reftype.PoolX64Abs64)
			tag = reftype.TagX64Abs64
		}
		set := image.NewReferenceSet(tag, pool, relocRefs)
		if err := idx.InsertReferenceSet(set, width); err != nil {
			return nil, err
		}
	}

	rel32Refs := w.findRel32(img, idx)
	if len(rel32Refs) > 0 {
		pool := image.NewTargetPool(reftype.PoolX86Rel32)
		set := image.NewReferenceSet(reftype.TagX86Rel32, pool, rel32Refs)
		if err := idx.InsertReferenceSet(set, 4); err != nil {
			return nil, err
		}
	}

	return idx, nil
}

// Poke writes target back into an abs32/abs64/rel32 operand at loc,
// using the translator to convert target into the same RVA space Parse
// read the reference in.
func (w *Win32) Poke(img []byte, loc int, tag reftype.Tag, target uint32) error {
	targetRVA, err := w.translator.OffsetToRVA(target)
	if err != nil {
		return err
	}

	switch tag {
	case reftype.TagX86Abs32:
		ty := reftype.NewX86Abs32()
		code, err := ty.Encode(0, int32(targetRVA))
		if err != nil {
			return err
		}
		if loc < 0 || loc+4 > len(img) {
			return reftype.ErrOpcodeMismatch
		}
		binary.LittleEndian.PutUint32(img[loc:loc+4], code)
		return nil

	case reftype.TagX64Abs64:
		ty := reftype.NewX64Abs64()
		code, err := ty.Encode(0, int32(targetRVA))
		if err != nil {
			return err
		}
		if loc < 0 || loc+8 > len(img) {
			return reftype.ErrOpcodeMismatch
		}
		binary.LittleEndian.PutUint32(img[loc:loc+4], code)
		return nil

	case reftype.TagX86Rel32:
		ty := reftype.NewX86Rel32()
		base, err := ty.Fetch(img, loc)
		if err != nil {
			return err
		}
		instrEndRVA, err := w.translator.OffsetToRVA(uint32(loc + 4))
		if err != nil {
			return err
		}
		disp, ok := reftype.X86DisplacementFor(instrEndRVA, targetRVA)
		if !ok {
			return reftype.ErrDisplacementOverflow
		}
		code, err := ty.Encode(base, disp)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(img[loc:loc+4], code)
		return nil

	default:
		return reftype.ErrOpcodeMismatch
	}
}

// parseBaseRelocations walks the .reloc directory (type HIGHLOW=3 for
// 32-bit abs32, DIR64=10 for 64-bit abs64), converting each entry's RVA
// to a file offset via the translator.
func (w *Win32) parseBaseRelocations(img []byte) ([]image.Reference, error) {
	// Locating the data directory requires re-deriving its offset; for
	// simplicity this walks the optional header fields directly rather
	// than keeping them on Win32, since only the relocation directory
	// entry is needed post-construction.
	if len(img) < 0x40 {
		return nil, nil
	}
	lfanew := binary.LittleEndian.Uint32(img[0x3c:0x40])
	fileHeaderOff := int(lfanew) + 4
	sizeOptHeader := int(binary.LittleEndian.Uint16(img[fileHeaderOff+16 : fileHeaderOff+18]))
	optHeaderOff := fileHeaderOff + 20
	if sizeOptHeader < 2 || optHeaderOff+2 > len(img) {
		return nil, nil
	}
	magic := binary.LittleEndian.Uint16(img[optHeaderOff : optHeaderOff+2])

	var dataDirOff int
	switch magic {
	case imageNTOptionalHdr32Magic:
		dataDirOff = optHeaderOff + 96
	case imageNTOptionalHdr64Magic:
		dataDirOff = optHeaderOff + 112
	default:
		return nil, nil
	}
	entryOff := dataDirOff + imageDirectoryEntryBaseReloc*8
	if entryOff+8 > len(img) {
		return nil, nil
	}
	relocRVA := binary.LittleEndian.Uint32(img[entryOff : entryOff+4])
	relocSize := binary.LittleEndian.Uint32(img[entryOff+4 : entryOff+8])
	if relocRVA == 0 || relocSize == 0 {
		return nil, nil
	}

	relocOff, err := w.translator.RVAToOffset(relocRVA)
	if err != nil {
		return nil, nil
	}

	var refs []image.Reference
	cursor := int(relocOff)
	end := cursor + int(relocSize)
	for cursor+8 <= len(img) && cursor < end {
		pageRVA := binary.LittleEndian.Uint32(img[cursor : cursor+4])
		blockSize := binary.LittleEndian.Uint32(img[cursor+4 : cursor+8])
		if blockSize < 8 || cursor+int(blockSize) > len(img) {
			break
		}
		numEntries := (int(blockSize) - 8) / 2
		for i := 0; i < numEntries; i++ {
			entOff := cursor + 8 + i*2
			ent := binary.LittleEndian.Uint16(img[entOff : entOff+2])
			typ := ent >> 12
			relOff := uint32(ent & 0x0fff)
			if typ != 3 && typ != 10 {
				continue
			}
			locRVA := pageRVA + relOff
			locOffset, err := w.translator.RVAToOffset(locRVA)
			if err != nil {
				continue
			}
			width := 4
			if typ == 10 {
				width = 8
			}
			if int(locOffset)+width > len(img) {
				continue
			}
			var targetRVA uint32
			if width == 4 {
				targetRVA = binary.LittleEndian.Uint32(img[locOffset : int(locOffset)+4])
			} else {
				targetRVA = uint32(binary.LittleEndian.Uint64(img[locOffset : int(locOffset)+8]))
			}
			targetOffset, err := w.translator.RVAToOffset(targetRVA)
			if err != nil {
				continue
			}
			refs = append(refs, image.Reference{Location: int(locOffset), Target: targetOffset})
		}
		cursor += int(blockSize)
	}
	return refs, nil
}

// findRel32 scans the whole image, skipping bytes already claimed by an
// abs32/abs64 reference, for CALL rel32 (0xE8) and JMP rel32 (0xE9)
// opcodes, converting candidates to RVA space via the translator and
// accepting a candidate only when its decoded target translates to an
// offset within the image. The scan is not limited to executable
// sections: headers and data sections are swept as well.
func (w *Win32) findRel32(img []byte, idx *image.Index) []image.Reference {
	var refs []image.Reference
	ty := reftype.NewX86Rel32()

	pos := 0
	for pos < len(img) {
		if idx.TypeAt(pos) != image.NoTag {
			pos++
			continue
		}
		if pos+5 > len(img) {
			break
		}
		opcode := img[pos]
		if opcode != 0xE8 && opcode != 0xE9 {
			pos++
			continue
		}
		code, err := ty.Fetch(img, pos+1)
		if err != nil {
			pos++
			continue
		}
		disp, err := ty.Decode(code)
		if err != nil {
			pos++
			continue
		}

		instrEndRVA, err := w.translator.OffsetToRVA(uint32(pos + 5))
		if err != nil {
			pos++
			continue
		}
		targetRVA := reftype.X86TargetRVA(instrEndRVA, disp)
		targetOffset, err := w.translator.RVAToOffset(targetRVA)
		if err != nil || int(targetOffset) >= len(img) {
			pos++
			continue
		}

		refs = append(refs, image.Reference{Location: pos + 1, Target: targetOffset})
		pos += 5
	}
	return refs
}

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

// ELF e_machine values this disassembler recognizes.
const (
	elfMachineX86    = 3
	elfMachine386    = 3
	elfMachineARM    = 40
	elfMachineX86_64 = 62
	elfMachineAArch64 = 183

	elfSectionExecInstr = 0x4 // SHF_EXECINSTR
)

// ErrUnsupportedELFMachine is returned when e_machine names an
// architecture outside x86/x64/ARM32/AArch64.
var ErrUnsupportedELFMachine = errors.New("disasm: unsupported ELF machine")

type elfSniffer struct{}

func (elfSniffer) Type() element.Type { return element.TypeELFX86 }

func (elfSniffer) Sniff(img []byte, offset int) (int, bool) {
	if offset != 0 {
		return 0, false
	}
	ok, _ := sniffELF(img)
	return len(img), ok
}

func sniffELF(img []byte) (bool, int) {
	if len(img) < 64 {
		return false, 0
	}
	return img[0] == 0x7f && img[1] == 'E' && img[2] == 'L' && img[3] == 'F', len(img)
}

// ELF disassembles x86/x64/ARM32/AArch64 ELF images: abs32/abs64
// references are left to relocation sections (not modeled here — most
// ELF executables are non-PIE with relocations stripped), and rel32/
// ARM/AArch64 branch references are found by scanning executable
// sections.
type ELF struct {
	is64       bool
	machine    uint16
	translator *address.Translator
	sections   []elfSection
}

type elfSection struct {
	addr, offset, size uint64
	flags              uint64
}

// NewELF parses img's section header table into an address translator.
func NewELF(img []byte) (*ELF, error) {
	ok, _ := sniffELF(img)
	if !ok {
		return nil, errors.New("disasm: not an ELF image")
	}
	is64 := img[4] == 2

	var machine uint16
	var shoff uint64
	var shentsize, shnum uint16

	if is64 {
		if len(img) < 64 {
			return nil, errors.New("disasm: truncated ELF64 header")
		}
		machine = binary.LittleEndian.Uint16(img[18:20])
		shoff = binary.LittleEndian.Uint64(img[40:48])
		shentsize = binary.LittleEndian.Uint16(img[58:60])
		shnum = binary.LittleEndian.Uint16(img[60:62])
	} else {
		if len(img) < 52 {
			return nil, errors.New("disasm: truncated ELF32 header")
		}
		machine = binary.LittleEndian.Uint16(img[18:20])
		shoff = uint64(binary.LittleEndian.Uint32(img[32:36]))
		shentsize = binary.LittleEndian.Uint16(img[46:48])
		shnum = binary.LittleEndian.Uint16(img[48:50])
	}

	switch machine {
	case elfMachineX86, elfMachineARM, elfMachineX86_64, elfMachineAArch64:
	default:
		return nil, ErrUnsupportedELFMachine
	}

	b := address.NewBuilder()
	var sections []elfSection
	for i := 0; i < int(shnum); i++ {
		off := int(shoff) + i*int(shentsize)
		if off+64 > len(img) {
			break
		}
		var addr, foffset, size, flags uint64
		if is64 {
			flags = binary.LittleEndian.Uint64(img[off+8 : off+16])
			addr = binary.LittleEndian.Uint64(img[off+16 : off+24])
			foffset = binary.LittleEndian.Uint64(img[off+24 : off+32])
			size = binary.LittleEndian.Uint64(img[off+32 : off+40])
		} else {
			if off+40 > len(img) {
				break
			}
			flags = uint64(binary.LittleEndian.Uint32(img[off+8 : off+12]))
			addr = uint64(binary.LittleEndian.Uint32(img[off+12 : off+16]))
			foffset = uint64(binary.LittleEndian.Uint32(img[off+16 : off+20]))
			size = uint64(binary.LittleEndian.Uint32(img[off+20 : off+24]))
		}
		if addr == 0 || size == 0 {
			continue
		}
		sections = append(sections, elfSection{addr: addr, offset: foffset, size: size, flags: flags})
		b.Add(address.Unit{
			OffsetBegin: uint32(foffset),
			OffsetSize:  uint32(size),
			RVABegin:    uint32(addr),
			RVASize:     uint32(size),
		})
	}

	translator, err := b.Build()
	if err != nil {
		return nil, err
	}

	return &ELF{is64: is64, machine: machine, translator: translator, sections: sections}, nil
}

// Type returns the executable type matching the parsed e_machine.
func (e *ELF) Type() element.Type {
	switch e.machine {
	case elfMachineX86_64:
		return element.TypeELFX64
	case elfMachineARM:
		return element.TypeELFARM32
	case elfMachineAArch64:
		return element.TypeELFAArch64
	default:
		return element.TypeELFX86
	}
}

// Translator returns the address translator built from the section
// header table.
func (e *ELF) Translator() *address.Translator { return e.translator }

// Parse scans executable sections for architecture-specific branch
// references.
func (e *ELF) Parse(img []byte) (*image.Index, error) {
	idx := image.NewIndex(len(img))

	var refs []image.Reference
	var tag reftype.Tag
	var poolTag reftype.Pool
	width := 4

	for _, s := range e.sections {
		if s.flags&elfSectionExecInstr == 0 {
			continue
		}
		start, end := int(s.offset), int(s.offset+s.size)
		if end > len(img) {
			end = len(img)
		}
		if start >= end {
			continue
		}

		switch e.machine {
		case elfMachineX86, elfMachineX86_64:
			tag, poolTag = reftype.TagX86Rel32, reftype.PoolX86Rel32
			refs = append(refs, e.findX86Rel32(img, idx, start, end)...)
		case elfMachineARM:
			thumb2 := detectARMMode(img[start:end])
			if thumb2 {
				tag, poolTag = reftype.TagThumb2BL, reftype.PoolARMRel32
				refs = append(refs, e.findThumb2BL(img, idx, start, end)...)
			} else {
				tag, poolTag = reftype.TagARMA24, reftype.PoolARMRel32
				refs = append(refs, e.findARMA24(img, idx, start, end)...)
			}
		case elfMachineAArch64:
			tag, poolTag = reftype.TagAArch64Immd26, reftype.PoolAArch64
			refs = append(refs, e.findAArch64Immd26(img, idx, start, end)...)
		}
	}

	if len(refs) > 0 {
		pool := image.NewTargetPool(poolTag)
		set := image.NewReferenceSet(tag, pool, refs)
		if err := idx.InsertReferenceSet(set, width); err != nil {
			return nil, err
		}
	}

	return idx, nil
}

// Poke writes target back into the rel32/branch operand at loc,
// dispatching on tag the same way Parse dispatches on e.machine.
func (e *ELF) Poke(img []byte, loc int, tag reftype.Tag, target uint32) error {
	targetRVA, err := e.translator.OffsetToRVA(target)
	if err != nil {
		return err
	}

	switch tag {
	case reftype.TagX86Rel32:
		ty := reftype.NewX86Rel32()
		base, err := ty.Fetch(img, loc)
		if err != nil {
			return err
		}
		instrEndRVA, err := e.translator.OffsetToRVA(uint32(loc + 4))
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

	case reftype.TagARMA24:
		ty := reftype.NewARMA24()
		base, err := ty.Fetch(img, loc)
		if err != nil {
			return err
		}
		instrRVA, err := e.translator.OffsetToRVA(uint32(loc))
		if err != nil {
			return err
		}
		disp, ok := reftype.ARMDisplacementFor(instrRVA, targetRVA, 4)
		if !ok {
			return reftype.ErrDisplacementOverflow
		}
		code, err := ty.Encode(base, disp)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(img[loc:loc+4], code)
		return nil

	case reftype.TagThumb2BL:
		ty := reftype.NewThumb2BL()
		base, err := ty.Fetch(img, loc)
		if err != nil {
			return err
		}
		instrRVA, err := e.translator.OffsetToRVA(uint32(loc))
		if err != nil {
			return err
		}
		disp, ok := reftype.Thumb2DisplacementFor(instrRVA, targetRVA, 2)
		if !ok {
			return reftype.ErrDisplacementOverflow
		}
		code, err := ty.Encode(base, disp)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint16(img[loc:loc+2], uint16(code>>16))
		binary.LittleEndian.PutUint16(img[loc+2:loc+4], uint16(code&0xffff))
		return nil

	case reftype.TagAArch64Immd26:
		ty := reftype.NewAArch64Immd26()
		base, err := ty.Fetch(img, loc)
		if err != nil {
			return err
		}
		instrRVA, err := e.translator.OffsetToRVA(uint32(loc))
		if err != nil {
			return err
		}
		disp, ok := reftype.AArch64DisplacementFor(instrRVA, targetRVA)
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

func (e *ELF) findX86Rel32(img []byte, idx *image.Index, start, end int) []image.Reference {
	var refs []image.Reference
	ty := reftype.NewX86Rel32()
	for pos := start; pos < end; pos++ {
		if idx.TypeAt(pos) != image.NoTag {
			continue
		}
		if pos+5 > end {
			break
		}
		opcode := img[pos]
		if opcode != 0xE8 && opcode != 0xE9 {
			continue
		}
		code, err := ty.Fetch(img, pos+1)
		if err != nil {
			continue
		}
		disp, err := ty.Decode(code)
		if err != nil {
			continue
		}
		instrEndRVA, err := e.translator.OffsetToRVA(uint32(pos + 5))
		if err != nil {
			continue
		}
		targetRVA := reftype.X86TargetRVA(instrEndRVA, disp)
		targetOffset, err := e.translator.RVAToOffset(targetRVA)
		if err != nil {
			continue
		}
		refs = append(refs, image.Reference{Location: pos + 1, Target: targetOffset})
	}
	return refs
}

func (e *ELF) findARMA24(img []byte, idx *image.Index, start, end int) []image.Reference {
	var refs []image.Reference
	ty := reftype.NewARMA24()
	for pos := start; pos+4 <= end; pos += 4 {
		if idx.TypeAt(pos) != image.NoTag {
			continue
		}
		code, err := ty.Fetch(img, pos)
		if err != nil {
			continue
		}
		disp, err := ty.Decode(code)
		if err != nil {
			continue
		}
		instrRVA, err := e.translator.OffsetToRVA(uint32(pos))
		if err != nil {
			continue
		}
		targetRVA := reftype.ARMTargetRVA(instrRVA, disp, 4)
		targetOffset, err := e.translator.RVAToOffset(targetRVA)
		if err != nil {
			continue
		}
		refs = append(refs, image.Reference{Location: pos, Target: targetOffset})
	}
	return refs
}

func (e *ELF) findThumb2BL(img []byte, idx *image.Index, start, end int) []image.Reference {
	var refs []image.Reference
	ty := reftype.NewThumb2BL()
	for pos := start; pos+4 <= end; pos += 2 {
		if idx.TypeAt(pos) != image.NoTag {
			continue
		}
		code, err := ty.Fetch(img, pos)
		if err != nil {
			continue
		}
		disp, err := ty.Decode(code)
		if err != nil {
			continue
		}
		instrRVA, err := e.translator.OffsetToRVA(uint32(pos))
		if err != nil {
			continue
		}
		targetRVA := reftype.Thumb2TargetRVA(instrRVA, disp, 2)
		targetOffset, err := e.translator.RVAToOffset(targetRVA)
		if err != nil {
			continue
		}
		refs = append(refs, image.Reference{Location: pos, Target: targetOffset})
	}
	return refs
}

func (e *ELF) findAArch64Immd26(img []byte, idx *image.Index, start, end int) []image.Reference {
	var refs []image.Reference
	ty := reftype.NewAArch64Immd26()
	for pos := start; pos+4 <= end; pos += 4 {
		if idx.TypeAt(pos) != image.NoTag {
			continue
		}
		code, err := ty.Fetch(img, pos)
		if err != nil {
			continue
		}
		disp, err := ty.Decode(code)
		if err != nil {
			continue
		}
		instrRVA, err := e.translator.OffsetToRVA(uint32(pos))
		if err != nil {
			continue
		}
		targetRVA := reftype.AArch64TargetRVA(instrRVA, disp)
		targetOffset, err := e.translator.RVAToOffset(targetRVA)
		if err != nil {
			continue
		}
		refs = append(refs, image.Reference{Location: pos, Target: targetOffset})
	}
	return refs
}

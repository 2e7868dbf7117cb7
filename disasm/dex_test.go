package disasm

import (
	"encoding/binary"
	"testing"

	"github.com/saferwall/zucchini/element"
	"github.com/saferwall/zucchini/image"
	"github.com/saferwall/zucchini/reftype"
)

// buildMinimalDex assembles a synthetic DEX image with one string id, one
// type id, one field id, one method id, and one code item containing
// const-string, goto/16, invoke-virtual and return-void — enough to
// exercise a string-index, a rel16 branch and a method-index reference.
func buildMinimalDex() []byte {
	const (
		stringIDsOff = 112
		typeIDsOff   = 116
		fieldIDsOff  = 120
		methodIDsOff = 128
		codeItemOff  = 136
		mapOff       = 168
		fileSize     = 232
	)

	img := make([]byte, fileSize)

	copy(img[0:8], []byte("dex\n035\x00"))
	binary.LittleEndian.PutUint32(img[32:36], fileSize)
	binary.LittleEndian.PutUint32(img[36:40], 112)
	binary.LittleEndian.PutUint32(img[52:56], mapOff)
	binary.LittleEndian.PutUint32(img[56:60], 1)
	binary.LittleEndian.PutUint32(img[60:64], stringIDsOff)
	binary.LittleEndian.PutUint32(img[64:68], 1)
	binary.LittleEndian.PutUint32(img[68:72], typeIDsOff)
	binary.LittleEndian.PutUint32(img[80:84], 1)
	binary.LittleEndian.PutUint32(img[84:88], fieldIDsOff)
	binary.LittleEndian.PutUint32(img[88:92], 1)
	binary.LittleEndian.PutUint32(img[92:96], methodIDsOff)

	// One StringIdItem (string_data_off, unused by the disassembler).
	binary.LittleEndian.PutUint32(img[stringIDsOff:stringIDsOff+4], 0)
	// One TypeIdItem (descriptor_idx).
	binary.LittleEndian.PutUint32(img[typeIDsOff:typeIDsOff+4], 0)
	// One FieldIdItem (class_idx u16, type_idx u16, name_idx u32).
	binary.LittleEndian.PutUint16(img[fieldIDsOff:fieldIDsOff+2], 0)
	binary.LittleEndian.PutUint16(img[fieldIDsOff+2:fieldIDsOff+4], 0)
	binary.LittleEndian.PutUint32(img[fieldIDsOff+4:fieldIDsOff+8], 0)
	// One MethodIdItem (class_idx u16, proto_idx u16, name_idx u32).
	binary.LittleEndian.PutUint16(img[methodIDsOff:methodIDsOff+2], 0)
	binary.LittleEndian.PutUint16(img[methodIDsOff+2:methodIDsOff+4], 0)
	binary.LittleEndian.PutUint32(img[methodIDsOff+4:methodIDsOff+8], 0)

	// CodeItem header: registers_size, ins_size, outs_size, tries_size,
	// debug_info_off, insns_size.
	binary.LittleEndian.PutUint16(img[codeItemOff:codeItemOff+2], 1)
	binary.LittleEndian.PutUint16(img[codeItemOff+2:codeItemOff+4], 0)
	binary.LittleEndian.PutUint16(img[codeItemOff+4:codeItemOff+6], 1)
	binary.LittleEndian.PutUint16(img[codeItemOff+6:codeItemOff+8], 0)
	binary.LittleEndian.PutUint32(img[codeItemOff+8:codeItemOff+12], 0)
	binary.LittleEndian.PutUint32(img[codeItemOff+12:codeItemOff+16], 8) // 8 code units

	insns := codeItemOff + 16
	// const-string v0, string@0
	img[insns+0] = 0x1A
	img[insns+1] = 0x00
	binary.LittleEndian.PutUint16(img[insns+2:insns+4], 0)
	// goto/16 +3 (code units from the goto/16 opcode; the target,
	// insns+10, is only decoded here, never executed)
	img[insns+4] = 0x29
	img[insns+5] = 0x00
	binary.LittleEndian.PutUint16(img[insns+6:insns+8], 3)
	// invoke-virtual {v0}, method@0
	img[insns+8] = 0x6e
	img[insns+9] = 0x10
	binary.LittleEndian.PutUint16(img[insns+10:insns+12], 0)
	img[insns+12] = 0x00
	img[insns+13] = 0x00
	// return-void
	img[insns+14] = 0x0E
	img[insns+15] = 0x00

	// MapList: 5 entries.
	binary.LittleEndian.PutUint32(img[mapOff:mapOff+4], 5)
	writeMapItem := func(i int, typ uint16, size, offset uint32) {
		off := mapOff + 4 + i*12
		binary.LittleEndian.PutUint16(img[off:off+2], typ)
		binary.LittleEndian.PutUint32(img[off+4:off+8], size)
		binary.LittleEndian.PutUint32(img[off+8:off+12], offset)
	}
	writeMapItem(0, dexTypeStringIDItem, 1, stringIDsOff)
	writeMapItem(1, dexTypeTypeIDItem, 1, typeIDsOff)
	writeMapItem(2, dexTypeFieldIDItem, 1, fieldIDsOff)
	writeMapItem(3, dexTypeMethodIDItem, 1, methodIDsOff)
	writeMapItem(4, dexTypeCodeItem, 1, codeItemOff)

	return img
}

func TestSniffDexAcceptsValidHeader(t *testing.T) {
	img := buildMinimalDex()
	ok, size := sniffDex(img)
	if !ok {
		t.Fatal("sniffDex rejected a well-formed image")
	}
	if size != len(img) {
		t.Fatalf("sniffDex size = %d, want %d", size, len(img))
	}
}

func TestSniffDexRejectsBadVersion(t *testing.T) {
	img := buildMinimalDex()
	img[4], img[5], img[6] = '9', '9', '9'
	if ok, _ := sniffDex(img); ok {
		t.Fatal("sniffDex accepted an unsupported version")
	}
}

func TestSniffDexRejectsBadMagic(t *testing.T) {
	img := buildMinimalDex()
	img[0] = 'X'
	if ok, _ := sniffDex(img); ok {
		t.Fatal("sniffDex accepted a bad magic")
	}
}

func TestNewDexRequiresMapItems(t *testing.T) {
	img := buildMinimalDex()
	// Corrupt the map list so it declares zero entries; required items
	// (code/string/type/field/method) then go missing.
	binary.LittleEndian.PutUint32(img[168:172], 0)
	if _, err := NewDex(img); err != ErrDexMissingMapItem {
		t.Fatalf("NewDex = %v, want ErrDexMissingMapItem", err)
	}
}

func TestDexParseFindsReferences(t *testing.T) {
	img := buildMinimalDex()
	d, err := NewDex(img)
	if err != nil {
		t.Fatalf("NewDex: %v", err)
	}
	if d.Type() != element.TypeDEX {
		t.Fatalf("Type() = %v, want TypeDEX", d.Type())
	}

	idx, err := d.Parse(img)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	const insns = 152 // codeItemOff(136) + 16

	if tag := idx.TypeAt(insns + 2); tag != reftype.TagDexStringID16 {
		t.Fatalf("TypeAt(const-string operand) = %v, want TagDexStringID16", tag)
	}
	if tag := idx.TypeAt(insns + 6); tag != reftype.TagDexRel16 {
		t.Fatalf("TypeAt(goto/16 operand) = %v, want TagDexRel16", tag)
	}
	if tag := idx.TypeAt(insns + 10); tag != reftype.TagDexMethodID {
		t.Fatalf("TypeAt(invoke-virtual operand) = %v, want TagDexMethodID", tag)
	}

	key, tag, ok := idx.KeyAt(insns + 6)
	if !ok || tag != reftype.TagDexRel16 {
		t.Fatalf("KeyAt(goto/16) = %d, %v, %v", key, tag, ok)
	}
	set := idx.ReferenceSetFor(reftype.TagDexRel16)
	target, ok := set.Pool().OffsetOf(key)
	if !ok {
		t.Fatal("goto/16 target not found in pool")
	}
	// instruction offset (insns+4) + disp(3)*2 == insns+10.
	if target != uint32(insns+10) {
		t.Fatalf("goto/16 target = %d, want %d", target, insns+10)
	}

	if set := idx.ReferenceSetFor(reftype.TagDexStringID16); set == nil || set.Len() != 1 {
		t.Fatal("expected one const-string reference")
	}
	if set := idx.ReferenceSetFor(reftype.TagDexMethodID); set == nil || set.Len() != 1 {
		t.Fatal("expected one invoke-virtual reference")
	}

	if tag := idx.TypeAt(insns); tag != image.NoTag {
		t.Fatalf("TypeAt(opcode byte) = %v, want NoTag", tag)
	}
}

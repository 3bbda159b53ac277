package asmarm64

import "encoding/binary"

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// MovzImm16 encodes `MOVZ Xd, #imm16, LSL #(16*hw)`.
func MovzImm16(rd int, imm16 uint16, hw uint8) []byte {
	word := uint32(0xD2800000) | uint32(hw&0x3)<<21 | uint32(imm16)<<5 | uint32(rd)
	return le32(word)
}

// MovkImm16 encodes `MOVK Xd, #imm16, LSL #(16*hw)`.
func MovkImm16(rd int, imm16 uint16, hw uint8) []byte {
	word := uint32(0xF2800000) | uint32(hw&0x3)<<21 | uint32(imm16)<<5 | uint32(rd)
	return le32(word)
}

// LdrImm encodes `LDR Xt, [Xn, #imm12*8]` (unsigned offset form).
func LdrImm(rt, rn int, imm12 uint16) []byte {
	word := uint32(0xF9400000) | uint32(imm12&0xFFF)<<10 | uint32(rn)<<5 | uint32(rt)
	return le32(word)
}

// StrImm encodes `STR Xt, [Xn, #imm12*8]`.
func StrImm(rt, rn int, imm12 uint16) []byte {
	word := uint32(0xF9000000) | uint32(imm12&0xFFF)<<10 | uint32(rn)<<5 | uint32(rt)
	return le32(word)
}

// MovReg encodes `MOV Xd, Xm` (ORR Xd, XZR, Xm alias).
func MovReg(rd, rm int) []byte {
	word := uint32(0xAA0003E0) | uint32(rm)<<16 | uint32(rd)
	return le32(word)
}

// Cbz encodes `CBZ Xt, #imm19` with the branch distance (in instructions)
// baked at encode time; branch rules only ever use it for short local
// skips whose length they just emitted.
func Cbz(rt int, instOffset int32) []byte {
	word := uint32(0xB4000000) | (uint32(instOffset)&0x7FFFF)<<5 | uint32(rt)
	return le32(word)
}

// Cbnz encodes `CBNZ Xt, #imm19`.
func Cbnz(rt int, instOffset int32) []byte {
	word := uint32(0xB5000000) | (uint32(instOffset)&0x7FFFF)<<5 | uint32(rt)
	return le32(word)
}

// Tbz encodes `TBZ Xt, #bit, #imm14`.
func Tbz(rt, bit int, instOffset int32) []byte {
	word := uint32(0x36000000) | uint32(bit&0x20)<<26 | uint32(bit&0x1F)<<19 |
		(uint32(instOffset)&0x3FFF)<<5 | uint32(rt)
	return le32(word)
}

// Tbnz encodes `TBNZ Xt, #bit, #imm14`.
func Tbnz(rt, bit int, instOffset int32) []byte {
	word := uint32(0x37000000) | uint32(bit&0x20)<<26 | uint32(bit&0x1F)<<19 |
		(uint32(instOffset)&0x3FFF)<<5 | uint32(rt)
	return le32(word)
}

// BShort encodes `B #imm26` with the distance (in instructions) baked at
// encode time, for intra-patch skips (unlike B(), whose displacement a
// reloc.Field patches at resolve time).
func BShort(instOffset int32) []byte {
	word := uint32(0x14000000) | uint32(instOffset)&0x03FFFFFF
	return le32(word)
}

// MovToSP encodes `MOV SP, Xn` (ADD (immediate) alias, Xd=31 meaning SP in
// this position).
func MovToSP(rn int) []byte { return le32(0x91000000 | uint32(rn)<<5 | 31) }

// MovFromSP encodes `MOV Xd, SP` (ADD (immediate) alias, Xn=31 meaning SP).
func MovFromSP(rd int) []byte { return le32(0x91000000 | uint32(31)<<5 | uint32(rd)) }

// Ldp encodes `LDP Xt1, Xt2, [Xn, #imm7*8]`, the code-size optimization
// TempManager uses to save/restore paired temporaries (spec.md §4.4).
func Ldp(rt1, rt2, rn int, imm7 int8) []byte {
	word := uint32(0xA9400000) | (uint32(imm7)&0x7F)<<15 | uint32(rt2)<<10 | uint32(rn)<<5 | uint32(rt1)
	return le32(word)
}

// Stp encodes `STP Xt1, Xt2, [Xn, #imm7*8]`.
func Stp(rt1, rt2, rn int, imm7 int8) []byte {
	word := uint32(0xA9000000) | (uint32(imm7)&0x7F)<<15 | uint32(rt2)<<10 | uint32(rn)<<5 | uint32(rt1)
	return le32(word)
}

// B encodes an unconditional relative branch `B #imm26`; fieldOffset/Width
// describe where the caller should patch the final displacement.
func B() (template []byte, fieldOffset, fieldWidth int) {
	return le32(0x14000000), 0, 4
}

// Bl encodes `BL #imm26`.
func Bl() (template []byte, fieldOffset, fieldWidth int) {
	return le32(0x94000000), 0, 4
}

// Br encodes `BR Xn`.
func Br(rn int) []byte { return le32(uint32(0xD61F0000) | uint32(rn)<<5) }

// Blr encodes `BLR Xn`.
func Blr(rn int) []byte { return le32(uint32(0xD63F0000) | uint32(rn)<<5) }

// Ret encodes `RET Xn` (Xn defaults to X30/LR when rn==30).
func Ret(rn int) []byte { return le32(uint32(0xD65F0000) | uint32(rn)<<5) }

// Adr encodes `ADR Xd, #0` with a placeholder immhi/immlo split; the
// caller patches both via two reloc fields or, more simply, treats this
// as a HostPCRel/DataBlockRel target and re-derives the split at resolve
// time (see internal/patch).
func Adr(rd int) []byte {
	return le32(uint32(0x10000000) | uint32(rd))
}

// Ldxr encodes `LDXR Wt, [Xn]`.
func Ldxr(rt, rn int) []byte {
	return le32(uint32(0x885F7C00) | uint32(rn)<<5 | uint32(rt))
}

// Stxr encodes `STXR Ws, Wt, [Xn]`.
func Stxr(rs, rt, rn int) []byte {
	return le32(uint32(0x88007C00) | uint32(rs)<<16 | uint32(rn)<<5 | uint32(rt))
}

// Svc encodes `SVC #imm16`.
func Svc(imm16 uint16) []byte { return le32(uint32(0xD4000001) | uint32(imm16)<<5) }

// Brk encodes `BRK #imm16`.
func Brk(imm16 uint16) []byte { return le32(uint32(0xD4200000) | uint32(imm16)<<5) }

// BTI target kinds for OPT_ENABLE_BTI (spec.md §6).
type BTIKind uint8

const (
	BTINone BTIKind = iota
	BTIC
	BTIJ
	BTIJC
)

// Bti encodes the `BTI <kind>` hint instruction.
func Bti(kind BTIKind) []byte {
	switch kind {
	case BTIC:
		return le32(0xD503245F)
	case BTIJ:
		return le32(0xD503249F)
	case BTIJC:
		return le32(0xD50324DF)
	default:
		return le32(0xD503201F) // plain HINT #0, NOP-equivalent
	}
}

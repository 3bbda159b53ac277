package asmarm

import "encoding/binary"

// Cond is an ARM condition code (spec.md §4.3, branches preserve
// condition-code semantics).
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondCS
	CondCC
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

// --- ARM (A32) encodings ---

// BCond encodes a 32-bit `B<cond> #imm24` with a placeholder imm24,
// returning the byte offset/width the caller should patch via a
// reloc.Field (imm24 occupies bits [23:0], little-endian word).
func BCond(cond Cond) (template []byte, fieldOffset, fieldWidth int) {
	word := uint32(0x0A000000) | uint32(cond)<<28
	return le32(word), 0, 3 // low 3 bytes carry imm24; top byte carries cond
}

// BLCond encodes a 32-bit `BL<cond> #imm24`.
func BLCond(cond Cond) (template []byte, fieldOffset, fieldWidth int) {
	word := uint32(0x0B000000) | uint32(cond)<<28
	return le32(word), 0, 3
}

// BX encodes `BX<cond> Rm`.
func BX(cond Cond, rm int) []byte {
	word := uint32(0x012FFF10) | uint32(cond)<<28 | uint32(rm)
	return le32(word)
}

// MovwImm encodes `MOVW<cond> Rd, #imm16` (low half of a 32-bit constant
// load, paired with MovtImm for the high half).
func MovwImm(cond Cond, rd int, imm16 uint16) []byte {
	word := uint32(0x03000000) | uint32(cond)<<28 |
		(uint32(imm16>>12&0xF) << 16) | (uint32(rd) << 12) | uint32(imm16&0xFFF)
	return le32(word)
}

// MovtImm encodes `MOVT<cond> Rd, #imm16`.
func MovtImm(cond Cond, rd int, imm16 uint16) []byte {
	word := uint32(0x03400000) | uint32(cond)<<28 |
		(uint32(imm16>>12&0xF) << 16) | (uint32(rd) << 12) | uint32(imm16&0xFFF)
	return le32(word)
}

// MovReg encodes `MOV<cond> Rd, Rm`.
func MovReg(cond Cond, rd, rm int) []byte {
	word := uint32(0x01A00000) | uint32(cond)<<28 | uint32(rd)<<12 | uint32(rm)
	return le32(word)
}

// AddImm encodes `ADD<cond> Rd, Rn, #imm12` (modified-immediate field
// used with rotation 0 only).
func AddImm(cond Cond, rd, rn int, imm12 uint16) []byte {
	word := uint32(0x02800000) | uint32(cond)<<28 | uint32(rn)<<16 | uint32(rd)<<12 | uint32(imm12&0xFFF)
	return le32(word)
}

// LdrPostImm encodes the post-indexed `LDR<cond> Rt, [Rn], #imm12`.
func LdrPostImm(cond Cond, rt, rn int, imm12 uint16) []byte {
	word := uint32(0x04900000) | uint32(cond)<<28 | uint32(rn)<<16 | uint32(rt)<<12 | uint32(imm12&0xFFF)
	return le32(word)
}

// LdrImm encodes `LDR<cond> Rt, [Rn, #imm12]`.
func LdrImm(cond Cond, rt, rn int, imm12 uint16) []byte {
	word := uint32(0x05900000) | uint32(cond)<<28 | uint32(rn)<<16 | uint32(rt)<<12 | uint32(imm12&0xFFF)
	return le32(word)
}

// StrImm encodes `STR<cond> Rt, [Rn, #imm12]`.
func StrImm(cond Cond, rt, rn int, imm12 uint16) []byte {
	word := uint32(0x05800000) | uint32(cond)<<28 | uint32(rn)<<16 | uint32(rt)<<12 | uint32(imm12&0xFFF)
	return le32(word)
}

// Ldmia encodes `LDMIA<cond> Rn!, {reglist}`.
func Ldmia(cond Cond, rn int, regList uint16) []byte {
	word := uint32(0x08B00000) | uint32(cond)<<28 | uint32(rn)<<16 | uint32(regList)
	return le32(word)
}

// Stmdb encodes `STMDB<cond> Rn!, {reglist}` (the canonical push form).
func Stmdb(cond Cond, rn int, regList uint16) []byte {
	word := uint32(0x09200000) | uint32(cond)<<28 | uint32(rn)<<16 | uint32(regList)
	return le32(word)
}

// Ldrex encodes `LDREX<cond> Rt, [Rn]`.
func Ldrex(cond Cond, rt, rn int) []byte {
	word := uint32(0x01900F9F) | uint32(cond)<<28 | uint32(rn)<<16 | uint32(rt)<<12
	return le32(word)
}

// Strex encodes `STREX<cond> Rd, Rt, [Rn]`.
func Strex(cond Cond, rd, rt, rn int) []byte {
	word := uint32(0x01800F90) | uint32(cond)<<28 | uint32(rn)<<16 | uint32(rd)<<12 | uint32(rt)
	return le32(word)
}

// Svc encodes `SVC<cond> #imm24`.
func Svc(cond Cond, imm24 uint32) []byte {
	word := uint32(0x0F000000) | uint32(cond)<<28 | (imm24 & 0xFFFFFF)
	return le32(word)
}

// --- Thumb (T32) encodings: the narrow subset the patch rules need ---

// ThumbIT encodes a 16-bit `IT{x{y{z}}} <cond>` instruction. mask packs
// the then/else pattern the same way the ARM ARM's IT-block encoding
// does (spec.md §4.3, §9: state is local to PatchRuleAssembly).
func ThumbIT(firstCond Cond, mask uint8) []byte {
	word := uint16(0xBF00) | uint16(firstCond)<<4 | uint16(mask)
	return le16(word)
}

// ThumbBCond encodes the narrow conditional branch `B<cond> #imm8` (T1).
func ThumbBCond(cond Cond) (template []byte, fieldOffset, fieldWidth int) {
	word := uint16(0xD000) | uint16(cond)<<8
	return le16(word), 0, 1
}

// ThumbBX encodes `BX Rm` (T1).
func ThumbBX(rm int) []byte {
	word := uint16(0x4700) | uint16(rm)<<3
	return le16(word)
}

// ThumbMovImm8 encodes `MOVS Rd, #imm8` (T1, Rd < 8).
func ThumbMovImm8(rd int, imm8 uint8) []byte {
	word := uint16(0x2000) | uint16(rd)<<8 | uint16(imm8)
	return le16(word)
}

// ThumbLdrImm encodes `LDR Rt, [Rn, #imm5*4]` (T1, Rt/Rn < 8).
func ThumbLdrImm(rt, rn int, imm5 uint8) []byte {
	word := uint16(0x6800) | uint16(imm5&0x1F)<<6 | uint16(rn)<<3 | uint16(rt)
	return le16(word)
}

// ThumbStrImm encodes `STR Rt, [Rn, #imm5*4]` (T1, Rt/Rn < 8).
func ThumbStrImm(rt, rn int, imm5 uint8) []byte {
	word := uint16(0x6000) | uint16(imm5&0x1F)<<6 | uint16(rn)<<3 | uint16(rt)
	return le16(word)
}

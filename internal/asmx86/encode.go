package asmx86

// Reg64 is qbdi-go's own x86-64 GPR numbering (0..15, matching the ModRM/
// REX encoding order: rax,rcx,rdx,rbx,rsp,rbp,rsi,rdi,r8..r15), used by
// Layer2 constructors instead of x86asm.Reg so callers don't need to
// import the decode package's register enum for registers they merely
// allocate as temporaries.
type Reg64 uint8

const (
	RAX Reg64 = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

func rex(w, r, x, b bool) byte {
	rex := byte(0x40)
	if w {
		rex |= 0x08
	}
	if r {
		rex |= 0x04
	}
	if x {
		rex |= 0x02
	}
	if b {
		rex |= 0x01
	}
	return rex
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func le64(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}

// MovRegImm64 encodes `movabs $imm64, reg` (REX.W + B8+rd io).
func MovRegImm64(reg Reg64, imm uint64) []byte {
	out := []byte{rex(true, false, false, reg >= 8), 0xB8 + byte(reg&7)}
	return append(out, le64(imm)...)
}

// MovRegImm64Template encodes the same `movabs $imm64, reg` shape as
// MovRegImm64 but leaves the 8-byte immediate field zeroed, returning its
// offset so a caller can splice in a value only known at relocation time
// (e.g. reloc.HostPCRel) instead of one baked in at encode time.
func MovRegImm64Template(reg Reg64) (template []byte, immFieldOffset int) {
	out := []byte{rex(true, false, false, reg >= 8), 0xB8 + byte(reg&7)}
	off := len(out)
	out = append(out, 0, 0, 0, 0, 0, 0, 0, 0)
	return out, off
}

// MovRegReg encodes `mov src, dst` (REX.W + 89 /r).
func MovRegReg(src, dst Reg64) []byte {
	return []byte{
		rex(true, src >= 8, false, dst >= 8),
		0x89,
		modrm(3, byte(src), byte(dst)),
	}
}

// LeaRIP encodes `lea disp32(%rip), dst` and returns the template together
// with the byte offset of the disp32 field, for the caller to wrap with a
// reloc.Field so DataBlockRel can patch it once the final PC is known.
func LeaRIP(dst Reg64) (template []byte, dispFieldOffset int) {
	out := []byte{
		rex(true, dst >= 8, false, false),
		0x8D,
		modrm(0, byte(dst), 5), // ModRM.rm=101, mod=00 => RIP-relative
	}
	off := len(out)
	out = append(out, 0, 0, 0, 0)
	return out, off
}

// MovMemToReg encodes `mov disp32(%rip), dst` (REX.W + 8B /r, RIP-rel).
func MovMemToReg(dst Reg64) (template []byte, dispFieldOffset int) {
	out := []byte{
		rex(true, dst >= 8, false, false),
		0x8B,
		modrm(0, byte(dst), 5),
	}
	off := len(out)
	out = append(out, 0, 0, 0, 0)
	return out, off
}

// MovRegToMem encodes `mov src, disp32(%rip)` (REX.W + 89 /r, RIP-rel).
func MovRegToMem(src Reg64) (template []byte, dispFieldOffset int) {
	out := []byte{
		rex(true, src >= 8, false, false),
		0x89,
		modrm(0, byte(src), 5),
	}
	off := len(out)
	out = append(out, 0, 0, 0, 0)
	return out, off
}

// PushReg encodes `push reg` (50+rd, with REX.B for r8-r15).
func PushReg(reg Reg64) []byte {
	if reg >= 8 {
		return []byte{rex(false, false, false, true), 0x50 + byte(reg&7)}
	}
	return []byte{0x50 + byte(reg)}
}

// PopReg encodes `pop reg` (58+rd, with REX.B for r8-r15).
func PopReg(reg Reg64) []byte {
	if reg >= 8 {
		return []byte{rex(false, false, false, true), 0x58 + byte(reg&7)}
	}
	return []byte{0x58 + byte(reg)}
}

// AddRegReg encodes `add src, dst` (REX.W + 01 /r).
func AddRegReg(src, dst Reg64) []byte {
	return []byte{rex(true, src >= 8, false, dst >= 8), 0x01, modrm(3, byte(src), byte(dst))}
}

// Jmp32 encodes a near relative `jmp rel32` and returns the byte offset
// of the rel32 field (E9 cd).
func Jmp32() (template []byte, relFieldOffset int) {
	return []byte{0xE9, 0, 0, 0, 0}, 1
}

// Call32 encodes a near relative `call rel32` (E8 cd).
func Call32() (template []byte, relFieldOffset int) {
	return []byte{0xE8, 0, 0, 0, 0}, 1
}

// JccRel32 encodes a near relative conditional jump `jCC rel32`
// (0F 80+tttn cd); cond is the low nibble of a CC code as wazero/Go's
// assembler define them (0=O,1=NO,2=B,3=AE,4=E,5=NE,6=BE,7=A,...).
func JccRel32(cond byte) (template []byte, relFieldOffset int) {
	return []byte{0x0F, 0x80 | (cond & 0x0F), 0, 0, 0, 0}, 2
}

// JmpShort encodes a two-byte `jmp rel8` (EB cb), for intra-patch skips
// whose distance is known at encode time.
func JmpShort(rel int8) []byte { return []byte{0xEB, byte(rel)} }

// JrcxzShort encodes `jrcxz rel8` (E3 cb, 64-bit address size). There is
// no rel32 form of this instruction, so branch rules keep the original
// opcode and only redirect its 8-bit target locally.
func JrcxzShort(rel int8) []byte { return []byte{0xE3, byte(rel)} }

// JecxzShort encodes `jecxz rel8` (67 E3 cb: the address-size prefix
// selects ECX in 64-bit mode).
func JecxzShort(rel int8) []byte { return []byte{0x67, 0xE3, byte(rel)} }

// Ret encodes `ret` (C3).
func Ret() []byte { return []byte{0xC3} }

// Nop encodes n bytes of single-byte NOP padding.
func Nop(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = 0x90
	}
	return out
}

// JmpIndirectRIP encodes `jmp qword ptr [rip+disp32]` (FF /4, RIP-relative)
// and returns the byte offset of the disp32 field. The x86-64 ExecBlock
// prologue uses this to jump through HostState.Selector without needing a
// scratch register, matching spec.md §4.4's "on x86 there is no scratch
// register".
func JmpIndirectRIP() (template []byte, dispFieldOffset int) {
	out := []byte{0xFF, modrm(0, 4, 5)}
	off := len(out)
	out = append(out, 0, 0, 0, 0)
	return out, off
}

// CallIndirectReg encodes `call reg` (FF /2).
func CallIndirectReg(reg Reg64) []byte {
	if reg >= 8 {
		return []byte{rex(false, false, false, true), 0xFF, modrm(3, 2, byte(reg))}
	}
	return []byte{0xFF, modrm(3, 2, byte(reg))}
}

// CmpRegReg encodes `cmp src, dst` without touching flags of anything
// else (REX.W + 39 /r) — used only where the patch rules need to
// re-synthesize a guest compare, never inserted around unrelated code
// since spec.md's flags-preservation invariant forbids it there.
func CmpRegReg(src, dst Reg64) []byte {
	return []byte{rex(true, src >= 8, false, dst >= 8), 0x39, modrm(3, byte(src), byte(dst))}
}

// scaleBits converts a SIB scale factor (1, 2, 4 or 8) into its 2-bit
// encoding; any other value (only ever 0/unused in practice) maps to 0.
func scaleBits(scale uint8) byte {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

// memSIB encodes the ModRM+SIB+disp32 byte sequence shared by any
// `op reg, base(index,scale,disp32)` form (opcode is the caller's 0F-less
// one-byte primary opcode, e.g. 0x8D for LEA, 0x8B for MOV load). mod is
// always 10 (disp32) and the SIB is always present (rm=100): this costs a
// spare SIB byte for the base-only, no-index case but sidesteps the
// special-cased encodings mod=00/rm=101 (RBP-as-base exception) and the
// escape-to-disp32-only (no base) form, neither of which a guest memory
// operand with an explicit base ever needs.
func memSIB(opcode byte, reg Reg64, base Reg64, hasIndex bool, index Reg64, scale uint8, disp int32) []byte {
	indexBits := byte(0b100) // no-index sentinel; RSP can't be a SIB index either
	indexExt := false
	if hasIndex {
		indexBits = byte(index) & 7
		indexExt = index >= 8
	}
	out := []byte{
		rex(true, reg >= 8, indexExt, base >= 8),
		opcode,
		modrm(2, byte(reg), 4),
		scaleBits(scale)<<6 | indexBits<<3 | (byte(base) & 7),
	}
	return append(out, le32(uint32(disp))...)
}

// LeaMem encodes `lea disp32(base,index,scale), dst` (8D /r + SIB), the
// general register-relative effective-address computation a guest memory
// operand's base+index*scale+disp addressing mode needs (as opposed to
// LeaRIP's PC-relative special case).
func LeaMem(base Reg64, hasIndex bool, index Reg64, scale uint8, disp int32, dst Reg64) []byte {
	return memSIB(0x8D, dst, base, hasIndex, index, scale, disp)
}

// MovMemRegSIB encodes `mov disp32(base,index,scale), dst` (8B /r + SIB),
// MovMemToReg's register-relative counterpart.
func MovMemRegSIB(base Reg64, hasIndex bool, index Reg64, scale uint8, disp int32, dst Reg64) []byte {
	return memSIB(0x8B, dst, base, hasIndex, index, scale, disp)
}

// MovRegToMemSIB encodes `mov src, disp32(base,index,scale)` (89 /r + SIB),
// MovRegToMem's register-relative counterpart: the ModRM.reg field carries
// the source register regardless of direction, so this reuses memSIB with
// opcode 0x89 the same way MovMemRegSIB reuses it with 0x8B.
func MovRegToMemSIB(base Reg64, hasIndex bool, index Reg64, scale uint8, disp int32, src Reg64) []byte {
	return memSIB(0x89, src, base, hasIndex, index, scale, disp)
}

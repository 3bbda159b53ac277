// Package asmarm64 is the AArch64 half of L0 (spec.md §2): decoding guest
// bytes via golang.org/x/arch/arm64/arm64asm and hand-built encoding of
// the engine's own fixed instruction alphabet.
package asmarm64

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// OperandKind classifies a decoded AArch64 operand.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandMem
	OperandPCRel
)

// Operand is qbdi-go's arch-neutral-shaped view of one AArch64 operand.
type Operand struct {
	Kind OperandKind
	Reg  arm64asm.Reg
	Imm  int64
	Base arm64asm.Reg
}

// Inst is the decoded form of one guest AArch64 instruction.
type Inst struct {
	Addr        uint64
	Size        int
	Op          arm64asm.Op
	Mnemonic    string
	Args        []Operand
	Cond        uint8 // NZCV condition for B.cond forms; meaningful iff HasCond
	HasCond     bool
	WritesPC    bool
	UsesFPR     bool // touches SIMD&FP state (OPT_DISABLE_OPTIONAL_FPR accounting)
	IsLoad      bool
	IsStore     bool
	IsExclusive bool
	RegsRead    []int
	RegsWritten []int
	raw         arm64asm.Inst
}

// RegIndex maps an X or W register onto its GPR index 0..30; ok is false
// for SP, the zero register and every non-GPR operand class.
func RegIndex(r arm64asm.Reg) (int, bool) {
	switch {
	case r >= arm64asm.X0 && r <= arm64asm.X30:
		return int(r - arm64asm.X0), true
	case r >= arm64asm.W0 && r <= arm64asm.W30:
		return int(r - arm64asm.W0), true
	default:
		return 0, false
	}
}

// condNames follows the architectural NZCV encoding order.
var condNames = [16]string{"EQ", "NE", "CS", "CC", "MI", "PL", "VS", "VC", "HI", "LS", "GE", "LT", "GT", "LE", "AL", "NV"}

// Decode decodes one 4-byte-aligned instruction at addr.
func Decode(code []byte, addr uint64) (Inst, error) {
	raw, err := arm64asm.Decode(code)
	if err != nil {
		return Inst{}, fmt.Errorf("asmarm64: decode at %#x: %w", addr, err)
	}
	inst := Inst{Addr: addr, Size: 4, Op: raw.Op, Mnemonic: raw.Op.String(), raw: raw}

	// B.cond carries its condition in the low nibble of the instruction
	// word; the decoder reports Op B for it, so the mnemonic is re-derived
	// here to keep the rule tables' by-name matching exact.
	if len(code) >= 4 {
		word := binary.LittleEndian.Uint32(code)
		if word&0xFF000010 == 0x54000000 {
			inst.Cond = uint8(word & 0xF)
			inst.HasCond = true
			inst.Mnemonic = "B." + condNames[inst.Cond]
		}
	}

	switch raw.Op {
	case arm64asm.LDXR, arm64asm.LDXRB, arm64asm.LDXRH, arm64asm.LDAXR,
		arm64asm.STXR, arm64asm.STXRB, arm64asm.STXRH, arm64asm.STLXR:
		inst.IsExclusive = true
	}
	switch raw.Op {
	case arm64asm.B, arm64asm.BL, arm64asm.BR, arm64asm.BLR, arm64asm.RET,
		arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		inst.WritesPC = true
	}

	isLoad := isLoadOp(raw.Op)
	isStore := isStoreOp(raw.Op)
	for i, a := range raw.Args {
		if a == nil {
			break
		}
		op := decodeArg(a)
		inst.Args = append(inst.Args, op)
		if op.Kind == OperandMem {
			inst.IsLoad = isLoad
			inst.IsStore = isStore
		}
		if op.Kind == OperandReg && isFPReg(op.Reg) {
			inst.UsesFPR = true
		}
		recordRegUsage(&inst, op, i, isStore)
	}
	return inst, nil
}

// isFPReg reports whether r is SIMD&FP state (B/H/S/D/Q views), the
// per-opcode signal ExecuteFlags accumulation consumes.
func isFPReg(r arm64asm.Reg) bool {
	return r >= arm64asm.B0 && r <= arm64asm.Q31
}

func decodeArg(a arm64asm.Arg) Operand {
	switch v := a.(type) {
	case arm64asm.Reg:
		return Operand{Kind: OperandReg, Reg: v}
	case arm64asm.RegSP:
		return Operand{Kind: OperandReg, Reg: arm64asm.Reg(v)}
	case arm64asm.Imm:
		return Operand{Kind: OperandImm, Imm: int64(v.Imm)}
	case arm64asm.Imm64:
		return Operand{Kind: OperandImm, Imm: int64(v.Imm)}
	case arm64asm.MemImmediate:
		return Operand{Kind: OperandMem, Base: arm64asm.Reg(v.Base)}
	case arm64asm.PCRel:
		return Operand{Kind: OperandPCRel, Imm: int64(v)}
	default:
		return Operand{Kind: OperandNone}
	}
}

// recordRegUsage folds one operand into the usage summary: position 0 is
// the destination except for stores, memory bases are reads (and writes,
// conservatively, since writeback forms adjust the base).
func recordRegUsage(inst *Inst, op Operand, argIdx int, isStore bool) {
	switch op.Kind {
	case OperandReg:
		if idx, ok := RegIndex(op.Reg); ok {
			if argIdx == 0 && !isStore {
				inst.RegsWritten = append(inst.RegsWritten, idx)
			} else {
				inst.RegsRead = append(inst.RegsRead, idx)
			}
		}
	case OperandMem:
		if idx, ok := RegIndex(op.Base); ok {
			inst.RegsRead = append(inst.RegsRead, idx)
			inst.RegsWritten = append(inst.RegsWritten, idx)
		}
	}
}

func isLoadOp(op arm64asm.Op) bool {
	switch op {
	case arm64asm.LDR, arm64asm.LDRB, arm64asm.LDRH, arm64asm.LDP,
		arm64asm.LDXR, arm64asm.LDXRB, arm64asm.LDXRH, arm64asm.LDAXR:
		return true
	default:
		return false
	}
}

func isStoreOp(op arm64asm.Op) bool {
	switch op {
	case arm64asm.STR, arm64asm.STRB, arm64asm.STRH, arm64asm.STP,
		arm64asm.STXR, arm64asm.STXRB, arm64asm.STXRH, arm64asm.STLXR:
		return true
	default:
		return false
	}
}

// Package asmarm is the 32-bit ARM/Thumb half of L0 (spec.md §2):
// decoding guest bytes via golang.org/x/arch/arm/armasm and hand-built
// encoding of the engine's own fixed instruction alphabet.
package asmarm

import (
	"fmt"

	"golang.org/x/arch/arm/armasm"

	"github.com/qbdigo/qbdi/internal/gpr"
)

// OperandKind classifies a decoded ARM operand.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandRegList // LDM/STM register set
	OperandImm
	OperandMem
	OperandPCRel // branch target, relative to PC (addr+8 in ARM mode)
)

// Operand is qbdi-go's arch-neutral-shaped view of one ARM operand.
type Operand struct {
	Kind     OperandKind
	Reg      armasm.Reg
	Regs     armasm.RegList
	Imm      int64
	Base     armasm.Reg
	BaseIsPC bool
}

// Inst is the decoded form of one guest ARM/Thumb instruction.
type Inst struct {
	Addr        uint64
	Size        int
	Op          armasm.Op
	Mnemonic    string
	Args        []Operand
	Cond        Cond
	WritesPC    bool // branch opcode, or any destination operand is r15/pc
	UsesFPR     bool // touches VFP/NEON state (OPT_DISABLE_OPTIONAL_FPR accounting)
	IsLoad      bool
	IsStore     bool
	IsExclusive bool // LDREX/STREX family
	RegsRead    []int
	RegsWritten []int
	raw         armasm.Inst
}

// RegIndex maps a decoded r0-r15 register onto its GPR index; ok is
// false for anything else (coprocessor, banked, FP registers).
func RegIndex(r armasm.Reg) (int, bool) {
	if r >= armasm.R0 && r <= armasm.R15 {
		return int(r - armasm.R0), true
	}
	return 0, false
}

// Decode decodes one instruction at addr. mode selects ARM vs Thumb
// encoding (spec.md's CPUModeARM vs CPUModeThumb).
func Decode(code []byte, addr uint64, mode gpr.CPUMode) (Inst, error) {
	if mode == gpr.CPUModeThumb {
		if it, ok := decodeThumbIT(code, addr); ok {
			return it, nil
		}
	}
	var m armasm.Mode
	if mode == gpr.CPUModeThumb {
		m = armasm.ModeThumb
	} else {
		m = armasm.ModeARM
	}
	raw, err := armasm.Decode(code, m)
	if err != nil {
		return Inst{}, fmt.Errorf("asmarm: decode at %#x: %w", addr, err)
	}

	inst := Inst{Addr: addr, Size: raw.Len, Op: raw.Op, Mnemonic: raw.Op.String(), Cond: Cond((raw.Enc >> 28) & 0xF), raw: raw}
	switch raw.Op {
	case armasm.LDREX, armasm.LDREXB, armasm.LDREXH, armasm.LDREXD,
		armasm.STREX, armasm.STREXB, armasm.STREXH, armasm.STREXD:
		inst.IsExclusive = true
	}
	switch raw.Op {
	case armasm.B, armasm.BL, armasm.BLX, armasm.BX, armasm.BXJ:
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
		if op.Kind == OperandReg && op.Reg == armasm.PC && i == 0 && !isStore {
			inst.WritesPC = true
		}
		if op.Kind == OperandRegList && op.Regs&(1<<uint(armasm.PC-armasm.R0)) != 0 && isLoad {
			inst.WritesPC = true
		}
		if op.Kind == OperandMem {
			inst.IsLoad = isLoad
			inst.IsStore = isStore
		}
		if op.Kind == OperandReg && isFPReg(op.Reg) {
			inst.UsesFPR = true
		}
		recordRegUsage(&inst, op, i, isLoad, isStore)
	}
	return inst, nil
}

// decodeThumbIT recognises the 16-bit IT instruction by its fixed
// encoding before the general decoder runs: the IT-block state machine in
// the Thumb PatchRuleAssembly needs the firstcond/mask pair verbatim
// (spec.md §4.3 "IT-blocks"), and IT itself never translates to anything
// (its conditions are replayed onto the governed instructions).
func decodeThumbIT(code []byte, addr uint64) (Inst, bool) {
	if len(code) < 2 || code[1] != 0xBF || code[0]&0x0F == 0 {
		return Inst{}, false
	}
	return Inst{
		Addr:     addr,
		Size:     2,
		Mnemonic: "IT",
		Args: []Operand{
			{Kind: OperandImm, Imm: int64(code[0] >> 4)},   // firstcond
			{Kind: OperandImm, Imm: int64(code[0] & 0x0F)}, // mask
		},
	}, true
}

// recordRegUsage folds one operand into the instruction's register-usage
// summary. Position 0 is the destination for loads and data-processing
// ops; memory bases are always read (and written for writeback forms,
// which conservatively count as both).
func recordRegUsage(inst *Inst, op Operand, argIdx int, isLoad, isStore bool) {
	switch op.Kind {
	case OperandReg:
		if idx, ok := RegIndex(op.Reg); ok {
			if argIdx == 0 && !isStore {
				inst.RegsWritten = append(inst.RegsWritten, idx)
			} else {
				inst.RegsRead = append(inst.RegsRead, idx)
			}
		}
	case OperandRegList:
		for r := 0; r < 16; r++ {
			if op.Regs&(1<<uint(r)) == 0 {
				continue
			}
			if isLoad {
				inst.RegsWritten = append(inst.RegsWritten, r)
			} else {
				inst.RegsRead = append(inst.RegsRead, r)
			}
		}
	case OperandMem:
		if idx, ok := RegIndex(op.Base); ok {
			inst.RegsRead = append(inst.RegsRead, idx)
			inst.RegsWritten = append(inst.RegsWritten, idx) // writeback forms adjust the base
		}
	}
}

// isFPReg reports whether r is VFP/NEON state (S or D registers), the
// per-opcode signal ExecuteFlags accumulation consumes.
func isFPReg(r armasm.Reg) bool {
	return (r >= armasm.S0 && r <= armasm.S31) || (r >= armasm.D0 && r <= armasm.D31)
}

func decodeArg(a armasm.Arg) Operand {
	switch v := a.(type) {
	case armasm.Reg:
		return Operand{Kind: OperandReg, Reg: v}
	case armasm.RegList:
		return Operand{Kind: OperandRegList, Regs: v}
	case armasm.Imm:
		return Operand{Kind: OperandImm, Imm: int64(v)}
	case armasm.Mem:
		return Operand{Kind: OperandMem, Base: v.Base, BaseIsPC: v.Base == armasm.PC}
	case armasm.PCRel:
		return Operand{Kind: OperandPCRel, Imm: int64(v)}
	default:
		return Operand{Kind: OperandNone}
	}
}

func isLoadOp(op armasm.Op) bool {
	switch op {
	case armasm.LDR, armasm.LDRB, armasm.LDRH, armasm.LDRSB, armasm.LDRSH,
		armasm.LDM, armasm.LDMIB, armasm.LDMDA, armasm.LDMDB,
		armasm.LDREX, armasm.LDREXB, armasm.LDREXH, armasm.LDREXD:
		return true
	default:
		return false
	}
}

func isStoreOp(op armasm.Op) bool {
	switch op {
	case armasm.STR, armasm.STRB, armasm.STRH,
		armasm.STM, armasm.STMIB, armasm.STMDA, armasm.STMDB,
		armasm.STREX, armasm.STREXB, armasm.STREXH, armasm.STREXD:
		return true
	default:
		return false
	}
}

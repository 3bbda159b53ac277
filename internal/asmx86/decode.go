// Package asmx86 is the x86/x86-64 half of L0 (spec.md §2): decoding raw
// guest bytes into a typed instruction with per-operand register-usage
// metadata, and hand-built encoding of the small set of instructions the
// engine itself emits or re-emits after a ModifyInstruction transform.
package asmx86

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// OperandKind classifies one decoded operand for the patch rule tables.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandMem
	OperandRel // relative branch target
)

// Operand is qbdi-go's arch-neutral-shaped view of one x86 operand.
// Mem.BaseIsPC/Mem.IndexIsPC flag RIP-relative addressing, the case
// PatchGenerator.GetReadAddress substitutes via GetPCOffset.
type Operand struct {
	Kind      OperandKind
	Reg       x86asm.Reg
	Imm       int64
	Base      x86asm.Reg
	Index     x86asm.Reg
	Scale     uint8
	Disp      int64
	BaseIsPC  bool
	IndexIsPC bool
}

// Inst is the decoded form of one guest instruction, source MCInst in
// spec.md terms (§3, Patch.source).
type Inst struct {
	Addr       uint64
	Size       int
	Op         x86asm.Op
	Mnemonic   string
	Args       []Operand
	ModifiesPC bool // control-flow opcode, or any destination operand is RIP/EIP
	IsMemRead  bool
	IsMemWrite bool
	UsesFPR    bool // touches x87/MMX/XMM state (OPT_DISABLE_OPTIONAL_FPR accounting)
	// RegsRead/RegsWritten summarize register usage in Reg64 indices,
	// including implicit RSP effects for push/pop/call/ret forms.
	RegsRead    []int
	RegsWritten []int
	raw         x86asm.Inst
}

// Decode reads one instruction at addr from code. mode64 selects the
// 64-bit vs. 32-bit operand/address size model (spec.md's X86 vs X86_64
// CPU modes).
func Decode(code []byte, addr uint64, mode64 bool) (Inst, error) {
	mode := 32
	if mode64 {
		mode = 64
	}
	raw, err := x86asm.Decode(code, mode)
	if err != nil {
		return Inst{}, fmt.Errorf("asmx86: decode at %#x: %w", addr, err)
	}

	inst := Inst{Addr: addr, Size: raw.Len, Op: raw.Op, Mnemonic: raw.Op.String(), raw: raw}
	writesDst := writesFirstArg(raw.Op)
	inst.ModifiesPC = isControlFlowOp(raw.Op)

	for i, a := range raw.Args {
		if a == nil {
			break
		}
		op := decodeArg(a)
		inst.Args = append(inst.Args, op)
		if op.Kind == OperandMem {
			if i == 0 && writesDst {
				inst.IsMemWrite = true
			} else {
				inst.IsMemRead = true
			}
			if r, ok := regFromX86(op.Base); ok {
				inst.RegsRead = append(inst.RegsRead, int(r))
			}
			if r, ok := regFromX86(op.Index); ok {
				inst.RegsRead = append(inst.RegsRead, int(r))
			}
		}
		if op.Kind == OperandReg && isFPReg(op.Reg) {
			inst.UsesFPR = true
		}
		if op.Kind == OperandReg {
			if r, ok := regFromX86(normalizeReg(op.Reg)); ok {
				if i == 0 && writesDst {
					inst.RegsWritten = append(inst.RegsWritten, int(r))
				} else {
					inst.RegsRead = append(inst.RegsRead, int(r))
				}
			}
		}
		if i == 0 && writesDst && op.Kind == OperandReg && isPCReg(op.Reg) {
			inst.ModifiesPC = true
		}
	}
	if touchesStack(raw.Op) {
		inst.RegsRead = append(inst.RegsRead, int(RSP))
		inst.RegsWritten = append(inst.RegsWritten, int(RSP))
	}
	return inst, nil
}

// normalizeReg widens a sub-register alias (AL/AX/EAX, ...) to its
// containing 64-bit register so the usage summary covers the whole GPR
// the instruction actually clobbers or consumes.
func normalizeReg(r x86asm.Reg) x86asm.Reg {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return x86asm.RAX + (r - x86asm.AL)
	case r >= x86asm.AH && r <= x86asm.BH:
		return x86asm.RAX + (r - x86asm.AH)
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return x86asm.RSP + (r - x86asm.SPB)
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return x86asm.R8 + (r - x86asm.R8B)
	case r >= x86asm.AX && r <= x86asm.R15W:
		return x86asm.RAX + (r - x86asm.AX)
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return x86asm.RAX + (r - x86asm.EAX)
	default:
		return r
	}
}

// isFPReg reports whether r is x87, MMX or XMM state — the per-opcode
// signal WriteSequence accumulates into ExecuteFlags so the dispatcher
// can skip the FPR snapshot for sequences that never touch it
// (spec.md §6 OPT_DISABLE_OPTIONAL_FPR, §3 executeFlags).
func isFPReg(r x86asm.Reg) bool {
	switch {
	case r >= x86asm.F0 && r <= x86asm.F7:
		return true
	case r >= x86asm.M0 && r <= x86asm.M7:
		return true
	case r >= x86asm.X0 && r <= x86asm.X15:
		return true
	default:
		return false
	}
}

// isControlFlowOp reports whether op writes the program counter as its
// primary effect; the complement of writesFirstArg's register heuristic,
// and the trigger for WriteSequence to end a sequence (spec.md §3,
// modifyPC).
func isControlFlowOp(op x86asm.Op) bool {
	switch op {
	case x86asm.CALL, x86asm.LCALL, x86asm.JMP, x86asm.LJMP,
		x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.SYSCALL, x86asm.SYSRET, x86asm.SYSENTER, x86asm.SYSEXIT:
		return true
	default:
		return false
	}
}

// touchesStack reports whether op implicitly adjusts RSP.
func touchesStack(op x86asm.Op) bool {
	switch op {
	case x86asm.PUSH, x86asm.POP, x86asm.CALL, x86asm.LCALL,
		x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.PUSHF, x86asm.PUSHFQ, x86asm.POPF, x86asm.POPFQ,
		x86asm.ENTER, x86asm.LEAVE:
		return true
	default:
		return false
	}
}

func decodeArg(a x86asm.Arg) Operand {
	switch v := a.(type) {
	case x86asm.Reg:
		return Operand{Kind: OperandReg, Reg: v}
	case x86asm.Imm:
		return Operand{Kind: OperandImm, Imm: int64(v)}
	case x86asm.Rel:
		return Operand{Kind: OperandRel, Imm: int64(v)}
	case x86asm.Mem:
		return Operand{
			Kind:      OperandMem,
			Base:      v.Base,
			Index:     v.Index,
			Scale:     v.Scale,
			Disp:      v.Disp,
			BaseIsPC:  v.Base == x86asm.RIP,
			IndexIsPC: v.Index == x86asm.RIP,
		}
	default:
		return Operand{Kind: OperandNone}
	}
}

func isPCReg(r x86asm.Reg) bool {
	return r == x86asm.RIP || r == x86asm.EIP
}

// writesFirstArg approximates "this opcode's first Args[] entry is a
// destination" for the handful of PC-modifying forms the patch rules
// care about (mov/lea/pop/add/.. into a register). Branch/call opcodes
// are handled separately by the rule tables via Op, not this heuristic.
func writesFirstArg(op x86asm.Op) bool {
	switch op {
	case x86asm.MOV, x86asm.LEA, x86asm.POP, x86asm.ADD, x86asm.SUB, x86asm.XOR,
		x86asm.AND, x86asm.OR, x86asm.ADC, x86asm.SBB, x86asm.XCHG:
		return true
	default:
		return false
	}
}

// regFromX86 maps a decoded 64-bit x86asm.Reg onto qbdi-go's own Reg64
// numbering. x86asm declares RAX..R15 contiguously in exactly QBDI's
// canonical GPR order (see Reg64's doc comment), so the mapping is a
// flat offset; ok is false for anything that isn't one of those 16
// (e.g. a 32-bit sub-register alias, which guest memory operands built
// under CPUModeX86_64 addressing never use for Base/Index).
func regFromX86(r x86asm.Reg) (Reg64, bool) {
	if r < x86asm.RAX || r > x86asm.R15 {
		return 0, false
	}
	return Reg64(r - x86asm.RAX), true
}

// RegFromX86 is regFromX86 exported for callers outside this package
// (internal/rules) that need to map a decoded register operand, e.g. an
// indirect CALL's register destination, onto the same Reg64 numbering.
func RegFromX86(r x86asm.Reg) (Reg64, bool) { return regFromX86(r) }

// EffectiveAddress builds the RelocatableInst(s) that load a memory
// operand's effective address into dst (spec.md §4.6's getReadAddress/
// getWriteAddress generators, instr.NewMemoryAccessRule). A RIP-relative
// operand addresses the guest's own address space, not wherever this
// sequence happens to be JITted, so it materialises as a plain constant
// (instEndAddr+disp) the way patch.GetPCOffset does; a register-relative
// operand reads straight out of the live host register, which already
// holds the guest's current value since the ExecBlock prologue loads
// every GPR 1:1 (spec.md §4.4: "on x86 there is no scratch register").
func EffectiveAddress(op Operand, instEndAddr uint64, dst Reg64) []reloc.RelocatableInst {
	if op.Kind != OperandMem {
		panic("BUG: EffectiveAddress called on a non-memory operand")
	}
	if op.BaseIsPC {
		return []reloc.RelocatableInst{reloc.New(MovRegImm64(dst, uint64(int64(instEndAddr)+op.Disp)))}
	}
	base, ok := regFromX86(op.Base)
	if !ok {
		panic("BUG: memory operand base is not an addressable 64-bit GPR")
	}
	hasIndex := op.Index != 0 && !op.IndexIsPC
	var index Reg64
	if hasIndex {
		index, ok = regFromX86(op.Index)
		if !ok {
			panic("BUG: memory operand index is not an addressable 64-bit GPR")
		}
	}
	return []reloc.RelocatableInst{reloc.New(LeaMem(base, hasIndex, index, op.Scale, int32(op.Disp), dst))}
}

// LoadEffectiveValue dereferences op's effective address into dst, the
// value-capture half getWriteValue needs (re-deriving the address is
// cheap and avoids threading a second shadow just to remember it between
// PREINST and POSTINST).
func LoadEffectiveValue(op Operand, instEndAddr uint64, dst Reg64) []reloc.RelocatableInst {
	if op.Kind != OperandMem {
		panic("BUG: LoadEffectiveValue called on a non-memory operand")
	}
	if op.BaseIsPC {
		addr := uint64(int64(instEndAddr) + op.Disp)
		return []reloc.RelocatableInst{
			reloc.New(MovRegImm64(dst, addr)),
			reloc.New(MovMemRegSIB(dst, false, 0, 0, 0, dst)),
		}
	}
	base, ok := regFromX86(op.Base)
	if !ok {
		panic("BUG: memory operand base is not an addressable 64-bit GPR")
	}
	hasIndex := op.Index != 0 && !op.IndexIsPC
	var index Reg64
	if hasIndex {
		index, ok = regFromX86(op.Index)
		if !ok {
			panic("BUG: memory operand index is not an addressable 64-bit GPR")
		}
	}
	return []reloc.RelocatableInst{reloc.New(MovMemRegSIB(base, hasIndex, index, op.Scale, int32(op.Disp), dst))}
}

// CPUMode reports which gpr.CPUMode a decode with the given mode64 used.
func (i Inst) CPUMode(mode64 bool) gpr.CPUMode {
	if mode64 {
		return gpr.CPUModeX86_64
	}
	return gpr.CPUModeX86
}

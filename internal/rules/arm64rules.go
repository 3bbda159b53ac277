package rules

import (
	"github.com/qbdigo/qbdi/internal/asmarm64"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

var arm64BranchMnemonics = []string{
	"B", "B.EQ", "B.NE", "B.CS", "B.CC", "B.MI", "B.PL", "B.VS", "B.VC",
	"B.HI", "B.LS", "B.GE", "B.LT", "B.GT", "B.LE",
}
var arm64CompareBranchMnemonics = []string{"CBZ", "CBNZ", "TBZ", "TBNZ"}
var arm64CallMnemonics = []string{"BL", "BLR"}
var arm64ReturnMnemonics = []string{"RET"}
var arm64IndirectBranchMnemonics = []string{"BR"}
var arm64ExclusiveMnemonics = []string{"LDXR", "LDXRB", "LDXRH", "LDAXR", "STXR", "STXRB", "STXRH", "STLXR"}

// NewAArch64Rules builds the AArch64 PatchRuleAssembly table (spec.md
// §4.3). Every branch family funnels its next-PC through writeSel into
// the selector slot; none of the engine-emitted instructions between a
// guest flag producer and consumer touch NZCV (MOVZ/MOVK/ORR-move and
// the local CBZ/TBZ skips are all flag-neutral, spec.md §8).
func NewAArch64Rules(encode func(p *patch.Patch, tm *patch.TempManager, transforms []patch.InstTransform) []reloc.RelocatableInst, writeSel writeSelector, monitor *LocalMonitor) RuleList {
	return NewRuleList(
		Rule{
			Name:      "load-store-exclusive",
			Condition: Mnemonic(arm64ExclusiveMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return monitor.Wrap(p, tm, arm64EmitExclusive), false
				}),
			},
		},
		Rule{
			Name:      "clear-monitor-on-svc-brk",
			Condition: Mnemonic("SVC", "BRK"),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return monitor.ClearOnTrap(p, tm), true
				}),
			},
		},
		Rule{
			Name:      "call",
			Condition: Mnemonic(arm64CallMnemonics...),
			Generators: []patch.Generator{
				patch.SimulateCall(func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
					return arm64SimulateCall(p, tm, writeSel)
				}),
			},
		},
		Rule{
			Name:      "return",
			Condition: Mnemonic(arm64ReturnMnemonics...),
			Generators: []patch.Generator{
				patch.SimulateRet(func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
					return arm64SimulateRet(p, tm, writeSel)
				}),
			},
		},
		Rule{
			Name:      "indirect-branch",
			Condition: Mnemonic(arm64IndirectBranchMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return arm64SimulateIndirect(p, tm, writeSel), false
				}),
			},
		},
		Rule{
			Name:      "branch",
			Condition: Mnemonic(arm64BranchMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return arm64SimulateBranch(p, tm, writeSel), false
				}),
			},
		},
		Rule{
			Name:      "compare-branch",
			Condition: Mnemonic(arm64CompareBranchMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return arm64SimulateCompareBranch(p, tm, writeSel), false
				}),
			},
		},
		identityRule(encode),
	)
}

// arm64LoadConst64 materializes a 64-bit constant into rd with MOVZ/MOVK,
// skipping all-zero halfwords the way loadImm64AArch64 does for the fixed
// prologue (spec.md §4.1).
func arm64LoadConst64(rd int, v uint64) []reloc.RelocatableInst {
	out := []reloc.RelocatableInst{reloc.New(asmarm64.MovzImm16(rd, uint16(v), 0))}
	for hw := uint8(1); hw < 4; hw++ {
		half := uint16(v >> (16 * hw))
		if half != 0 {
			out = append(out, reloc.New(asmarm64.MovkImm16(rd, half, hw)))
		}
	}
	return out
}

// arm64PCRelTarget resolves the first PC-relative operand into an
// absolute guest address (arm64asm.PCRel is relative to the instruction's
// own address; the AArch64 PC bias is 0, spec.md §4.1).
func arm64PCRelTarget(p *patch.Patch) (uint64, bool) {
	inst := p.Source.Raw.(asmarm64.Inst)
	for _, a := range inst.Args {
		if a.Kind == asmarm64.OperandPCRel {
			return p.Source.Addr + uint64(a.Imm), true
		}
	}
	return 0, false
}

// arm64FirstRegOperand returns the GPR index of the first register
// operand, for BR/BLR/RET targets and CBZ/TBZ test registers.
func arm64FirstRegOperand(p *patch.Patch) (int, bool) {
	inst := p.Source.Raw.(asmarm64.Inst)
	for _, a := range inst.Args {
		if a.Kind == asmarm64.OperandReg {
			if idx, ok := asmarm64.RegIndex(a.Reg); ok {
				return idx, true
			}
		}
	}
	return 0, false
}

// arm64SimulateBranch rewrites B / B.cond. The conditional form keeps the
// original condition in a local B.cond with the inverse code and a baked
// skip distance, so the exact NZCV semantics carry over without any
// flag-reading engine instruction (spec.md §8, flags preservation).
func arm64SimulateBranch(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	inst := p.Source.Raw.(asmarm64.Inst)
	_, target, _ := tm.Acquire()

	taken, ok := arm64PCRelTarget(p)
	if !ok {
		panic("BUG: branch rule matched an instruction with no PC-relative target")
	}
	fallAddr := p.Source.Addr + uint64(p.Source.Size)

	takenLoad := arm64LoadConst64(target, taken)
	if !inst.HasCond {
		return append(takenLoad, writeSel(tm, target)...)
	}

	fallLoad := arm64LoadConst64(target, fallAddr)
	var out []reloc.RelocatableInst
	out = append(out, reloc.New(arm64BCond(inst.Cond^1, int32(len(takenLoad)+2))))
	out = append(out, takenLoad...)
	out = append(out, reloc.New(asmarm64.BShort(int32(len(fallLoad)+1))))
	out = append(out, fallLoad...)
	out = append(out, writeSel(tm, target)...)
	return out
}

// arm64BCond encodes `B.<cond> #imm19` with a baked instruction-count
// offset, local-skip only (same contract as asmarm64.Cbz).
func arm64BCond(cond uint8, instOffset int32) []byte {
	word := uint32(0x54000000) | (uint32(instOffset)&0x7FFFF)<<5 | uint32(cond&0xF)
	return []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}
}

// arm64SimulateCompareBranch rewrites CBZ/CBNZ/TBZ/TBNZ by keeping the
// original compare-and-branch opcode and redirecting it locally, the same
// shape the x86 JCXZ family uses: no NZCV access, no re-derived
// condition.
func arm64SimulateCompareBranch(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	inst := p.Source.Raw.(asmarm64.Inst)
	_, target, _ := tm.Acquire()

	taken, ok := arm64PCRelTarget(p)
	if !ok {
		panic("BUG: compare-branch rule matched an instruction with no PC-relative target")
	}
	fallAddr := p.Source.Addr + uint64(p.Source.Size)
	rt, ok := arm64FirstRegOperand(p)
	if !ok {
		panic("BUG: compare-branch rule matched an instruction with no test register")
	}

	bit := 0
	if p.Source.Mnemonic == "TBZ" || p.Source.Mnemonic == "TBNZ" {
		for _, a := range inst.Args {
			if a.Kind == asmarm64.OperandImm {
				bit = int(a.Imm)
				break
			}
		}
	}

	fallLoad := arm64LoadConst64(target, fallAddr)
	takenLoad := arm64LoadConst64(target, taken)
	skipToTaken := int32(len(fallLoad) + 2)

	var branch []byte
	switch p.Source.Mnemonic {
	case "CBZ":
		branch = asmarm64.Cbz(rt, skipToTaken)
	case "CBNZ":
		branch = asmarm64.Cbnz(rt, skipToTaken)
	case "TBZ":
		branch = asmarm64.Tbz(rt, bit, skipToTaken)
	case "TBNZ":
		branch = asmarm64.Tbnz(rt, bit, skipToTaken)
	default:
		panic("BUG: compare-branch rule matched an unexpected mnemonic")
	}

	var out []reloc.RelocatableInst
	out = append(out, reloc.New(branch))
	out = append(out, fallLoad...)
	out = append(out, reloc.New(asmarm64.BShort(int32(len(takenLoad)+1))))
	out = append(out, takenLoad...)
	out = append(out, writeSel(tm, target)...)
	return out
}

// arm64SimulateCall writes the return address into the guest's X30 — the
// architectural BL/BLR link effect (spec.md §4.2 SimulateLink) — then
// funnels the target through the selector.
func arm64SimulateCall(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	_, target, _ := tm.Acquire()

	retAddr := p.Source.Addr + uint64(p.Source.Size)
	out := arm64LoadConst64(30, retAddr)

	if taken, ok := arm64PCRelTarget(p); ok {
		out = append(out, arm64LoadConst64(target, taken)...)
	} else if rn, ok := arm64FirstRegOperand(p); ok {
		out = append(out, reloc.New(asmarm64.MovReg(target, rn)))
	} else {
		panic("BUG: BL/BLR with neither a PC-relative nor a register target")
	}
	out = append(out, writeSel(tm, target)...)
	return out
}

// arm64SimulateRet funnels the return register (X30 unless the encoding
// names another) through the selector.
func arm64SimulateRet(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	_, target, _ := tm.Acquire()
	rn := 30
	if idx, ok := arm64FirstRegOperand(p); ok {
		rn = idx
	}
	out := []reloc.RelocatableInst{reloc.New(asmarm64.MovReg(target, rn))}
	out = append(out, writeSel(tm, target)...)
	return out
}

func arm64SimulateIndirect(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	_, target, _ := tm.Acquire()
	rn, ok := arm64FirstRegOperand(p)
	if !ok {
		panic("BUG: BR without a register operand")
	}
	out := []reloc.RelocatableInst{reloc.New(asmarm64.MovReg(target, rn))}
	out = append(out, writeSel(tm, target)...)
	return out
}

// arm64EmitExclusive re-emits the load/store-exclusive's own encoding
// verbatim; LocalMonitor.Wrap splices the synthetic monitor bookkeeping
// around it (spec.md §4.3 "Load-exclusive / store-exclusive").
func arm64EmitExclusive(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
	body := make([]byte, len(p.Source.Bytes))
	copy(body, p.Source.Bytes)
	return []reloc.RelocatableInst{reloc.New(body)}
}

// NewAArch64LocalMonitor builds a LocalMonitor whose HostState
// bookkeeping moves address the data block through the sequence's
// reserved base register (spec.md §4.4), recovering the monitored address
// from the exclusive instruction's own base operand.
func NewAArch64LocalMonitor(scratchReg int, addrOffset, setOffset int32) *LocalMonitor {
	return &LocalMonitor{
		AddrOffset: addrOffset,
		SetOffset:  setOffset,
		LoadAddress: func(p *patch.Patch, tm *patch.TempManager, reg int) []reloc.RelocatableInst {
			inst, ok := p.Source.Raw.(asmarm64.Inst)
			if !ok {
				return nil
			}
			for _, a := range inst.Args {
				if a.Kind == asmarm64.OperandMem {
					if idx, ok := asmarm64.RegIndex(a.Base); ok {
						return []reloc.RelocatableInst{reloc.New(asmarm64.MovReg(reg, idx))}
					}
				}
			}
			return nil
		},
		LoadWord: func(reg int, offset int32) []reloc.RelocatableInst {
			return []reloc.RelocatableInst{reloc.New(asmarm64.LdrImm(reg, scratchReg, uint16(offset/8)))}
		},
		StoreWord: func(reg int, offset int32) []reloc.RelocatableInst {
			return []reloc.RelocatableInst{reloc.New(asmarm64.StrImm(reg, scratchReg, uint16(offset/8)))}
		},
		MoveImm: func(reg int, v uint32) []reloc.RelocatableInst {
			return []reloc.RelocatableInst{reloc.New(asmarm64.MovzImm16(reg, uint16(v), 0))}
		},
	}
}

// NewAArch64WriteSelector stores the selector value through the
// sequence's reserved scratch register instead of a PC-relative access
// (spec.md §4.4's ScratchRegister discipline).
func NewAArch64WriteSelector(scratchReg int, selectorOffset int32) writeSelector {
	return func(tm *patch.TempManager, src int) []reloc.RelocatableInst {
		return []reloc.RelocatableInst{
			reloc.New(asmarm64.StrImm(src, scratchReg, uint16(selectorOffset/8))),
		}
	}
}

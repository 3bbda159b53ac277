package rules

import (
	"encoding/binary"

	"github.com/qbdigo/qbdi/internal/asmarm"
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
	"github.com/qbdigo/qbdi/internal/rules/armt"
)

var armBranchMnemonics = []string{"B"}
var armCallMnemonics = []string{"BL", "BLX"}
var armIndirectMnemonics = []string{"BX"}
var armExclusiveMnemonics = []string{"LDREX", "LDREXB", "LDREXH", "LDREXD", "STREX", "STREXB", "STREXH", "STREXD"}
var armLoadMultiMnemonics = []string{"LDM", "LDMIA", "LDMDB", "LDMFD", "LDMEA", "POP"}

// NewARMRules builds the ARM (A32) PatchRuleAssembly table (spec.md
// §4.3). SETEND and BXJ are refused outright per spec.md's explicit
// "unsupported by design" list; PC-modifying forms the hand-built encoder
// cannot re-express (PC-destination ALU ops other than MOV, exotic LDM
// addressing modes) are refused the same way rather than mistranslated.
func NewARMRules(encode func(p *patch.Patch, tm *patch.TempManager, transforms []patch.InstTransform) []reloc.RelocatableInst, writeSel writeSelector, monitor *LocalMonitor, scratchReg int) RuleList {
	return NewRuleList(
		refuseUnsupported("SETEND", "BXJ"),
		Rule{
			Name:      "load-store-exclusive",
			Condition: Mnemonic(armExclusiveMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return monitor.Wrap(p, tm, armEmitExclusive), false
				}),
			},
		},
		Rule{
			Name:      "clear-monitor-on-svc",
			Condition: Mnemonic("SVC", "SWI"),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return monitor.ClearOnTrap(p, tm), true
				}),
			},
		},
		Rule{
			Name:      "call",
			Condition: Mnemonic(armCallMnemonics...),
			Generators: []patch.Generator{
				patch.SimulateCall(func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
					return armSimulateCall(p, tm, writeSel)
				}),
			},
		},
		Rule{
			Name:      "branch",
			Condition: Mnemonic(armBranchMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return armSimulateBranch(p, tm, writeSel), false
				}),
			},
		},
		Rule{
			Name:      "indirect-branch",
			Condition: Mnemonic(armIndirectMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return armSimulateIndirect(p, tm, writeSel), false
				}),
			},
		},
		Rule{
			Name:      "ldm-pc",
			Condition: And(Mnemonic(armLoadMultiMnemonics...), ModifiesPC, armIsLDMIAWriteback),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return armSimulateLDMPC(p, tm, writeSel), false
				}),
			},
		},
		Rule{
			Name:      "mov-pc",
			Condition: And(Mnemonic("MOV"), ModifiesPC, armSecondArgIsReg),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return armSimulateMovPC(p, tm, writeSel), false
				}),
			},
		},
		// Any remaining PC writer needs a general re-encoder (substitute
		// PC's operand slot with a temp) the hand-built asmarm package
		// does not provide; refusing beats silently emitting a branch
		// into the JIT page.
		Refuse(ModifiesPC),
		Refuse(armLDMTouchesScratch(scratchReg)),
		Rule{
			Name:      "scratch-preserving-ldm",
			Condition: Mnemonic(armLoadMultiMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					armPreserveScratchAcrossLDM(p, tm)
					return nil, true
				}),
			},
		},
		identityRule(encode),
	)
}

// NewThumbRules builds the Thumb (T32) PatchRuleAssembly table. The IT
// instruction itself translates to nothing: the state machine in it
// replays its conditions onto the governed instructions, and the backend's
// decode driver (internal/execblock) calls it.Enter/Advance/CheckPCWrite
// around each Match (spec.md §4.3 "IT-blocks").
func NewThumbRules(encode func(p *patch.Patch, tm *patch.TempManager, transforms []patch.InstTransform) []reloc.RelocatableInst, writeSel writeSelector, monitor *LocalMonitor, it *armt.State) RuleList {
	return NewRuleList(
		refuseUnsupported("SETEND", "BXJ"),
		Rule{
			Name:      "it-block",
			Condition: Mnemonic("IT"),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return nil, false
				}),
			},
		},
		Rule{
			Name:      "load-store-exclusive",
			Condition: Mnemonic(armExclusiveMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return monitor.Wrap(p, tm, armEmitExclusive), false
				}),
			},
		},
		Rule{
			Name:      "call",
			Condition: Mnemonic(armCallMnemonics...),
			Generators: []patch.Generator{
				patch.SimulateCall(func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
					return armSimulateCall(p, tm, writeSel)
				}),
			},
		},
		Rule{
			Name:      "branch",
			Condition: Mnemonic(armBranchMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return armSimulateBranch(p, tm, writeSel), false
				}),
			},
		},
		Rule{
			Name:      "indirect-branch",
			Condition: Mnemonic(armIndirectMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return armSimulateIndirect(p, tm, writeSel), false
				}),
			},
		},
		Refuse(ModifiesPC),
		identityRule(encode),
	)
}

// armCond extracts the decoded condition code, AL when the decode carried
// none. asmarm.Cond and armasm.Cond share the architectural numbering.
func armCond(p *patch.Patch) asmarm.Cond {
	inst, ok := p.Source.Raw.(asmarm.Inst)
	if !ok || uint8(inst.Cond) > uint8(asmarm.CondAL) {
		return asmarm.CondAL
	}
	return asmarm.Cond(uint8(inst.Cond))
}

// invertCond flips a condition to its architectural inverse (EQ<->NE,
// CS<->CC, ...); AL has no inverse and callers never pass it.
func invertCond(c asmarm.Cond) asmarm.Cond { return c ^ 1 }

// armLoadConst emits the MOVW/MOVT pair materializing a 32-bit constant
// under cond, the conditional-select building block every ARM branch rule
// uses: the taken target loads under the branch's own condition, the
// fallthrough under its inverse, and neither MOVW nor MOVT touches flags
// (spec.md §8, flags preservation).
func armLoadConst(cond asmarm.Cond, rd int, v uint32) []reloc.RelocatableInst {
	return []reloc.RelocatableInst{
		reloc.New(asmarm.MovwImm(cond, rd, uint16(v&0xFFFF))),
		reloc.New(asmarm.MovtImm(cond, rd, uint16(v>>16))),
	}
}

// armPCBase is the value the guest reads for PC in ARM mode: the
// instruction's own address plus 8 (spec.md §4.1's per-architecture
// bias; +4 in Thumb).
func armPCBase(p *patch.Patch) uint32 {
	if p.Mode == gpr.CPUModeThumb {
		return uint32(p.Source.Addr) + 4
	}
	return uint32(p.Source.Addr) + 8
}

func armSimulateBranch(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	inst := p.Source.Raw.(asmarm.Inst)
	_, target, _ := tm.Acquire()

	var takenAddr uint32
	for _, a := range inst.Args {
		if a.Kind == asmarm.OperandPCRel {
			takenAddr = armPCBase(p) + uint32(a.Imm)
			break
		}
	}
	fallthroughAddr := uint32(p.Source.Addr) + uint32(p.Source.Size)

	cond := armCond(p)
	var out []reloc.RelocatableInst
	if cond == asmarm.CondAL {
		out = append(out, armLoadConst(asmarm.CondAL, target, takenAddr)...)
	} else {
		out = append(out, armLoadConst(cond, target, takenAddr)...)
		out = append(out, armLoadConst(invertCond(cond), target, fallthroughAddr)...)
	}
	out = append(out, writeSel(tm, target)...)
	return out
}

// armSimulateCall writes the return address straight into the guest's LR
// (r14) — the architectural effect BL/BLX has — then funnels the call
// target through the selector (spec.md §4.3 "Call/return",
// SimulateLink). A BLX immediate also flips to Thumb, recorded in the
// target's bit 0 the way the hardware's interworking rule does.
func armSimulateCall(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	inst := p.Source.Raw.(asmarm.Inst)
	_, target, _ := tm.Acquire()

	retAddr := uint32(p.Source.Addr) + uint32(p.Source.Size)
	var out []reloc.RelocatableInst
	out = append(out, armLoadConst(asmarm.CondAL, 14, retAddr)...)

	materialized := false
	for _, a := range inst.Args {
		switch a.Kind {
		case asmarm.OperandPCRel:
			takenAddr := armPCBase(p) + uint32(a.Imm)
			if p.Source.Mnemonic == "BLX" {
				takenAddr |= 1 // immediate BLX always interworks to Thumb
			}
			out = append(out, armLoadConst(asmarm.CondAL, target, takenAddr)...)
			materialized = true
		case asmarm.OperandReg:
			if idx, ok := asmarm.RegIndex(a.Reg); ok {
				out = append(out, reloc.New(asmarm.MovReg(asmarm.CondAL, target, idx)))
				materialized = true
			}
		}
		if materialized {
			break
		}
	}
	if !materialized {
		panic("BUG: BL/BLX with neither a PC-relative nor a register target")
	}
	out = append(out, writeSel(tm, target)...)
	return out
}

func armSimulateIndirect(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	inst := p.Source.Raw.(asmarm.Inst)
	_, target, _ := tm.Acquire()

	var out []reloc.RelocatableInst
	for _, a := range inst.Args {
		if a.Kind == asmarm.OperandReg {
			if idx, ok := asmarm.RegIndex(a.Reg); ok {
				out = append(out, reloc.New(asmarm.MovReg(asmarm.CondAL, target, idx)))
				break
			}
		}
	}
	if len(out) == 0 {
		panic("BUG: BX without a register operand")
	}
	out = append(out, writeSel(tm, target)...)
	return out
}

// armLDMWord re-reads the raw A32 load-multiple encoding; the decoded
// operand view flattens the addressing-mode bits the ldm-pc rule needs.
func armLDMWord(p *patch.Patch) (word uint32, ok bool) {
	if len(p.Source.Bytes) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(p.Source.Bytes), true
}

// armIsLDMIAWriteback matches the increment-after writeback form
// (P=0, U=1, W=1), the shape `pop {..., pc}` and `ldmia sp!, {..., pc}`
// decode to — the only PC-loading multiple this engine re-expresses.
var armIsLDMIAWriteback Condition = ConditionFunc(func(src patch.Source) bool {
	if len(src.Bytes) != 4 {
		return false
	}
	word := binary.LittleEndian.Uint32(src.Bytes)
	const pMask, uMask, wMask = 1 << 24, 1 << 23, 1 << 21
	return word&pMask == 0 && word&uMask != 0 && word&wMask != 0
})

// armSecondArgIsReg gates the mov-pc rule on the register-source form
// (`mov pc, rm`); immediate or shifted forms fall through to Refuse.
var armSecondArgIsReg Condition = ConditionFunc(func(src patch.Source) bool {
	inst, ok := src.Raw.(asmarm.Inst)
	if !ok || len(inst.Args) < 2 {
		return false
	}
	return inst.Args[1].Kind == asmarm.OperandReg
})

// armLDMTouchesScratch matches a load-multiple whose register list
// includes the sequence's reserved data-block base register. Reloading it
// mid-sequence would tear every later data-block access; the original
// engine splits the sequence and re-elects a scratch register here
// (spec.md §4.4), which this build refuses instead (see DESIGN.md).
func armLDMTouchesScratch(scratchReg int) Condition {
	return And(Mnemonic(armLoadMultiMnemonics...), ConditionFunc(func(src patch.Source) bool {
		if len(src.Bytes) != 4 {
			return false
		}
		word := binary.LittleEndian.Uint32(src.Bytes)
		return word&(1<<uint(scratchReg)) != 0
	}))
}

// armSimulateLDMPC splits `ldmia rn!, {regs..., pc}` into the same
// multiple without PC, a post-indexed load of the PC word into a temp,
// and the selector store (spec.md §8 scenario 4). Bit 0 of the loaded
// word keeps its interworking meaning: the guest may be popping a Thumb
// continuation (SetExchange).
func armSimulateLDMPC(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	word, ok := armLDMWord(p)
	if !ok {
		panic("BUG: ldm-pc rule matched a non-word encoding")
	}
	cond := armCond(p)
	rn := int(word >> 16 & 0xF)
	list := uint16(word &^ (1 << 15) & 0xFFFF)

	_, target, _ := tm.Acquire()
	var out []reloc.RelocatableInst
	if list != 0 {
		out = append(out, reloc.New(asmarm.Ldmia(cond, rn, list)))
	}
	out = append(out, reloc.New(asmarm.LdrPostImm(cond, target, rn, 4)))
	out = append(out, writeSel(tm, target)...)
	return out
}

func armSimulateMovPC(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	inst := p.Source.Raw.(asmarm.Inst)
	_, target, _ := tm.Acquire()
	idx, ok := asmarm.RegIndex(inst.Args[1].Reg)
	if !ok {
		panic("BUG: mov-pc rule matched a non-GPR source")
	}
	out := []reloc.RelocatableInst{reloc.New(asmarm.MovReg(armCond(p), target, idx))}
	out = append(out, writeSel(tm, target)...)
	return out
}

// armEmitExclusive re-emits the load/store-exclusive's own encoding
// verbatim; LocalMonitor.Wrap splices the synthetic monitor bookkeeping
// around it (spec.md §4.3 "Load-exclusive / store-exclusive").
func armEmitExclusive(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
	body := make([]byte, len(p.Source.Bytes))
	copy(body, p.Source.Bytes)
	return []reloc.RelocatableInst{reloc.New(body)}
}

// NewARMLocalMonitor builds the A32 LocalMonitor: HostState bookkeeping
// moves address the data block through the sequence's reserved base
// register, and the monitored address is recovered from the exclusive
// instruction's own base operand.
func NewARMLocalMonitor(scratchReg int, addrOffset, setOffset int32) *LocalMonitor {
	return &LocalMonitor{
		AddrOffset: addrOffset,
		SetOffset:  setOffset,
		LoadAddress: func(p *patch.Patch, tm *patch.TempManager, reg int) []reloc.RelocatableInst {
			inst, ok := p.Source.Raw.(asmarm.Inst)
			if !ok {
				return nil
			}
			for _, a := range inst.Args {
				if a.Kind == asmarm.OperandMem {
					if idx, ok := asmarm.RegIndex(a.Base); ok {
						return []reloc.RelocatableInst{reloc.New(asmarm.MovReg(asmarm.CondAL, reg, idx))}
					}
				}
			}
			return nil
		},
		LoadWord: func(reg int, offset int32) []reloc.RelocatableInst {
			return []reloc.RelocatableInst{reloc.New(asmarm.LdrImm(asmarm.CondAL, reg, scratchReg, uint16(offset)))}
		},
		StoreWord: func(reg int, offset int32) []reloc.RelocatableInst {
			return []reloc.RelocatableInst{reloc.New(asmarm.StrImm(asmarm.CondAL, reg, scratchReg, uint16(offset)))}
		},
		MoveImm: func(reg int, v uint32) []reloc.RelocatableInst {
			return []reloc.RelocatableInst{reloc.New(asmarm.MovwImm(asmarm.CondAL, reg, uint16(v)))}
		},
	}
}

// armPreserveScratchAcrossLDM flags every register a multi-register load
// overwrites as saved-by-the-patch, so TempManager's step-3 promotion
// still finds usable temporaries afterward (spec.md §4.3
// "ScratchRegister-preserving LDM/STM"). The decode summary already
// marked them written; RegSaved additionally makes them promotable.
func armPreserveScratchAcrossLDM(p *patch.Patch, tm *patch.TempManager) {
	inst, ok := p.Source.Raw.(asmarm.Inst)
	if !ok {
		return
	}
	for _, a := range inst.Args {
		if a.Kind != asmarm.OperandRegList {
			continue
		}
		for r := 0; r < 13; r++ {
			if a.Regs&(1<<uint(r)) != 0 {
				p.MarkSaved(r)
			}
		}
	}
}

// NewARMWriteSelector stores the selector value through the sequence's
// reserved scratch register (spec.md §4.4); Thumb shares it since the
// engine-emitted store is an A32/T32-common encoding at this level.
func NewARMWriteSelector(scratchReg int, selectorOffset uint16) writeSelector {
	return func(tm *patch.TempManager, src int) []reloc.RelocatableInst {
		return []reloc.RelocatableInst{
			reloc.New(asmarm.StrImm(asmarm.CondAL, src, scratchReg, selectorOffset)),
		}
	}
}

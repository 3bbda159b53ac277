package rules

import (
	"encoding/binary"

	"github.com/qbdigo/qbdi/internal/asmx86"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// x86PrefixMnemonics lists the LOCK/REP/REPNE/segment-override prefixes
// x86asm reports as standalone pseudo-mnemonics on some decode paths;
// spec.md §4.3's prefix-swallow family patches them identity-with-merge,
// letting the next real instruction's rule carry the prefix byte forward
// instead of re-deriving it.
var x86PrefixMnemonics = []string{"LOCK", "REP", "REPE", "REPNE"}

// x86BranchMnemonics are direct conditional/unconditional jumps, rewritten
// to a local no-op branch whose arms each store a different next-PC into
// the selector shadow (spec.md §4.3 "Branches").
var x86BranchMnemonics = []string{
	"JMP", "JE", "JNE", "JL", "JLE", "JG", "JGE", "JA", "JAE", "JB", "JBE",
	"JS", "JNS", "JO", "JNO", "JP", "JNP", "JCXZ", "JECXZ", "JRCXZ",
}

// NewX86Rules builds the x86/x86-64 PatchRuleAssembly table (spec.md
// §4.3). encode performs the final ModifyInstruction re-assembly; it is
// supplied by the caller (internal/instr) because only the InstrRule
// layer knows how to splice PREINST/POSTINST around a rule's own body.
func NewX86Rules(encode func(p *patch.Patch, tm *patch.TempManager, transforms []patch.InstTransform) []reloc.RelocatableInst, writeSel writeSelector) RuleList {
	return NewRuleList(
		Rule{
			Name:      "prefix-swallow",
			Condition: Mnemonic(x86PrefixMnemonics...),
			Generators: []patch.Generator{
				patch.ModifyInstruction(nil, encode),
			},
		},
		Rule{
			Name:      "call",
			Condition: Mnemonic("CALL"),
			Generators: []patch.Generator{
				patch.SimulateCall(func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
					return x86SimulateCall(p, tm, writeSel)
				}),
			},
		},
		Rule{
			Name:      "ret",
			Condition: Mnemonic("RET", "RETF"),
			Generators: []patch.Generator{
				patch.SimulateRet(func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
					return x86SimulateRet(p, tm, writeSel)
				}),
			},
		},
		Rule{
			Name:      "branch",
			Condition: Mnemonic(x86BranchMnemonics...),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return x86SimulateBranch(p, tm, writeSel), false
				}),
			},
		},
		Rule{
			Name:      "pc-as-source",
			Condition: And(x86HasPCRelativeOperand, Mnemonic("LEA", "MOV")),
			Generators: []patch.Generator{
				patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
					return x86RewritePCRelative(p, tm), false
				}),
			},
		},
		Refuse(x86HasPCRelativeOperand),
		identityRule(encode),
	)
}

// x86HasPCRelativeOperand matches any instruction decoding with a
// RIP-relative memory operand (spec.md §4.3's PC-as-source family): a
// guest RIP-relative operand addresses the guest's own instruction stream,
// which this sequence is never JITted at, so it can never fall through to
// the identity rule's verbatim re-emission (asmx86.Operand.BaseIsPC exists
// precisely so rules can detect this instead of mistranslating it).
var x86HasPCRelativeOperand Condition = ConditionFunc(func(src patch.Source) bool {
	inst, ok := src.Raw.(asmx86.Inst)
	if !ok {
		return false
	}
	for _, a := range inst.Args {
		if a.Kind == asmx86.OperandMem && a.BaseIsPC {
			return true
		}
	}
	return false
})

// x86RewritePCRelative rewrites a RIP-relative LEA or MOV into the
// materialized-guest-address form, reusing the exact constant-folding
// asmx86.EffectiveAddress/LoadEffectiveValue already do for CALL targets
// and memory-access capture. LEA only ever computes the address, so it
// becomes a single MovRegImm64; a MOV load/store dereferences it, so the
// address is first materialized into a temp and then used as a plain
// base register with disp=0. Any other RIP-relative mnemonic is caught by
// the Refuse rule that follows this one in NewX86Rules, since the hand-
// built encoder has no general re-encoder to rewrite an arbitrary opcode's
// ModRM.
func x86RewritePCRelative(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
	inst := p.Source.Raw.(asmx86.Inst)
	instEnd := p.Source.Addr + uint64(p.Source.Size)

	switch p.Source.Mnemonic {
	case "LEA":
		dst, ok := asmx86.RegFromX86(inst.Args[0].Reg)
		if !ok {
			panic("BUG: LEA destination is not an addressable 64-bit GPR")
		}
		return asmx86.EffectiveAddress(inst.Args[1], instEnd, dst)
	case "MOV":
		if inst.IsMemWrite {
			src, ok := asmx86.RegFromX86(inst.Args[1].Reg)
			if !ok {
				panic("BUG: MOV source is not an addressable 64-bit GPR")
			}
			_, addrReg, _ := tm.Acquire()
			var out []reloc.RelocatableInst
			out = append(out, asmx86.EffectiveAddress(inst.Args[0], instEnd, asmx86.Reg64(addrReg))...)
			out = append(out, reloc.New(asmx86.MovRegToMemSIB(asmx86.Reg64(addrReg), false, 0, 0, 0, src)))
			return out
		}
		dst, ok := asmx86.RegFromX86(inst.Args[0].Reg)
		if !ok {
			panic("BUG: MOV destination is not an addressable 64-bit GPR")
		}
		return asmx86.LoadEffectiveValue(inst.Args[1], instEnd, dst)
	default:
		panic("BUG: pc-as-source rule matched an unsupported mnemonic")
	}
}

// NewX86WriteSelector builds the x86/x86-64 selector-store: x86 has no
// reserved scratch register for the data block (spec.md §4.4 — "On x86
// there is no scratch register"), so every selector write addresses the
// data page RIP-relative instead of through a dedicated base register.
func NewX86WriteSelector(selectorOffset int64) writeSelector {
	return func(tm *patch.TempManager, src int) []reloc.RelocatableInst {
		tmpl, dispOff := asmx86.MovRegToMem(asmx86.Reg64(src))
		return []reloc.RelocatableInst{
			reloc.NewRelocated(tmpl, reloc.Field{Offset: dispOff, Width: 4}, reloc.DataBlockRel{Offset: selectorOffset}),
		}
	}
}

// loadCallTarget materialises a CALL's destination as a guest address into
// dst: a direct CALL's target is a compile-time constant (Addr+Size+rel),
// needing no relocation at all (same as Terminator's nextAddr); an
// indirect CALL reads it out of a live register or memory the same way a
// memory-access rule would (asmx86.EffectiveAddress/LoadEffectiveValue).
func loadCallTarget(p *patch.Patch, dst int) []reloc.RelocatableInst {
	inst := p.Source.Raw.(asmx86.Inst)
	arg := inst.Args[0]
	switch arg.Kind {
	case asmx86.OperandRel:
		target := uint64(int64(p.Source.Addr) + int64(p.Source.Size) + arg.Imm)
		return []reloc.RelocatableInst{reloc.New(asmx86.MovRegImm64(asmx86.Reg64(dst), target))}
	case asmx86.OperandMem:
		return asmx86.LoadEffectiveValue(arg, p.Source.Addr+uint64(p.Source.Size), asmx86.Reg64(dst))
	case asmx86.OperandReg:
		base, ok := asmx86.RegFromX86(arg.Reg)
		if !ok {
			panic("BUG: CALL register operand is not an addressable 64-bit GPR")
		}
		return []reloc.RelocatableInst{reloc.New(asmx86.MovRegReg(base, asmx86.Reg64(dst)))}
	default:
		panic("BUG: CALL with neither a relative, register nor memory operand")
	}
}

// x86SimulateCall pushes the return address (the instruction's own
// natural fallthrough PC, a guest address exactly like Terminator's
// nextAddr and x86SimulateBranch's fallthroughAddr) onto the guest stack
// exactly as `CALL` would, then funnels the call's guest target address
// through the selector, leaving resolution against the PC->sequence cache
// to ExecBlockManager (spec.md §4.3 "Call/return"). The return address
// must be a guest address, not a host one: x86SimulateRet pops it straight
// into the selector, and VM.step re-translates whatever the selector holds
// as a guest PC.
func x86SimulateCall(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	_, retAddrReg, _ := tm.Acquire()
	_, targetReg, _ := tm.Acquire()

	fallthroughAddr := p.Source.Addr + uint64(p.Source.Size)

	var out []reloc.RelocatableInst
	out = append(out, reloc.New(asmx86.MovRegImm64(asmx86.Reg64(retAddrReg), fallthroughAddr)))
	out = append(out, reloc.New(asmx86.PushReg(asmx86.Reg64(retAddrReg))))
	out = append(out, loadCallTarget(p, targetReg)...)
	out = append(out, writeSel(tm, targetReg)...)
	return out
}

// x86SimulateRet pops the return address into a temp and funnels it
// through the selector instead of letting RET itself transfer control,
// since the popped address means nothing until resolved against the
// ExecBlockManager's PC→sequence cache.
func x86SimulateRet(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	_, targetReg, _ := tm.Acquire()

	var out []reloc.RelocatableInst
	out = append(out, reloc.New(asmx86.PopReg(asmx86.Reg64(targetReg))))
	out = append(out, writeSel(tm, targetReg)...)
	return out
}

// x86SimulateBranch rewrites a direct jump (conditional or not) into the
// selector-write form: compute both the taken and not-taken next-PC into
// one temp, conditionally, then write whichever one the flags picked. Both
// are plain guest-address constants (JMP/Jcc always carry a Rel operand,
// spec.md §4.3's "direct jump"), the same compile-time materialisation
// Terminator's nextAddr and loadCallTarget's direct case use — neither
// needs a relocation rule of its own, only the selector store that
// follows does. Preserving condition-code semantics means the Jcc itself
// still executes; only its destination changes, from "native address" to
// "local no-op label that picks a selector value".
func x86SimulateBranch(p *patch.Patch, tm *patch.TempManager, writeSel writeSelector) []reloc.RelocatableInst {
	_, targetReg, _ := tm.Acquire()

	inst := p.Source.Raw.(asmx86.Inst)
	taken := uint64(int64(p.Source.Addr) + int64(p.Source.Size) + inst.Args[0].Imm)
	fallthroughAddr := p.Source.Addr + uint64(p.Source.Size)

	var out []reloc.RelocatableInst
	if p.Source.Mnemonic == "JMP" {
		out = append(out, reloc.New(asmx86.MovRegImm64(asmx86.Reg64(targetReg), taken)))
		out = append(out, writeSel(tm, targetReg)...)
		return out
	}

	switch p.Source.Mnemonic {
	case "JCXZ", "JECXZ", "JRCXZ":
		// No rel32 encoding exists for these, so the original opcode is
		// kept with its target redirected locally: take the branch over
		// the fallthrough load straight to the taken load, otherwise
		// fall through and skip the taken load.
		movFall := asmx86.MovRegImm64(asmx86.Reg64(targetReg), fallthroughAddr)
		movTaken := asmx86.MovRegImm64(asmx86.Reg64(targetReg), taken)
		skip := asmx86.JmpShort(int8(len(movTaken)))
		var jcxz []byte
		if p.Source.Mnemonic == "JECXZ" {
			jcxz = asmx86.JecxzShort(int8(len(movFall) + len(skip)))
		} else {
			jcxz = asmx86.JrcxzShort(int8(len(movFall) + len(skip)))
		}
		out = append(out, reloc.New(jcxz))
		out = append(out, reloc.New(movFall))
		out = append(out, reloc.New(skip))
		out = append(out, reloc.New(movTaken))
		out = append(out, writeSel(tm, targetReg)...)
		return out
	}

	// Conditional jump: load the taken address, then a Jcc with the same
	// condition code skips over the one instruction that overwrites it
	// with the not-taken fallthrough address. The skip distance is a
	// plain constant (the next instruction's own encoded length), known
	// at encode time — no relocation needed, same as Terminator's
	// nextAddr or the direct branch/call targets above.
	skipFall := asmx86.MovRegImm64(asmx86.Reg64(targetReg), fallthroughAddr)
	out = append(out, reloc.New(asmx86.MovRegImm64(asmx86.Reg64(targetReg), taken)))
	tmpl, off := asmx86.JccRel32(jccCondFromMnemonic(p.Source.Mnemonic))
	binary.LittleEndian.PutUint32(tmpl[off:off+4], uint32(len(skipFall)))
	out = append(out, reloc.New(tmpl))
	out = append(out, reloc.New(skipFall))
	out = append(out, writeSel(tm, targetReg)...)
	return out
}

// jccCondFromMnemonic maps a decoded conditional-jump mnemonic onto the Jcc
// tttn nibble JccRel32 expects, preserving the exact condition x86BranchMnemonics
// names (spec.md §4.3: only the destination changes, never the condition).
// JCXZ/JECXZ/JRCXZ never reach here; x86SimulateBranch handles them with
// their own rel8 redirection since no Jcc encoding carries their
// register-is-zero condition.
func jccCondFromMnemonic(mnemonic string) byte {
	switch mnemonic {
	case "JO":
		return 0x0
	case "JNO":
		return 0x1
	case "JB":
		return 0x2
	case "JAE":
		return 0x3
	case "JE":
		return 0x4
	case "JNE":
		return 0x5
	case "JBE":
		return 0x6
	case "JA":
		return 0x7
	case "JS":
		return 0x8
	case "JNS":
		return 0x9
	case "JP":
		return 0xA
	case "JNP":
		return 0xB
	case "JL":
		return 0xC
	case "JGE":
		return 0xD
	case "JLE":
		return 0xE
	case "JG":
		return 0xF
	default:
		panic("BUG: jccCondFromMnemonic called with a non-Jcc mnemonic")
	}
}

package patch

import "github.com/qbdigo/qbdi/internal/reloc"

// Generator is one element of a PatchRuleAssembly's generator list
// (spec.md §4.2): given the Patch under construction and the TempManager
// scoped to it, it appends zero or more RelocatableInst to the patch body
// (or to instrumentation, when invoked from an InstrRule callback instead
// of a rule's own generator list) and reports whether the original
// instruction still needs to execute verbatim (false once a generator has
// fully replaced it, e.g. SimulateCall).
type Generator interface {
	Generate(p *Patch, tm *TempManager) (insts []reloc.RelocatableInst, keepOriginal bool)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool)

func (f GeneratorFunc) Generate(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
	return f(p, tm)
}

// GetOperand materializes one of the instruction's own operands (by
// logical index, arch-specific meaning) into a temp register via the
// architecture's own Decode().Args, so later generators and
// instrumentation can read it uniformly. The concrete move is supplied by
// the caller since only the arch package knows how to address operand idx.
func GetOperand(load func(p *Patch, tm *TempManager, dst int, operandIdx int) []reloc.RelocatableInst, operandIdx int) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		id, dst, _ := tm.Acquire()
		_ = id
		return load(p, tm, dst, operandIdx), true
	})
}

// GetPCOffset loads (PC of this instruction + delta) into a temp, used by
// PC-as-source rules so relative addressing keeps working once the
// instruction is relocated into an ExecBlock page far from its original
// address.
func GetPCOffset(emit func(p *Patch, tm *TempManager, dst int, delta int64) []reloc.RelocatableInst, delta int64) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		_, dst, _ := tm.Acquire()
		return emit(p, tm, dst, delta), true
	})
}

// GetReadAddress / GetWriteAddress capture the effective address a memory
// operand resolves to, shadowed via reloc.TaggedShadow so InstrRule's
// memory-access pass can pair it with the matching value capture
// (spec.md §5, analyseMemoryAccess).
func GetReadAddress(emit func(p *Patch, tm *TempManager, dst int) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		_, dst, _ := tm.Acquire()
		return emit(p, tm, dst), true
	})
}

func GetWriteAddress(emit func(p *Patch, tm *TempManager, dst int) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		_, dst, _ := tm.Acquire()
		return emit(p, tm, dst), true
	})
}

// GetReadValue / GetWriteValue capture the data a memory access reads or
// is about to write, independent of the address capture above so that
// generators which only need the value (not the address) don't pay for an
// unused address temp.
func GetReadValue(emit func(p *Patch, tm *TempManager, dst int) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		_, dst, _ := tm.Acquire()
		return emit(p, tm, dst), true
	})
}

func GetWriteValue(emit func(p *Patch, tm *TempManager, dst int) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		_, dst, _ := tm.Acquire()
		return emit(p, tm, dst), true
	})
}

// WriteTemp materializes an arbitrary constant or shadow value into a
// fresh temp register, the building block SaveReg/LoadReg and most
// instrumentation thunks are expressed in terms of.
func WriteTemp(emit func(p *Patch, tm *TempManager, dst int) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		_, dst, _ := tm.Acquire()
		return emit(p, tm, dst), true
	})
}

// SaveReg / LoadReg explicitly push/pop a named GPR around instrumentation
// that must clobber it but cannot claim it through TempManager (e.g. a
// register the instrumentation callback contract promises untouched).
func SaveReg(store func(reg int) []reloc.RelocatableInst, reg int) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		p.MarkSaved(reg)
		return store(reg), true
	})
}

func LoadReg(load func(reg int) []reloc.RelocatableInst, reg int) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		return load(reg), true
	})
}

// ModifyInstruction applies an ordered list of InstTransform to the
// decoded instruction before it is re-encoded, producing a rewritten
// RelocatableInst in place of the verbatim original.
func ModifyInstruction(transforms []InstTransform, encode func(p *Patch, tm *TempManager, transforms []InstTransform) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		return encode(p, tm, transforms), false
	})
}

// SimulateCall / SimulateRet / SimulateLink replace a control-flow
// instruction with the explicit sequence of moves/branches that reproduces
// its effect against the ExecBlock's own epilogue and ExecBroker, instead
// of letting it execute as a native CALL/RET/BL against addresses that no
// longer mean anything once relocated (spec.md §4.5, ExecBroker).
func SimulateCall(emit func(p *Patch, tm *TempManager) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		return emit(p, tm), false
	})
}

func SimulateRet(emit func(p *Patch, tm *TempManager) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		return emit(p, tm), false
	})
}

func SimulateLink(emit func(p *Patch, tm *TempManager) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		return emit(p, tm), true
	})
}

// JmpEpilogue unconditionally transfers control to the ExecBlock epilogue,
// used to terminate a Sequence whose last Patch reached a forced
// terminator rather than a natural branch.
func JmpEpilogue(emit func(p *Patch, tm *TempManager) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		return emit(p, tm), false
	})
}

// TargetPrologue emits the fixed entry/exit bookkeeping every Patch gets
// regardless of which rule matched it (e.g. restoring PC bookkeeping
// shadows); distinct from the TempManager save/restore prelude, which is
// rule-specific.
func TargetPrologue(emit func(p *Patch, tm *TempManager) []reloc.RelocatableInst) Generator {
	return GeneratorFunc(func(p *Patch, tm *TempManager) ([]reloc.RelocatableInst, bool) {
		return emit(p, tm), true
	})
}

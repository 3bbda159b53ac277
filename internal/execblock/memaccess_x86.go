package execblock

import (
	"github.com/qbdigo/qbdi/internal/asmx86"
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// x86MemOperand returns the first memory operand a decoded x86-64
// instruction references, if any (asmx86.Decode records at most one).
func x86MemOperand(src patch.Source) (asmx86.Operand, bool) {
	inst, ok := src.Raw.(asmx86.Inst)
	if !ok {
		return asmx86.Operand{}, false
	}
	for _, a := range inst.Args {
		if a.Kind == asmx86.OperandMem {
			return a, true
		}
	}
	return asmx86.Operand{}, false
}

// x86StoreShadow appends the instructions that spill dst into a freshly
// tagged shadow slot, the common tail every memory-access generator below
// needs once it has computed the value memAccessRule wants recorded.
func x86StoreShadow(out []reloc.RelocatableInst, dst asmx86.Reg64, tag string) []reloc.RelocatableInst {
	tmpl, off := asmx86.MovRegToMem(dst)
	return append(out, reloc.NewRelocated(tmpl, reloc.Field{Offset: off, Width: 4},
		reloc.TaggedShadow{Tag: tag, AsDataBlockRel: true}))
}

// NewX86MemoryAccessRule builds the instr.Rule that records every memory
// operand an x86-64 instruction reads or writes (spec.md §4.6), wiring
// asmx86.EffectiveAddress/LoadEffectiveValue (built for exactly this) into
// the four shadow slots instr.AnalyseMemoryAccess later reads back. There
// is no ARM/AArch64 equivalent: those backends are decode-only here and
// their asmarm/asmarm64 packages expose no effective-address helper (see
// DESIGN.md).
func NewX86MemoryAccessRule() instr.Rule {
	getReadAddr := func(p *patch.Patch, tm *patch.TempManager, dst int) []reloc.RelocatableInst {
		op, ok := x86MemOperand(p.Source)
		if !ok {
			return nil
		}
		instEnd := p.Source.Addr + uint64(p.Source.Size)
		out := asmx86.EffectiveAddress(op, instEnd, asmx86.Reg64(dst))
		return x86StoreShadow(out, asmx86.Reg64(dst), instr.TagReadAddr)
	}
	getReadValue := func(p *patch.Patch, tm *patch.TempManager, dst int) []reloc.RelocatableInst {
		op, ok := x86MemOperand(p.Source)
		if !ok {
			return nil
		}
		instEnd := p.Source.Addr + uint64(p.Source.Size)
		out := asmx86.LoadEffectiveValue(op, instEnd, asmx86.Reg64(dst))
		return x86StoreShadow(out, asmx86.Reg64(dst), instr.TagReadValue)
	}
	getWriteAddr := func(p *patch.Patch, tm *patch.TempManager, dst int) []reloc.RelocatableInst {
		op, ok := x86MemOperand(p.Source)
		if !ok {
			return nil
		}
		instEnd := p.Source.Addr + uint64(p.Source.Size)
		out := asmx86.EffectiveAddress(op, instEnd, asmx86.Reg64(dst))
		return x86StoreShadow(out, asmx86.Reg64(dst), instr.TagWriteAddr)
	}
	getWriteValue := func(p *patch.Patch, tm *patch.TempManager, dst int) []reloc.RelocatableInst {
		op, ok := x86MemOperand(p.Source)
		if !ok {
			return nil
		}
		instEnd := p.Source.Addr + uint64(p.Source.Size)
		out := asmx86.LoadEffectiveValue(op, instEnd, asmx86.Reg64(dst))
		return x86StoreShadow(out, asmx86.Reg64(dst), instr.TagWriteValue)
	}
	return instr.NewMemoryAccessRule(getReadAddr, getReadValue, getWriteAddr, getWriteValue)
}

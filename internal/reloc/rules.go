package reloc

import "github.com/qbdigo/qbdi/internal/gpr"

// pcRelBias is the per-architecture bias added to PC-relative encodings
// (spec.md §4.1): 8 on ARM, 4 on Thumb, 0 on x86 (which addresses the
// data block via absolute RIP-relative displacement directly, already
// folded into DataBlockOffset), load-literal range handling on AArch64
// is folded into DataBlockOffset by the caller since it depends on the
// concrete load instruction's encoding, not a flat constant.
func pcRelBias(mode gpr.CPUMode) int64 {
	switch mode {
	case gpr.CPUModeARM:
		return 8
	case gpr.CPUModeThumb:
		return 4
	default:
		return 0
	}
}

// DataBlockRel rewrites its field to dataBlockBase - currentCodePC + offset,
// plus the architecture's PC-relative bias (spec.md §4.1).
type DataBlockRel struct {
	Offset int64
}

func (r DataBlockRel) Resolve(ctx Context) int64 {
	return ctx.DataBlockOffset() + r.Offset + pcRelBias(ctx.CPUMode())
}

// EpilogueRel targets the epilogue entry point the same way DataBlockRel
// targets the data block.
type EpilogueRel struct{}

func (r EpilogueRel) Resolve(ctx Context) int64 {
	return ctx.EpilogueOffset() + pcRelBias(ctx.CPUMode())
}

// HostPCRel materialises an absolute host PC: currentCodePC + Delta.
type HostPCRel struct {
	Delta int64
}

func (r HostPCRel) Resolve(ctx Context) int64 {
	return int64(ctx.CurrentCodePC()) + r.Delta
}

// TaggedShadow allocates a new shadow slot tagged Tag, registered against
// the (sequence, instruction) pair current at resolve time, and resolves
// to that slot's location: PC-relative like DataBlockRel when
// AsDataBlockRel is set, or the raw byte offset from the data block base
// otherwise (for instructions that address shadows through a base
// register holding the data block pointer).
type TaggedShadow struct {
	Tag            string
	AsDataBlockRel bool
}

func (r TaggedShadow) Resolve(ctx Context) int64 {
	idx := ctx.AllocTaggedShadow(r.Tag, ctx.CurrentSeqID(), ctx.NextInstID())
	off := ctx.ShadowWordOffset(idx)
	if r.AsDataBlockRel {
		return ctx.DataBlockOffset() + off + pcRelBias(ctx.CPUMode())
	}
	return off
}

// InstId allocates an unnamed shadow, stores the next instruction id into
// it, and resolves to that shadow's data-block-relative address so the
// translated instruction can reference it (e.g. to record "this is where
// instruction N's result landed").
type InstId struct{}

func (r InstId) Resolve(ctx Context) int64 {
	idx := ctx.AllocShadow()
	ctx.SetShadowWord(idx, uint64(ctx.NextInstID()))
	off := ctx.ShadowWordOffset(idx)
	return ctx.DataBlockOffset() + off + pcRelBias(ctx.CPUMode())
}

// SpillSlot ties a save/restore instruction pair to one lazily-allocated
// shadow slot (spec.md §4.4: TempManager's save prelude and restore
// postlude). Allocation happens on the first Resolve that touches the
// slot — the save, since it is emitted first — so a patch discarded by a
// "block full" rollback rewinds the allocation along with every other
// shadow the patch claimed (spec.md §4.1). Words is the slot width in
// shadow words; zero means one (a register pair saved by a single STP
// asks for two).
type SpillSlot struct {
	Words     int
	idx       int
	allocated bool
}

// ByteOffset returns the slot's offset from the data block base,
// allocating on first use.
func (s *SpillSlot) ByteOffset(ctx Context) int64 {
	if !s.allocated {
		n := s.Words
		if n <= 0 {
			n = 1
		}
		s.idx = ctx.AllocShadow()
		for i := 1; i < n; i++ {
			ctx.AllocShadow()
		}
		s.allocated = true
	}
	return ctx.ShadowWordOffset(s.idx)
}

// SpillRef resolves a save or restore instruction's field against its
// SpillSlot: PC-relative (like DataBlockRel) so x86's RIP-relative
// load/store forms can address the slot directly. Architectures that
// address shadows through a reserved base register re-encode the whole
// instruction word instead and call ByteOffset themselves.
type SpillRef struct {
	Slot *SpillSlot
}

func (r SpillRef) Resolve(ctx Context) int64 {
	return ctx.DataBlockOffset() + r.Slot.ByteOffset(ctx) + pcRelBias(ctx.CPUMode())
}

// NoReloc is the identity rule: Field is never actually patched because
// Field is NoRelocField, but some callers construct a Rule value anyway
// for uniformity (e.g. a table keyed by rule kind).
type NoReloc struct{}

func (r NoReloc) Resolve(ctx Context) int64 { return 0 }

// Low16 and High16 split a full resolved value across the two halves of
// a MOVW/MOVT-style 32-bit immediate load (ARM/Thumb, spec.md §4.1's
// non-PC-relative targets that can't address the data block in one
// instruction the way x86's RIP-relative form or AArch64's LDR-literal
// form can). Both wrap the same Inner rule so a single resolved address
// drives both halves of the load instead of computing it twice.
type Low16 struct{ Inner Rule }

func (r Low16) Resolve(ctx Context) int64 { return r.Inner.Resolve(ctx) & 0xFFFF }

type High16 struct{ Inner Rule }

func (r High16) Resolve(ctx Context) int64 { return (r.Inner.Resolve(ctx) >> 16) & 0xFFFF }

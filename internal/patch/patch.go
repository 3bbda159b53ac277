// Package patch implements the per-instruction translation container
// (Patch), the PatchGenerator alphabet that builds its RelocatableInst
// body, and the per-Patch scratch-register allocator (TempManager)
// (spec.md §3, §4.2, §4.4).
package patch

import (
	"sort"

	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// RegUsage is a bitmask describing how one GPR is used within a Patch
// (spec.md §3, Patch.regUsage).
type RegUsage uint8

const (
	RegRead RegUsage = 1 << iota
	RegWritten
	RegSaved        // pushed to the stack so it is free to reuse as scratch
	RegSavedScratch // saved specifically to serve as a TempManager scratch register
)

// Position distinguishes instrumentation spliced before vs. after the
// patch body (spec.md §4.6).
type Position uint8

const (
	PreInst Position = iota
	PostInst
)

// deferredCB is one instrumentation callback queued by InstrRule.tryInstrument,
// resolved into RelocatableInst at finalize time, ordered by Priority.
type deferredCB struct {
	Priority int
	Gen      func(p *Patch, tm *TempManager) []reloc.RelocatableInst
}

// Source is the arch-neutral summary of the guest instruction a Patch
// translates. Architecture packages (asmx86/asmarm/asmarm64) each
// produce one via their own decode step; Raw keeps the fully-typed
// decoded instruction for rule tables that need more than this summary.
type Source struct {
	Addr       uint64
	Size       int
	Mnemonic   string
	ModifiesPC bool
	IsMemRead  bool
	IsMemWrite bool
	// UsesFPR marks an instruction touching floating-point/vector state;
	// WriteSequence ORs it into the sequence's executeFlags so the
	// dispatcher can skip FPR save/restore for sequences that never need
	// it (spec.md §3 executeFlags, §6 OPT_DISABLE_OPTIONAL_FPR).
	UsesFPR bool
	Raw     any
	// Bytes is the original encoding, Size long. The identity rule and
	// prefix-swallow family re-emit it verbatim (spec.md §4.3); rules
	// that replace the instruction outright (call/ret/branch) never
	// read it.
	Bytes []byte
	// RegsRead/RegsWritten are the GPR indices the instruction itself
	// touches (explicit operands plus implicit SP effects), the per-
	// opcode register-usage metadata spec.md §9 names as the one thing
	// the rule tables and TempManager query from the decoder.
	RegsRead    []int
	RegsWritten []int
}

// maxGPR bounds Patch.RegUsage; it must be at least the largest
// AvailableGPR across all four architectures (AArch64's 29 is currently
// the largest).
const maxGPR = 32

// Patch is the owning container for one translated guest instruction
// (spec.md §3). It is constructed from a decoded Source, mutated by the
// matching PatchRuleAssembly rule's generators, and finalized exactly
// once before ExecBlock.writeSequence encodes it into a page.
type Patch struct {
	Source   Source
	Arch     gpr.Arch
	Mode     gpr.CPUMode
	ModifyPC bool

	RegUsage [maxGPR]RegUsage // only Arch's AvailableGPR entries are meaningful
	TempReg  map[int]gpr.Reg  // logical temp id -> allocated concrete register, filled by TempManager

	body []reloc.RelocatableInst // the instruction(s) generated for the patch's own semantics, before finalize
	pre  []deferredCB
	post []deferredCB

	finalized bool
	insts     []reloc.RelocatableInst // finalize() output
}

// NewPatch constructs a Patch from a decoded Source, seeding RegUsage
// from the decoder's register-usage summary so TempManager never hands
// out a register the instruction itself reads or writes (spec.md §3,
// Patch.regUsage).
func NewPatch(src Source, arch gpr.Arch, mode gpr.CPUMode) *Patch {
	p := &Patch{Source: src, Arch: arch, Mode: mode, ModifyPC: src.ModifiesPC}
	for _, r := range src.RegsRead {
		if r >= 0 && r < maxGPR {
			p.MarkRead(r)
		}
	}
	for _, r := range src.RegsWritten {
		if r >= 0 && r < maxGPR {
			p.MarkWritten(r)
		}
	}
	return p
}

// MarkRead/MarkWritten/MarkSaved/MarkSavedScratch record how GPR idx
// participates in this patch, consulted by TempManager.Allocate.
func (p *Patch) MarkRead(idx int)         { p.RegUsage[idx] |= RegRead }
func (p *Patch) MarkWritten(idx int)      { p.RegUsage[idx] |= RegWritten }
func (p *Patch) MarkSaved(idx int)        { p.RegUsage[idx] |= RegSaved }
func (p *Patch) MarkSavedScratch(idx int) { p.RegUsage[idx] |= RegSavedScratch }

// AppendBody adds RelocatableInst to the patch's own instruction body,
// called by PatchGenerators while the matching rule is applied.
func (p *Patch) AppendBody(insts ...reloc.RelocatableInst) {
	if p.finalized {
		panic("BUG: Patch.AppendBody called after finalize")
	}
	p.body = append(p.body, insts...)
}

// AddInstrumentation queues an instrumentation-supplied generator to run
// at finalize time, at the given position and priority (spec.md §4.6).
// Each position's callbacks run in ascending priority order: a lower
// value runs earlier, first in the PREINST queue and first after the body
// in the POSTINST queue.
func (p *Patch) AddInstrumentation(pos Position, priority int, gen func(p *Patch, tm *TempManager) []reloc.RelocatableInst) {
	if p.finalized {
		panic("BUG: Patch.AddInstrumentation called after finalize")
	}
	cb := deferredCB{Priority: priority, Gen: gen}
	if pos == PreInst {
		p.pre = append(p.pre, cb)
	} else {
		p.post = append(p.post, cb)
	}
}

// markerInst produces a zero-length RelocatableInst used purely as a
// positional anchor (TargetPrologue entry/exit, RelocTagPatchInstBegin/End);
// it carries no bytes but lets ExecBlock.writeSequence and instrumentation
// locate "right before/after the original instruction" without assuming a
// fixed offset. kind is documentation only, kept for debugging output.
func markerInst(kind string) reloc.RelocatableInst {
	return reloc.New(nil)
}

// Finalize assembles the final instruction order exactly once:
// [TargetPrologue] · [PREINST callbacks sorted by priority] ·
// [RelocTagPatchInstBegin] · original patch body · [RelocTagPatchInstEnd]
// · [TargetPrologue] · [POSTINST callbacks] (spec.md §4.6).
//
// tm is the TempManager instrumentation generators may still request
// temporaries from; it must already have resolved the patch's own body
// allocations before Finalize is called, since instrumentation scratch
// requests must not collide with the patch's own temps.
func (p *Patch) FinalizeInstsPatch(tm *TempManager) []reloc.RelocatableInst {
	if p.finalized {
		panic("BUG: Patch.FinalizeInstsPatch called twice")
	}
	p.finalized = true

	sortByPriority(p.pre)
	sortByPriority(p.post)

	var out []reloc.RelocatableInst
	out = append(out, markerInst("target-prologue-entry"))
	for _, cb := range p.pre {
		out = append(out, cb.Gen(p, tm)...)
	}
	out = append(out, markerInst("reloc-tag-begin"))
	out = append(out, p.body...)
	out = append(out, markerInst("reloc-tag-end"))
	out = append(out, markerInst("target-prologue-exit"))
	for _, cb := range p.post {
		out = append(out, cb.Gen(p, tm)...)
	}

	p.insts = out
	return out
}

func sortByPriority(cbs []deferredCB) {
	sort.SliceStable(cbs, func(i, j int) bool { return cbs[i].Priority < cbs[j].Priority })
}

// SeqType classifies a Sequence's entry/exit shape (spec.md §3).
type SeqType uint8

const (
	SeqEntry SeqType = 1 << iota
	SeqExit
)

// Sequence is a contiguous run of Patches written into one ExecBlock,
// terminated by a natural PC-modifying instruction or a forced
// terminator (spec.md §3).
type Sequence struct {
	ID           int
	StartInstID  int
	EndInstID    int
	Type         SeqType
	ExecuteFlags gpr.ExecuteFlags
	Mode         gpr.CPUMode
	// ScratchReg is the register reserved for the data-block base
	// throughout this sequence (ARM-Thumb/AArch64 only; -1 elsewhere).
	ScratchReg int
}

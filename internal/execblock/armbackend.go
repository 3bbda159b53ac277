package execblock

import (
	"encoding/binary"

	"github.com/qbdigo/qbdi/internal/asmarm"
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
	"github.com/qbdigo/qbdi/internal/rules"
	"github.com/qbdigo/qbdi/internal/rules/armt"
)

// armScratchReg is the GPR ARM/Thumb sequences reserve to hold the data
// block base throughout a sequence (spec.md §4.4: "one GPR is reserved to
// hold the data-block base pointer"). r7 is free in both the ARM and
// Thumb encodings used here, is never PC/SP/LR, and is not among the
// registers ExecBroker's transfer sequences touch.
const armScratchReg = 7

// armBackend is the ARM/Thumb Backend. It is not wired for live
// execution on this host (see LiveExecution below); its Rules/Decode
// paths still fully exercise the ARM PatchRuleAssembly tables, matching
// spec.md §9's guidance that the rule tables for each architecture stay
// independently testable regardless of which one a given host can run.
type armBackend struct {
	armRules, thumbRules rules.RuleList
	monitor              *rules.LocalMonitor
	it                   *armt.State
}

// NewARMBackend wires the ARM (A32) and Thumb (T32) PatchRuleAssembly
// tables against db, sharing one LocalMonitor and one IT-block state
// machine the way a single guest thread's translator would (spec.md §4.3).
func NewARMBackend(db *DataBlock) Backend {
	monitor := rules.NewARMLocalMonitor(armScratchReg, int32(db.LocalMonitorAddrOffset()), int32(db.LocalMonitorSetOffset()))
	// The rule tables' "selector" store is the next-GUEST-PC handoff; it
	// targets the context PC slot, while HostState.Selector carries the
	// absolute host address the prologue enters through (same split as
	// x86_64Backend — see its Terminator comment).
	sel := uint16(db.PCOffset())
	it := armt.NewState()
	return &armBackend{
		armRules:   rules.ARMRuleList(armScratchReg, sel, monitor),
		thumbRules: rules.ThumbRuleList(armScratchReg, sel, monitor, it),
		monitor:    monitor,
		it:         it,
	}
}

func (b *armBackend) Arch() gpr.Arch { return gpr.ArchARM }

// OnSequenceStart resets the IT-block state machine so a block cut short
// by rollback or a translation error never leaks conditions into the
// next sequence (spec.md §9: "must reset on earlyEnd()").
func (b *armBackend) OnSequenceStart(mode gpr.CPUMode) { b.it.Reset() }

// Decode drives the IT-block state machine alongside raw decoding: an IT
// instruction enters a block, every governed instruction consumes one
// condition slot, and a PC write anywhere but the final slot surfaces as
// a translation error (spec.md §4.3 "IT-blocks").
func (b *armBackend) Decode(code []byte, addr uint64, mode gpr.CPUMode) (patch.Source, gpr.CPUMode, error) {
	src, next, err := decodeARM(code, addr, mode)
	if err != nil {
		return src, next, err
	}
	if mode == gpr.CPUModeThumb {
		if src.Mnemonic == "IT" {
			inst := src.Raw.(asmarm.Inst)
			b.it.Enter(asmarm.Cond(inst.Args[0].Imm), uint8(inst.Args[1].Imm))
		} else if b.it.InIT() {
			if cerr := b.it.CheckPCWrite(src.ModifiesPC); cerr != nil {
				return patch.Source{}, mode, cerr
			}
			b.it.Advance()
		}
	}
	return src, next, nil
}

func (b *armBackend) Rules(mode gpr.CPUMode) instr.RuleList {
	if mode == gpr.CPUModeThumb {
		return b.thumbRules.AsInstrRuleList()
	}
	return b.armRules.AsInstrRuleList()
}

// armSpillRule re-encodes a whole LDR/STR-immediate word against its
// SpillSlot's resolved offset: the imm12 field straddles the low bits of
// the word, so a byte-aligned reloc.Field cannot patch it in place.
type armSpillRule struct {
	load bool
	rt   int
	slot *reloc.SpillSlot
}

func (r armSpillRule) Resolve(ctx reloc.Context) int64 {
	off := uint16(r.slot.ByteOffset(ctx))
	var word []byte
	if r.load {
		word = asmarm.LdrImm(asmarm.CondAL, r.rt, armScratchReg, off)
	} else {
		word = asmarm.StrImm(asmarm.CondAL, r.rt, armScratchReg, off)
	}
	return int64(binary.LittleEndian.Uint32(word))
}

func armSpillInst(load bool, rt int, slot *reloc.SpillSlot) reloc.RelocatableInst {
	tmpl := asmarm.LdrImm(asmarm.CondAL, rt, armScratchReg, 0)
	return reloc.NewRelocated(tmpl, reloc.Field{Offset: 0, Width: 4}, armSpillRule{load: load, rt: rt, slot: slot})
}

func (b *armBackend) RegisterPolicy(mode gpr.CPUMode) instr.RegisterPolicy {
	// Every GPR is live guest state, so there is no free-clobber set:
	// each temp spills to a shadow word through the reserved base
	// register (spec.md §4.4). r7 stays reserved as the base itself.
	return instr.RegisterPolicy{
		Reserved: []int{armScratchReg},
		Spill: func(regs []int) (saves, restores []reloc.RelocatableInst) {
			for _, r := range regs {
				slot := &reloc.SpillSlot{}
				saves = append(saves, armSpillInst(false, r, slot))
				restores = append([]reloc.RelocatableInst{armSpillInst(true, r, slot)}, restores...)
			}
			return saves, restores
		},
	}
}

// LiveExecution is false: running translated ARM code needs a real ARM
// host, which the asmarm package (a decode-plus-hand-encoder pair, not a
// native execution environment) never attempts to provide. Translate()
// still fully runs against armRules/thumbRules (spec.md §9's
// "Cross-architecture rule tables" note), only ExecBlock.run refuses to
// enter the page.
func (b *armBackend) LiveExecution() bool { return false }

// Prologue materialises the data block base into the reserved scratch
// register, restores SP/LR and the allocatable GPR file from the context,
// and enters the selected sequence with a PC load through the selector
// slot. Byte counts are realistic so writeSequence's MINIMAL_BLOCK_SIZE
// accounting behaves the way a live ARM build's would.
func (b *armBackend) Prologue(db *DataBlock, codeBase, dataBase uint64, offsetInCode int64) []byte {
	out := loadImm32ARM(armScratchReg, uint32(dataBase))
	out = append(out, asmarm.LdrImm(asmarm.CondAL, 13, armScratchReg, uint16(db.SPOffset()))...)
	out = append(out, asmarm.LdrImm(asmarm.CondAL, 14, armScratchReg, uint16(db.LROffset()))...)
	for idx := 0; idx < 13; idx++ {
		if idx == armScratchReg {
			continue
		}
		out = append(out, asmarm.LdrImm(asmarm.CondAL, idx, armScratchReg, uint16(db.GPROffset(idx)))...)
	}
	// ldr pc, [r7, #selector]: the A32 idiom for an indirect jump
	// through a memory slot, the counterpart of x86's jmp [rip+disp].
	out = append(out, asmarm.LdrImm(asmarm.CondAL, 15, armScratchReg, uint16(db.SelectorOffset()))...)
	return out
}

// Epilogue mirrors Prologue: the guest register file (including SP and
// LR) goes back to the context, the host stack pointer and the saved host
// link register come back, and control returns to the host through LR.
func (b *armBackend) Epilogue(db *DataBlock, codeBase, dataBase uint64, offsetInCode int64) []byte {
	var out []byte
	for idx := 0; idx < 13; idx++ {
		if idx == armScratchReg {
			continue
		}
		out = append(out, asmarm.StrImm(asmarm.CondAL, idx, armScratchReg, uint16(db.GPROffset(idx)))...)
	}
	out = append(out, asmarm.StrImm(asmarm.CondAL, 13, armScratchReg, uint16(db.SPOffset()))...)
	out = append(out, asmarm.StrImm(asmarm.CondAL, 14, armScratchReg, uint16(db.LROffset()))...)
	out = append(out, asmarm.LdrImm(asmarm.CondAL, 13, armScratchReg, uint16(db.HostSPOffset()))...)
	out = append(out, asmarm.LdrImm(asmarm.CondAL, 14, armScratchReg, uint16(db.HostLROffset()))...)
	out = append(out, asmarm.BX(asmarm.CondAL, 14)...)
	return out
}

// armEpilogueBranch resolves the imm24 of the A32 B that JmpEpilogue
// emits: a signed word count from the branch's PC+8. EpilogueOffset is
// measured from the branch's end (its address + 4), so the distance from
// PC+8 is 4 bytes less.
type armEpilogueBranch struct{}

func (armEpilogueBranch) Resolve(ctx reloc.Context) int64 { return (ctx.EpilogueOffset() - 4) >> 2 }

func (b *armBackend) JmpEpilogue() reloc.RelocatableInst {
	tmpl, off, _ := asmarm.BCond(asmarm.CondAL)
	return reloc.NewRelocated(tmpl, reloc.Field{Offset: off, Width: 3}, armEpilogueBranch{})
}

func (b *armBackend) JmpEpilogueSize() int64 {
	tmpl, _, _ := asmarm.BCond(asmarm.CondAL)
	return int64(len(tmpl))
}

// Terminator stores nextAddr into the next-PC handoff slot through r0, spilling
// r0 to a fresh shadow first and reloading it after so the guest's own r0
// still holds its pre-instruction value when the manager re-enters
// translation at nextAddr (spec.md §4.5).
func (b *armBackend) Terminator(nextAddr uint64, db *DataBlock) []reloc.RelocatableInst {
	spill := uint16(db.ShadowWordOffset(db.AllocShadow()))
	return []reloc.RelocatableInst{
		reloc.New(asmarm.StrImm(asmarm.CondAL, 0, armScratchReg, spill)),
		reloc.New(loadImm32ARM(0, uint32(nextAddr))),
		reloc.New(asmarm.StrImm(asmarm.CondAL, 0, armScratchReg, uint16(db.PCOffset()))),
		reloc.New(asmarm.LdrImm(asmarm.CondAL, 0, armScratchReg, spill)),
	}
}

// loadImm32ARM builds the MOVW/MOVT pair every fixed 32-bit immediate
// load on ARM needs (spec.md §4.1's "non-PC-relative targets that can't
// address the data block in one instruction").
func loadImm32ARM(rd int, v uint32) []byte {
	out := asmarm.MovwImm(asmarm.CondAL, rd, uint16(v&0xFFFF))
	return append(out, asmarm.MovtImm(asmarm.CondAL, rd, uint16(v>>16))...)
}

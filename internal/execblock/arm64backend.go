package execblock

import (
	"encoding/binary"

	"github.com/qbdigo/qbdi/internal/asmarm64"
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
	"github.com/qbdigo/qbdi/internal/rules"
)

// aarch64ScratchReg reserves X28 to hold the data block base for the
// whole sequence (spec.md §4.4). X28 is also the register
// internal/broker's second AArch64 transfer sequence is keyed on (spec.md
// §4.7, §9), so both subsystems agree on which otherwise-unremarkable
// callee-saved register the engine claims for its own bookkeeping.
const aarch64ScratchReg = 28

// aarch64Backend is the AArch64 Backend; like armBackend it decodes and
// translates the full PatchRuleAssembly table but does not execute live
// on this host (see LiveExecution).
type aarch64Backend struct {
	rules   rules.RuleList
	monitor *rules.LocalMonitor
}

// NewAArch64Backend wires the AArch64 PatchRuleAssembly table against db.
func NewAArch64Backend(db *DataBlock) Backend {
	monitor := rules.NewAArch64LocalMonitor(aarch64ScratchReg, int32(db.LocalMonitorAddrOffset()), int32(db.LocalMonitorSetOffset()))
	// The rule tables' "selector" store is the next-GUEST-PC handoff and
	// targets the context PC slot; HostState.Selector carries the host
	// address the prologue branches through (same split as x86).
	return &aarch64Backend{
		rules:   rules.AArch64RuleList(aarch64ScratchReg, int32(db.PCOffset()), monitor),
		monitor: monitor,
	}
}

func (b *aarch64Backend) Arch() gpr.Arch { return gpr.ArchAArch64 }

func (b *aarch64Backend) Decode(code []byte, addr uint64, mode gpr.CPUMode) (patch.Source, gpr.CPUMode, error) {
	return decodeAArch64(code, addr)
}

func (b *aarch64Backend) Rules(mode gpr.CPUMode) instr.RuleList { return b.rules.AsInstrRuleList() }

// arm64SpillRule re-encodes a whole LDR/STR (or LDP/STP) word against the
// SpillSlot's resolved offset; the scaled-immediate fields straddle
// non-byte-aligned bits, so the Field covers the full word and the rule
// re-derives it (the same trick armSpillRule uses).
type arm64SpillRule struct {
	load     bool
	rt1, rt2 int
	pair     bool
	slot     *reloc.SpillSlot
}

func (r arm64SpillRule) Resolve(ctx reloc.Context) int64 {
	off := r.slot.ByteOffset(ctx)
	var word []byte
	switch {
	case r.pair && r.load:
		word = asmarm64.Ldp(r.rt1, r.rt2, aarch64ScratchReg, int8(off/8))
	case r.pair:
		word = asmarm64.Stp(r.rt1, r.rt2, aarch64ScratchReg, int8(off/8))
	case r.load:
		word = asmarm64.LdrImm(r.rt1, aarch64ScratchReg, uint16(off/8))
	default:
		word = asmarm64.StrImm(r.rt1, aarch64ScratchReg, uint16(off/8))
	}
	return int64(binary.LittleEndian.Uint32(word))
}

func arm64SpillInst(load, pair bool, rt1, rt2 int, slot *reloc.SpillSlot) reloc.RelocatableInst {
	tmpl := asmarm64.LdrImm(rt1, aarch64ScratchReg, 0)
	return reloc.NewRelocated(tmpl, reloc.Field{Offset: 0, Width: 4}, arm64SpillRule{load: load, pair: pair, rt1: rt1, rt2: rt2, slot: slot})
}

func (b *aarch64Backend) RegisterPolicy(mode gpr.CPUMode) instr.RegisterPolicy {
	// Every allocatable GPR is live guest state; temps spill to shadow
	// words through the reserved X28 base. Adjacent spills pair into a
	// single STP/LDP, the code-size optimization spec.md §4.4 names.
	return instr.RegisterPolicy{
		Reserved: []int{aarch64ScratchReg},
		Spill: func(regs []int) (saves, restores []reloc.RelocatableInst) {
			for i := 0; i < len(regs); {
				if i+1 < len(regs) {
					slot := &reloc.SpillSlot{Words: 2}
					saves = append(saves, arm64SpillInst(false, true, regs[i], regs[i+1], slot))
					restores = append([]reloc.RelocatableInst{arm64SpillInst(true, true, regs[i], regs[i+1], slot)}, restores...)
					i += 2
					continue
				}
				slot := &reloc.SpillSlot{}
				saves = append(saves, arm64SpillInst(false, false, regs[i], 0, slot))
				restores = append([]reloc.RelocatableInst{arm64SpillInst(true, false, regs[i], 0, slot)}, restores...)
				i++
			}
			return saves, restores
		},
	}
}

// LiveExecution is false for the same reason armBackend's is: qbdi-go
// executes translated code only for the architecture its own build host
// runs, and asmarm64 is a decode-plus-hand-encoder pair, not a native
// execution environment for a non-matching host.
func (b *aarch64Backend) LiveExecution() bool { return false }

// Prologue materialises the data block base into X28, restores SP, the
// frame/link registers and the allocatable file, and enters the selected
// sequence by branching through the selector slot. X16 carries the
// selector value: the AAPCS64 intra-procedure-call registers (X16/X17)
// are exactly the ones a branch target may find clobbered by a veneer,
// which is the role this prologue plays.
func (b *aarch64Backend) Prologue(db *DataBlock, codeBase, dataBase uint64, offsetInCode int64) []byte {
	out := loadImm64AArch64(aarch64ScratchReg, dataBase)
	out = append(out, asmarm64.LdrImm(16, aarch64ScratchReg, uint16(db.SPOffset()/8))...)
	out = append(out, asmarm64.MovToSP(16)...)
	out = append(out, asmarm64.LdrImm(29, aarch64ScratchReg, uint16(db.FPOffset()/8))...)
	out = append(out, asmarm64.LdrImm(30, aarch64ScratchReg, uint16(db.LROffset()/8))...)
	for idx := 0; idx < 28; idx++ {
		if idx == 16 {
			continue
		}
		out = append(out, asmarm64.LdrImm(idx, aarch64ScratchReg, uint16(db.GPROffset(idx)/8))...)
	}
	out = append(out, asmarm64.LdrImm(16, aarch64ScratchReg, uint16(db.SelectorOffset()/8))...)
	out = append(out, asmarm64.Br(16)...)
	return out
}

// Epilogue mirrors Prologue: guest file (SP/FP/LR included) back to the
// context, host stack pointer back, return to the host through the saved
// host link register slot.
func (b *aarch64Backend) Epilogue(db *DataBlock, codeBase, dataBase uint64, offsetInCode int64) []byte {
	var out []byte
	for idx := 0; idx < 28; idx++ {
		out = append(out, asmarm64.StrImm(idx, aarch64ScratchReg, uint16(db.GPROffset(idx)/8))...)
	}
	out = append(out, asmarm64.StrImm(29, aarch64ScratchReg, uint16(db.FPOffset()/8))...)
	out = append(out, asmarm64.StrImm(30, aarch64ScratchReg, uint16(db.LROffset()/8))...)
	out = append(out, asmarm64.MovFromSP(16)...)
	out = append(out, asmarm64.StrImm(16, aarch64ScratchReg, uint16(db.SPOffset()/8))...)
	out = append(out, asmarm64.LdrImm(16, aarch64ScratchReg, uint16(db.HostSPOffset()/8))...)
	out = append(out, asmarm64.MovToSP(16)...)
	out = append(out, asmarm64.LdrImm(30, aarch64ScratchReg, uint16(db.HostLROffset()/8))...)
	out = append(out, asmarm64.Ret(30)...)
	return out
}

// aarch64EpilogueBranch resolves the B that JmpEpilogue emits as a whole
// word: imm26 (bits [25:0]) is a signed word count from the branch itself,
// and EpilogueOffset is measured from the branch's end, 4 bytes later. The
// opcode bits above imm26 come from the template.
type aarch64EpilogueBranch struct{ op uint32 }

func (r aarch64EpilogueBranch) Resolve(ctx reloc.Context) int64 {
	return int64(r.op | uint32((ctx.EpilogueOffset()+4)>>2)&0x3FFFFFF)
}

func (b *aarch64Backend) JmpEpilogue() reloc.RelocatableInst {
	tmpl, off, width := asmarm64.B()
	return reloc.NewRelocated(tmpl, reloc.Field{Offset: off, Width: width}, aarch64EpilogueBranch{op: binary.LittleEndian.Uint32(tmpl)})
}

func (b *aarch64Backend) JmpEpilogueSize() int64 {
	tmpl, _, _ := asmarm64.B()
	return int64(len(tmpl))
}

// Terminator writes nextAddr into the next-PC handoff slot through X0, spilling
// X0 to a fresh shadow first and reloading it after so every guest
// register still holds its pre-instruction value when the manager
// re-enters translation at nextAddr (spec.md §4.5).
func (b *aarch64Backend) Terminator(nextAddr uint64, db *DataBlock) []reloc.RelocatableInst {
	spill := uint16(db.ShadowWordOffset(db.AllocShadow()) / 8)
	return []reloc.RelocatableInst{
		reloc.New(asmarm64.StrImm(0, aarch64ScratchReg, spill)),
		reloc.New(loadImm64AArch64(0, nextAddr)),
		reloc.New(asmarm64.StrImm(0, aarch64ScratchReg, uint16(db.PCOffset()/8))),
		reloc.New(asmarm64.LdrImm(0, aarch64ScratchReg, spill)),
	}
}

// loadImm64AArch64 builds the MOVZ/MOVK sequence needed to materialise
// an arbitrary 64-bit constant (spec.md §4.1).
func loadImm64AArch64(rd int, v uint64) []byte {
	out := asmarm64.MovzImm16(rd, uint16(v), 0)
	for hw := uint8(1); hw < 4; hw++ {
		shifted := uint16(v >> (16 * hw))
		if shifted == 0 {
			continue
		}
		out = append(out, asmarm64.MovkImm16(rd, shifted, hw)...)
	}
	return out
}

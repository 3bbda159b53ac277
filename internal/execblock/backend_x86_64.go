package execblock

import (
	"encoding/binary"
	"runtime"

	"github.com/qbdigo/qbdi/internal/asmx86"
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
	"github.com/qbdigo/qbdi/internal/rules"
)

// x86_64Backend is the live backend for x86-64 guest code on an amd64
// host: the engine's copied instruction bytes execute directly on the
// real CPU, with the guest's GPRs mapped one-to-one onto the host's own
// (spec.md §4.4: "on x86 there is no scratch register" — the data block
// is always addressed RIP-relative, never through a reserved GPR).
type x86_64Backend struct {
	rules64, rules32 rules.RuleList
}

// NewX86_64Backend wires the x86/x86-64 PatchRuleAssembly table against db
// (giving the selector-write rules a concrete data-block offset) and
// returns the Backend ExecBlock drives for ArchX86_64 pages. x86-64 hosts
// also run the 32-bit x86 mode occasionally (compat segments); rules32
// shares the same table-builder since the instruction set is a subset
// sharing the same selector/branch shape.
func NewX86_64Backend(db *DataBlock) Backend {
	pc := db.PCOffset()
	return &x86_64Backend{
		rules64: rules.X86RuleList(pc),
		rules32: rules.X86RuleList(pc),
	}
}

func (b *x86_64Backend) Arch() gpr.Arch { return gpr.ArchX86_64 }

func (b *x86_64Backend) Decode(code []byte, addr uint64, mode gpr.CPUMode) (patch.Source, gpr.CPUMode, error) {
	src, _, err := decodeX86(code, addr, mode)
	return src, mode, err
}

func (b *x86_64Backend) Rules(mode gpr.CPUMode) instr.RuleList {
	if mode == gpr.CPUModeX86 {
		return b.rules32.AsInstrRuleList()
	}
	return b.rules64.AsInstrRuleList()
}

func (b *x86_64Backend) RegisterPolicy(mode gpr.CPUMode) instr.RegisterPolicy {
	// The guest's registers live 1:1 in the host's, so there is no
	// free-clobber set at all: every temp TempManager hands out carries
	// live guest state and spills to a shadow word around the patch
	// (spec.md §4.4's save prelude / restore postlude). Only RSP (GPR
	// index 4 in the canonical ordering, see gpr.X86_64) is off limits —
	// translated code is running on the guest stack it points at.
	return instr.RegisterPolicy{
		Reserved: []int{4},
		Spill: func(regs []int) (saves, restores []reloc.RelocatableInst) {
			for _, r := range regs {
				slot := &reloc.SpillSlot{}
				tmplS, offS := asmx86.MovRegToMem(asmx86.Reg64(r))
				saves = append(saves, reloc.NewRelocated(tmplS, reloc.Field{Offset: offS, Width: 4}, reloc.SpillRef{Slot: slot}))
				tmplL, offL := asmx86.MovMemToReg(asmx86.Reg64(r))
				restores = append([]reloc.RelocatableInst{
					reloc.NewRelocated(tmplL, reloc.Field{Offset: offL, Width: 4}, reloc.SpillRef{Slot: slot}),
				}, restores...)
			}
			return saves, restores
		},
	}
}

// LiveExecution is true only when this process itself runs on amd64:
// runCodeBlock has no implementation on any other GOARCH, so a VM built
// for x86-64 guest code on a foreign host stays decode-and-translate
// only, with ExecBlock.Run returning a normal error the same way the
// ARM/AArch64 backends always do.
func (b *x86_64Backend) LiveExecution() bool { return runtime.GOARCH == "amd64" }

// x86Asm assembles a short, fixed, position-dependent blob (the prologue
// or epilogue) against known, stable process addresses, resolving each
// RIP-relative field inline since every earlier instruction's length is
// already committed to the output by the time a later one is emitted.
type x86Asm struct {
	codeBase     uint64
	offsetInCode int64
	out          []byte
}

func newX86Asm(codeBase uint64, offsetInCode int64) *x86Asm {
	return &x86Asm{codeBase: codeBase, offsetInCode: offsetInCode}
}

func (a *x86Asm) plain(b []byte) { a.out = append(a.out, b...) }

// rip appends template, patching the field at fieldOffset to the rel32
// distance from the END of this instruction (the x86 RIP-relative base)
// to targetAbs.
func (a *x86Asm) rip(template []byte, fieldOffset int, targetAbs uint64) {
	buf := append([]byte(nil), template...)
	nextInstrAbs := a.codeBase + uint64(a.offsetInCode) + uint64(len(a.out)) + uint64(len(buf))
	disp := int64(targetAbs) - int64(nextInstrAbs)
	binary.LittleEndian.PutUint32(buf[fieldOffset:fieldOffset+4], uint32(disp))
	a.out = append(a.out, buf...)
}

func (a *x86Asm) bytes() []byte { return a.out }

// Prologue loads every guest GPR (RSP last, so the stack swap happens as
// the final step before control leaves this blob) from the data block
// into the real registers, then jumps indirectly through the selector
// slot HostState.Selector holds the chosen sequence's absolute host
// address (written by selectSeq before run() is called).
func (b *x86_64Backend) Prologue(db *DataBlock, codeBase, dataBase uint64, offsetInCode int64) []byte {
	a := newX86Asm(codeBase, offsetInCode)

	tmpl, off := asmx86.MovRegToMem(asmx86.RSP)
	a.rip(tmpl, off, dataBase+uint64(db.HostSPOffset()))

	for idx := 0; idx < 16; idx++ {
		if idx == int(asmx86.RSP) {
			continue
		}
		tmpl, off := asmx86.MovMemToReg(asmx86.Reg64(idx))
		a.rip(tmpl, off, dataBase+uint64(db.GPROffset(idx)))
	}

	tmpl, off = asmx86.MovMemToReg(asmx86.RSP)
	a.rip(tmpl, off, dataBase+uint64(db.GPROffset(int(asmx86.RSP))))

	tmpl, off = asmx86.JmpIndirectRIP()
	a.rip(tmpl, off, dataBase+uint64(db.SelectorOffset()))

	return a.bytes()
}

// Epilogue is Prologue's mirror: every sequence's translated exit funnels
// control here (writeSequence appends a jump to EpilogueRel after each
// PC-modifying patch, spec.md §4.5). It saves the now-current register
// file (including RSP, which still holds the guest stack pointer) back
// into the data block, restores the host's own RSP, pops the callee-saved
// registers the runCodeBlock trampoline pushed on entry, and returns —
// HostSP points just below the trampoline's pushes, so the pops land on
// exactly those slots and the final `ret` consumes the return address the
// trampoline's own Go caller left above them.
func (b *x86_64Backend) Epilogue(db *DataBlock, codeBase, dataBase uint64, offsetInCode int64) []byte {
	a := newX86Asm(codeBase, offsetInCode)

	for idx := 0; idx < 16; idx++ {
		tmpl, off := asmx86.MovRegToMem(asmx86.Reg64(idx))
		a.rip(tmpl, off, dataBase+uint64(db.GPROffset(idx)))
	}

	tmpl, off := asmx86.MovMemToReg(asmx86.RSP)
	a.rip(tmpl, off, dataBase+uint64(db.HostSPOffset()))

	for _, r := range []asmx86.Reg64{asmx86.R15, asmx86.R14, asmx86.R13, asmx86.R12, asmx86.RBP, asmx86.RBX} {
		a.plain(asmx86.PopReg(r))
	}
	a.plain(asmx86.Ret())
	return a.bytes()
}

// JmpEpilogue is the unconditional rel32 jump every sequence's last patch
// appends (spec.md §4.2, §4.5). x86 has no reserved scratch register, so
// the target is resolved the same RIP-relative way DataBlockRel addresses
// the data block: EpilogueRel folds codeBase+epilogueOffset-currentCodePC
// into the rel32 field at emission time.
func (b *x86_64Backend) JmpEpilogue() reloc.RelocatableInst {
	tmpl, off := asmx86.Jmp32()
	return reloc.NewRelocated(tmpl, reloc.Field{Offset: off, Width: 4}, reloc.EpilogueRel{})
}

func (b *x86_64Backend) JmpEpilogueSize() int64 {
	tmpl, _ := asmx86.Jmp32()
	return int64(len(tmpl))
}

// Terminator stores nextAddr (a guest address) into the data block's PC
// slot through RAX, saving and restoring RAX around the store so the
// guest's own RAX survives untouched (spec.md §4.5: the guest instruction
// at nextAddr has not executed yet, so every guest register must still
// hold its pre-instruction value when the manager re-enters translation
// there). It does not itself reach the epilogue; writeSequence appends
// JmpEpilogue right after, the same way it would for a complete sequence.
// PC — not Selector — is the handoff slot for "next guest address": the
// VM's Run loop reads it once Execute returns uninstrumented, translates
// it, then calls ExecBlock.SelectSeq to load Selector with the resolved
// absolute host address the fixed prologue actually jumps through.
func (b *x86_64Backend) Terminator(nextAddr uint64, db *DataBlock) []reloc.RelocatableInst {
	out := []reloc.RelocatableInst{
		reloc.New(asmx86.PushReg(asmx86.RAX)),
		reloc.New(asmx86.MovRegImm64(asmx86.RAX, nextAddr)),
	}
	tmpl, off := asmx86.MovRegToMem(asmx86.RAX)
	out = append(out, reloc.NewRelocated(tmpl, reloc.Field{Offset: off, Width: 4}, reloc.DataBlockRel{Offset: db.PCOffset()}))
	out = append(out, reloc.New(asmx86.PopReg(asmx86.RAX)))
	return out
}

// BuildBridge implements BrokerBridge (spec.md §4.7): restore every real
// GPR from the context, call indirectly through HostState.BrokerAddr, and
// on return save every GPR back before falling into this ExecBlock's own
// epilogue. Using CALL rather than a stack-address swap is a deliberate
// x86-64 simplification (see DESIGN.md): `call` itself pushes the address
// of the very next instruction — this bridge's own save sequence — as the
// return address, so a well-behaved native callee's `ret` lands back here
// with no manual stack surgery, unlike the AArch64 LR-swap the original
// engine needs because BLR's implicit link target isn't addressable the
// same way.
func (b *x86_64Backend) BuildBridge(db *DataBlock) []reloc.RelocatableInst {
	var out []reloc.RelocatableInst

	for idx := 0; idx < 16; idx++ {
		if idx == int(asmx86.RSP) {
			continue
		}
		tmpl, off := asmx86.MovMemToReg(asmx86.Reg64(idx))
		out = append(out, reloc.NewRelocated(tmpl, reloc.Field{Offset: off, Width: 4}, reloc.DataBlockRel{Offset: db.GPROffset(idx)}))
	}
	tmplSP, offSP := asmx86.MovMemToReg(asmx86.RSP)
	out = append(out, reloc.NewRelocated(tmplSP, reloc.Field{Offset: offSP, Width: 4}, reloc.DataBlockRel{Offset: db.GPROffset(int(asmx86.RSP))}))

	tmplBA, offBA := asmx86.MovMemToReg(asmx86.RAX)
	out = append(out, reloc.NewRelocated(tmplBA, reloc.Field{Offset: offBA, Width: 4}, reloc.DataBlockRel{Offset: db.BrokerAddrOffset()}))
	out = append(out, reloc.New(asmx86.CallIndirectReg(asmx86.RAX)))

	for idx := 0; idx < 16; idx++ {
		tmpl, off := asmx86.MovRegToMem(asmx86.Reg64(idx))
		out = append(out, reloc.NewRelocated(tmpl, reloc.Field{Offset: off, Width: 4}, reloc.DataBlockRel{Offset: db.GPROffset(idx)}))
	}
	out = append(out, b.JmpEpilogue())
	return out
}

// BuildCallbackBreak implements CallbackBridge (spec.md §4.6, §6). It
// writes callbackID into HostState.Callback, computes the absolute host
// address right after this whole sequence (where CONTINUE must resume)
// via reloc.HostPCRel, stores that into HostState.Selector, then falls
// into the usual JmpEpilogue. No guest register carries the callback
// identity or the resume address across the break — both travel purely
// through the data block, so the guest's own RAX (saved/restored around
// the two stores) is the only register this sequence touches.
func (b *x86_64Backend) BuildCallbackBreak(db *DataBlock, callbackID uint64) []reloc.RelocatableInst {
	var out []reloc.RelocatableInst

	out = append(out, reloc.New(asmx86.PushReg(asmx86.RAX)))
	out = append(out, reloc.New(asmx86.MovRegImm64(asmx86.RAX, callbackID)))
	tmplCB, offCB := asmx86.MovRegToMem(asmx86.RAX)
	out = append(out, reloc.NewRelocated(tmplCB, reloc.Field{Offset: offCB, Width: 4}, reloc.DataBlockRel{Offset: db.CallbackOffset()}))

	tmplSel, offSel := asmx86.MovRegToMem(asmx86.RAX)
	popRAX := asmx86.PopReg(asmx86.RAX)
	jmpEpilogue := b.JmpEpilogue()
	// Delta covers every byte still to be emitted after the resume-address
	// load below: the store of that address into Selector, the RAX
	// restore, and the final jump to the epilogue.
	delta := int64(len(tmplSel)) + int64(len(popRAX)) + int64(len(jmpEpilogue.Template))

	tmplResume, offResume := asmx86.MovRegImm64Template(asmx86.RAX)
	out = append(out, reloc.NewRelocated(tmplResume, reloc.Field{Offset: offResume, Width: 8}, reloc.HostPCRel{Delta: delta}))
	out = append(out, reloc.NewRelocated(tmplSel, reloc.Field{Offset: offSel, Width: 4}, reloc.DataBlockRel{Offset: db.SelectorOffset()}))
	out = append(out, reloc.New(popRAX))
	out = append(out, jmpEpilogue)
	return out
}

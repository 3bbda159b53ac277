package execblock

import (
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// Backend is one architecture's L0+L2 wiring: decoding guest bytes,
// selecting its PatchRuleAssembly table, and building the fixed
// prologue/epilogue every ExecBlock of that architecture carries (spec.md
// §4.5). ExecBlock itself stays architecture-neutral; everything
// arch-specific is reached through this interface.
type Backend interface {
	Arch() gpr.Arch

	// Decode reads one instruction at addr from code, returning the
	// arch-neutral Source and the CPUMode to use for the NEXT decode. Every
	// backend here returns mode unchanged: ARM's BX/BLX pick ARM vs Thumb
	// from the target address only at run time, which the static bytes do
	// not show.
	Decode(code []byte, addr uint64, mode gpr.CPUMode) (src patch.Source, nextMode gpr.CPUMode, err error)

	// Rules returns the PatchRuleAssembly table for mode, already wired
	// with this ExecBlock's selector/monitor offsets.
	Rules(mode gpr.CPUMode) instr.RuleList

	// RegisterPolicy returns the Clobbered/Reserved GPR sets TempManager
	// needs when translating for mode.
	RegisterPolicy(mode gpr.CPUMode) instr.RegisterPolicy

	// LiveExecution reports whether Prologue/Epilogue below produce real,
	// host-executable bookkeeping. False means Translate() still fully
	// exercises this architecture's rule tables, but ExecBlock.run refuses
	// to enter the page (spec.md §1 non-goal: cross-architecture
	// emulation — only the host's own architecture executes live).
	LiveExecution() bool

	// Prologue/Epilogue build the fixed bytes written once per ExecBlock,
	// at byte offset offsetInCode within the code page. codeBase/dataBase
	// are the real, stable process addresses of the code and data pages
	// (mmap'd once and never moved), letting both backends use whichever
	// addressing form their architecture does natively instead of
	// threading a second relocation pass through a one-shot blob.
	Prologue(db *DataBlock, codeBase, dataBase uint64, offsetInCode int64) []byte
	Epilogue(db *DataBlock, codeBase, dataBase uint64, offsetInCode int64) []byte

	// JmpEpilogue returns the relocatable jump every sequence's last
	// patch appends to transfer control to this ExecBlock's epilogue
	// (spec.md §4.2 JmpEpilogue, §4.5's "Emit the jump-to-epilogue").
	JmpEpilogue() reloc.RelocatableInst
	// JmpEpilogueSize is JmpEpilogue's encoded length. writeSequence does
	// not call it: its budget check uses the fixed minimalBlockSize floor.
	JmpEpilogueSize() int64

	// Terminator builds the short fragment writeSequence emits for a
	// non-Exit sequence, before its own unconditional JmpEpilogue: store
	// nextAddr into the context PC slot (the next-guest-PC handoff) without
	// disturbing any guest register (spec.md §4.5 "rollback... emit a terminator storing the
	// address of the next untranslated instruction"). Terminator does
	// NOT itself jump to the epilogue; writeSequence appends that
	// separately, the same way it does for a complete (Exit) sequence.
	Terminator(nextAddr uint64, db *DataBlock) []reloc.RelocatableInst
}

// SequenceStarter is implemented by backends carrying per-sequence
// translation state that must not leak across sequence boundaries; today
// that is only the Thumb IT-block machine (spec.md §9: "must reset on
// earlyEnd() and not leak across sequence boundaries"). WriteSequence
// calls it before the first decode of every sequence.
type SequenceStarter interface {
	OnSequenceStart(mode gpr.CPUMode)
}

// BrokerBridge is implemented by backends that can build ExecBroker's
// native call-out bridge (spec.md §4.7): full register restore, an
// indirect call through HostState.BrokerAddr, a full register save back
// on return, then falling into this ExecBlock's own epilogue exactly like
// any other sequence's exit. Only a backend with LiveExecution() true can
// usefully implement this — ARM/AArch64 here are decode-only and don't.
type BrokerBridge interface {
	BuildBridge(db *DataBlock) []reloc.RelocatableInst
}

// CallbackBridge is implemented by backends that can build the break-to-
// host sequence an installed InstrRule callback uses (spec.md §4.6, §6):
// stash a small integer id identifying which registered Go callback fired,
// compute this sequence's resume point as an absolute host address and
// stash that into the selector, then jump to the epilogue so Execute's
// dispatch loop can invoke the callback and, on VMAction_Continue, resume
// exactly where this sequence left off. Only a LiveExecution backend can
// usefully implement this.
type CallbackBridge interface {
	BuildCallbackBreak(db *DataBlock, callbackID uint64) []reloc.RelocatableInst
}

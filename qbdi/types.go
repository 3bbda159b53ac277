package qbdi

import (
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/patch"
)

// The public surface re-exports the internal layers' own types by alias
// rather than wrapping them, so a host callback handed a *GPRState can
// pass it straight back into SetGPRState with no conversion (spec.md §3,
// §6).
type (
	Arch         = gpr.Arch
	GPRState     = gpr.GPRState
	FPRState     = gpr.FPRState
	VMAction     = gpr.VMAction
	MemoryAccess = instr.MemoryAccess
	AccessType   = instr.AccessType
	Position     = patch.Position
)

const (
	ArchX86     = gpr.ArchX86
	ArchX86_64  = gpr.ArchX86_64
	ArchARM     = gpr.ArchARM
	ArchAArch64 = gpr.ArchAArch64

	Continue  = gpr.Continue
	BreakToVM = gpr.BreakToVM
	Stop      = gpr.Stop

	AccessRead  = instr.AccessRead
	AccessWrite = instr.AccessWrite

	PreInst  = patch.PreInst
	PostInst = patch.PostInst
)

// Callback is a host instrumentation handler (spec.md §6): called with the
// VM so it can inspect or mutate further state (GetInstMemoryAccess,
// nested AddInstrumentedRange, ...), the guest's register snapshot at the
// instrumentation point, and the opaque data it was registered with.
type Callback func(vm *VM, gprState *GPRState, fprState *FPRState, data any) VMAction

// registeredCallback pairs a Callback with the userData it closed over at
// registration time, looked up by Dispatch from the callback id translated
// code wrote into the data block.
type registeredCallback struct {
	fn   Callback
	data any
}

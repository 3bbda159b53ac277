package qbdi

import (
	"fmt"
	"unsafe"

	"github.com/qbdigo/qbdi/internal/broker"
	"github.com/qbdigo/qbdi/internal/execblock"
	"github.com/qbdigo/qbdi/internal/gpr"
)

// guestReadWindow bounds how much guest memory WriteSequence is handed to
// decode from per translation; a sequence never runs this long before
// hitting a branch, and re-slicing past a page boundary is the
// translator's problem, not the VM's.
const guestReadWindow = 4096

// mode reports the gpr.CPUMode Run/Call should translate new sequences
// under. 32-bit x86 compatibility mode (CPUModeX86) and ARM/Thumb
// switching are both reachable only by a host callback calling a
// (not yet modeled) mode-switch helper; Run always starts a VM in its
// architecture's default mode.
func (vm *VM) mode() gpr.CPUMode {
	switch vm.arch {
	case gpr.ArchX86_64:
		return gpr.CPUModeX86_64
	case gpr.ArchARM:
		return gpr.CPUModeARM
	case gpr.ArchAArch64:
		return gpr.CPUModeAArch64
	default:
		return gpr.CPUModeX86_64
	}
}

// executeFlags reports which optional context the broker bridge's
// save/restore code needs around a native call. The bridge always claims
// FPR (unless disabled outright): it cannot know what the native callee
// touches, the deliberate full-restore behavior spec.md §9 flags as an
// open question (see DESIGN.md). AVX/FS-GS/D16-D31 bits are plumbed
// through Options but not yet tracked per sequence.
func (vm *VM) executeFlags() gpr.ExecuteFlags {
	var f gpr.ExecuteFlags
	if vm.cfg.options&OptDisableFPR == 0 {
		f |= gpr.NeedsFPR
	}
	return f
}

// fprTracked decides whether a sequence's FPR state must be copied in
// and out of the data block around its execution: never under
// OptDisableFPR, only for sequences whose translated instructions touch
// floating-point/vector state under OptDisableOptionalFPR (seqFlags is
// the per-sequence accumulation WriteSequence produced, spec.md §6
// OPT_DISABLE_OPTIONAL_FPR / §3 executeFlags), and always otherwise.
func (vm *VM) fprTracked(seqFlags gpr.ExecuteFlags) bool {
	if vm.cfg.options&OptDisableFPR != 0 {
		return false
	}
	if vm.cfg.options&OptDisableOptionalFPR != 0 {
		return seqFlags&gpr.NeedsFPR != 0
	}
	return true
}

// Run translates and executes guest code starting at start until the next
// guest PC equals stop, a sequence reports an action other than Continue,
// or an error occurs (spec.md §6 run(entry, untilEnd)). Guest code and the
// guest stack are the host process's own memory: translated sequences run
// directly against it. Addresses outside [start, stop) do not end the run;
// only reaching stop itself does.
func (vm *VM) Run(start, stop uint64) (VMAction, error) {
	if !vm.shapeBackend.LiveExecution() {
		return Stop, fmt.Errorf("qbdi: %s has no live execution path on this host", vm.arch)
	}

	addr := start
	for addr != stop {
		next, action, err := vm.step(addr)
		if err != nil {
			return Stop, err
		}
		if action != Continue {
			return action, nil
		}
		addr = next
	}
	return Continue, nil
}

// step translates (or looks up) the sequence covering addr, seeds it with
// the VM's current register state, executes it to completion (including
// any callbacks it triggers along the way), and reports the next guest
// address to resume at.
func (vm *VM) step(addr uint64) (next uint64, action VMAction, err error) {
	if vm.broker.ShouldBridge(addr) {
		return vm.bridge(addr)
	}

	code := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), guestReadWindow)
	edge, terr := vm.mgr.Translate(code, addr, vm.mode(), vm.instrRules)
	if terr != nil {
		return 0, Stop, &TranslationError{Addr: addr, Err: terr}
	}

	block := edge.Block
	block.SelectSeq(edge.Seq)

	db := block.DataBlock()
	db.RestoreGPR(vm.gprState)
	trackFPR := vm.fprTracked(edge.Seq.ExecuteFlags)
	if trackFPR {
		db.RestoreFPR(vm.fprState)
	}

	act, rerr := block.Execute(vm)
	if rerr != nil {
		return 0, Stop, fmt.Errorf("qbdi: execute sequence at %#x: %w", addr, rerr)
	}

	vm.gprState = db.SnapshotGPR()
	if trackFPR {
		vm.fprState = db.SnapshotFPR()
	}
	return vm.gprState.PC, act, nil
}

// ensureBrokerBlock lazily builds the single ExecBlock that hosts the
// broker bridge's BuildBridge fragment (spec.md §4.7 ExecBroker), reusing
// vm.shapeBackend since the shape DataBlock pattern guarantees its
// offsets match whatever real DataBlock NewExecBlock allocates for it.
func (vm *VM) ensureBrokerBlock() (*execblock.ExecBlock, uint64, error) {
	if vm.brokerBlock != nil {
		return vm.brokerBlock, vm.brokerHook, nil
	}

	bridge, ok := vm.shapeBackend.(execblock.BrokerBridge)
	if !ok {
		return nil, 0, fmt.Errorf("qbdi: %s backend cannot bridge to native code", vm.arch)
	}

	pageSize := vm.cfg.pageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	block, err := execblock.NewExecBlock(vm.shapeBackend, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("qbdi: allocate broker bridge block: %w", err)
	}

	hook, err := block.WriteRaw(bridge.BuildBridge(block.DataBlock()))
	if err != nil {
		return nil, 0, fmt.Errorf("qbdi: write broker bridge: %w", err)
	}

	vm.brokerBlock = block
	vm.brokerHook = hook
	vm.broker.RegisterTransfer(broker.TransferDefault, hook)
	return block, hook, nil
}

// bridge hands control to native (non-instrumented) code at addr via the
// broker bridge and reports the guest address execution resumes
// translation at once that native call returns (spec.md §4.7: the
// bridge's own `call` pushes a second return address on top of the
// guest's true one; once the callee's `ret` and the bridge's own
// GPR-save/epilogue fall through, the guest's true return address is
// still sitting un-popped on the (shared host/guest) stack).
func (vm *VM) bridge(addr uint64) (next uint64, action VMAction, err error) {
	block, hook, berr := vm.ensureBrokerBlock()
	if berr != nil {
		return 0, Stop, berr
	}

	db := block.DataBlock()
	db.RestoreGPR(vm.gprState)
	if vm.cfg.options&OptDisableFPR == 0 {
		db.RestoreFPR(vm.fprState)
	}
	db.SetBrokerAddr(addr)
	db.SetSelector(hook)
	db.SetExecuteFlags(vm.executeFlags())

	if rerr := block.Run(); rerr != nil {
		return 0, Stop, fmt.Errorf("qbdi: broker bridge to %#x: %w", addr, rerr)
	}

	vm.gprState = db.SnapshotGPR()
	if vm.cfg.options&OptDisableFPR == 0 {
		vm.fprState = db.SnapshotFPR()
	}

	info := gpr.InfoFor(vm.arch)
	sp := vm.gprState.Get(info.SPIndex())
	ret := *(*uint64)(unsafe.Pointer(uintptr(sp)))
	vm.gprState.Set(info.SPIndex(), sp+8)
	return ret, Continue, nil
}

// Call invokes addr as a native function with args under the host
// architecture's calling convention, pushing a stop sentinel as its
// return address so Run halts the instant it returns rather than
// translating whatever garbage sits past it (spec.md §6 call(&retval,
// addr, args...)). Only the x86-64 System V ABI is implemented.
func (vm *VM) Call(addr uint64, args ...uint64) (uint64, error) {
	if vm.arch != gpr.ArchX86_64 {
		return 0, fmt.Errorf("qbdi: Call is only implemented for the x86-64 System V ABI in this build")
	}

	const stopSentinel = 0x7fff_dead_beef_0000

	info := gpr.InfoFor(vm.arch)
	sp := vm.gprState.Get(info.SPIndex())

	argRegs := []int{7, 6, 2, 1, 8, 9} // rdi, rsi, rdx, rcx, r8, r9
	for i := len(args) - 1; i >= len(argRegs); i-- {
		sp -= 8
		*(*uint64)(unsafe.Pointer(uintptr(sp))) = args[i]
	}
	for i := 0; i < len(args) && i < len(argRegs); i++ {
		vm.gprState.Set(argRegs[i], args[i])
	}
	sp -= 8
	*(*uint64)(unsafe.Pointer(uintptr(sp))) = stopSentinel
	vm.gprState.Set(info.SPIndex(), sp)

	action, err := vm.Run(addr, stopSentinel)
	if err != nil {
		return 0, err
	}
	if action != Continue {
		return 0, fmt.Errorf("qbdi: call to %#x stopped before returning (%s)", addr, action)
	}
	return vm.gprState.Get(0), nil // rax
}

package qbdi

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/asmx86"
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/platform"
)

// hostAddr returns the address of a mapped slice's backing memory as a
// guest/host address, the same cast cmd/qbdi-trace uses.
func hostAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// skipUnlessLiveX86 skips end-to-end execution tests on hosts where the
// x86-64 backend reports no live execution path (LiveExecution gates on
// GOARCH) or the page allocator is unsupported.
func skipUnlessLiveX86(t *testing.T) {
	t.Helper()
	if runtime.GOARCH != "amd64" || !platform.CompilerSupported() {
		t.Skip("x86-64 guest code only executes live on an amd64 host")
	}
}

// mapGuestCode copies code into a fresh mapping and arranges for it to be
// unmapped at test end. Guest code only needs to be readable (step()
// decodes it through unsafe.Slice, it is never executed in place: the
// translated form runs out of its own ExecBlock page), so the RW mapping
// MmapCodeSegment returns is already sufficient.
func mapGuestCode(t *testing.T, code []byte) []byte {
	t.Helper()
	skipUnlessLiveX86(t)
	mapped, err := platform.MmapCodeSegment(bytes.NewReader(code), len(code))
	require.NoError(t, err)
	t.Cleanup(func() { _ = platform.MunmapCodeSegment(mapped) })
	return mapped
}

// newGuestStack allocates a guest stack and seeds its top word with
// stopSentinel, returning the stack-pointer value a test should seed
// GPRState with so the translated `ret` pops exactly that sentinel.
func newGuestStack(t *testing.T, stopSentinel uint64) uint64 {
	t.Helper()
	const stackSize = 1 << 16
	mapped, err := platform.MmapCodeSegment(bytes.NewReader(make([]byte, stackSize)), stackSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = platform.MunmapCodeSegment(mapped) })

	top := stackSize - 8
	binary.LittleEndian.PutUint64(mapped[top:], stopSentinel)
	return hostAddr(mapped) + uint64(top)
}

func newExecX86VM(t *testing.T) *VM {
	t.Helper()
	skipUnlessLiveX86(t)
	vm, err := New(NewConfig().WithArch(gpr.ArchX86_64))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vm.Close() })
	return vm
}

// TestFPRTracked_FollowsOptionsAndSequenceFlags pins the FPR
// save/restore decision table: OptDisableFPR wins outright,
// OptDisableOptionalFPR defers to the sequence's accumulated
// executeFlags, and the default always tracks. Pure dispatch logic, so
// no live-execution host is required.
func TestFPRTracked_FollowsOptionsAndSequenceFlags(t *testing.T) {
	newVM := func(opts Options) *VM {
		t.Helper()
		vm, err := New(NewConfig().WithArch(gpr.ArchX86_64).WithOptions(opts))
		require.NoError(t, err)
		t.Cleanup(func() { _ = vm.Close() })
		return vm
	}

	always := newVM(0)
	require.True(t, always.fprTracked(0))
	require.True(t, always.fprTracked(gpr.NeedsFPR))

	optional := newVM(OptDisableOptionalFPR)
	require.False(t, optional.fprTracked(0))
	require.True(t, optional.fprTracked(gpr.NeedsFPR))

	disabled := newVM(OptDisableFPR | OptDisableOptionalFPR)
	require.False(t, disabled.fprTracked(0))
	require.False(t, disabled.fprTracked(gpr.NeedsFPR))
}

// TestVMRun_IdentityBlockX86_64 is spec.md §8 scenario 1: a guest
// `mov $0xdead,%rax; ret` run from entry E under a stack whose top word
// is the stop sentinel S leaves rax==0xdead and rip==S.
func TestVMRun_IdentityBlockX86_64(t *testing.T) {
	const stopSentinel = 0x7fff_dead_beef_0000

	code := append(asmx86.MovRegImm64(asmx86.RAX, 0xdead), asmx86.Ret()...)
	mapped := mapGuestCode(t, code)
	entry := hostAddr(mapped)
	sp := newGuestStack(t, stopSentinel)

	vm := newExecX86VM(t)
	vm.AddInstrumentedRange(entry, entry+uint64(len(code)))

	g := vm.GetGPRState()
	g.Set(gpr.InfoFor(gpr.ArchX86_64).SPIndex(), sp)
	vm.SetGPRState(g)

	action, err := vm.Run(entry, stopSentinel)
	require.NoError(t, err)
	require.Equal(t, Continue, action)
	require.Equal(t, uint64(0xdead), vm.GetGPRState().Get(0))
	require.Equal(t, uint64(stopSentinel), vm.GetGPRState().PC)
}

// TestVMRun_PCRelativeReadX86_64 is spec.md §8 scenario 2: `lea (%rip),%rax`
// at address A yields rax == A+7 (the instruction's own size) despite
// JITting at a different host address. This is the PC-as-source rule's
// testable property: a RIP-relative operand must resolve against the
// guest address, never the host JIT page it actually executes from.
func TestVMRun_PCRelativeReadX86_64(t *testing.T) {
	const stopSentinel = 0x7fff_dead_beef_0000

	leaTemplate, dispOff := asmx86.LeaRIP(asmx86.RAX)
	binary.LittleEndian.PutUint32(leaTemplate[dispOff:dispOff+4], 0)
	code := append(leaTemplate, asmx86.Ret()...)
	require.Len(t, leaTemplate, 7)

	mapped := mapGuestCode(t, code)
	entry := hostAddr(mapped)
	sp := newGuestStack(t, stopSentinel)

	vm := newExecX86VM(t)
	vm.AddInstrumentedRange(entry, entry+uint64(len(code)))

	g := vm.GetGPRState()
	g.Set(gpr.InfoFor(gpr.ArchX86_64).SPIndex(), sp)
	vm.SetGPRState(g)

	action, err := vm.Run(entry, stopSentinel)
	require.NoError(t, err)
	require.Equal(t, Continue, action)
	require.Equal(t, entry+7, vm.GetGPRState().Get(0))
}

// TestVMRun_MemoryAccessRecordingX86_64 is spec.md §8 scenario 5: under
// recordMemoryAccess(READ), executing `mov (%rsi),%rax` with rsi=&v where
// v=0x42 records one MemoryAccess{addr=&v, size=8, type=READ, value=0x42}.
func TestVMRun_MemoryAccessRecordingX86_64(t *testing.T) {
	skipUnlessLiveX86(t)
	const stopSentinel = 0x7fff_dead_beef_0000

	vBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(vBuf, 0x42)
	vMapped, err := platform.MmapCodeSegment(bytes.NewReader(vBuf), len(vBuf))
	require.NoError(t, err)
	t.Cleanup(func() { _ = platform.MunmapCodeSegment(vMapped) })
	vAddr := hostAddr(vMapped)

	code := append(asmx86.MovMemRegSIB(asmx86.RSI, false, 0, 0, 0, asmx86.RAX), asmx86.Ret()...)
	mapped := mapGuestCode(t, code)
	entry := hostAddr(mapped)
	sp := newGuestStack(t, stopSentinel)

	vm := newExecX86VM(t)
	vm.AddInstrumentedRange(entry, entry+uint64(len(code)))
	require.NoError(t, vm.RecordMemoryAccess(RecordRead))

	var recorded []MemoryAccess
	_, err = vm.AddCodeCB(PostInst, func(vm *VM, g *GPRState, f *FPRState, data any) VMAction {
		accesses, err := vm.GetInstMemoryAccess()
		require.NoError(t, err)
		recorded = append(recorded, accesses...)
		return Continue
	}, nil)
	require.NoError(t, err)

	g := vm.GetGPRState()
	g.Set(gpr.InfoFor(gpr.ArchX86_64).SPIndex(), sp)
	g.Set(6, vAddr) // rsi
	vm.SetGPRState(g)

	action, err := vm.Run(entry, stopSentinel)
	require.NoError(t, err)
	require.Equal(t, Continue, action)
	require.Equal(t, uint64(0x42), vm.GetGPRState().Get(0))

	require.Len(t, recorded, 1)
	require.Equal(t, vAddr, recorded[0].Address)
	require.Equal(t, AccessRead, recorded[0].Type)
	require.EqualValues(t, 8, recorded[0].Size)
	require.Equal(t, uint64(0x42), recorded[0].Value)
}

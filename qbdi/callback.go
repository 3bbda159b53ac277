package qbdi

import (
	"fmt"

	"github.com/qbdigo/qbdi/internal/asmx86"
	"github.com/qbdigo/qbdi/internal/execblock"
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// registerCallback assigns a fresh id to cb/data and precomputes the
// BuildCallbackBreak tail it will splice after translated code stashes its
// own address — built once per registration rather than once per
// instrumented instruction, since it depends only on the callback id, not
// on where the instruction lives.
func (vm *VM) registerCallback(cb Callback, data any) (uint64, error) {
	bridge, ok := vm.shapeBackend.(execblock.CallbackBridge)
	if !ok {
		return 0, fmt.Errorf("qbdi: %s backend has no host-callback path in this build", vm.arch)
	}
	id := vm.nextCBID
	vm.nextCBID++
	vm.callbacks[id] = &registeredCallback{fn: cb, data: data}
	vm.cbBreaks[id] = bridge.BuildCallbackBreak(vm.shapeDB, id)
	return id, nil
}

// instrCallbackGen builds the generator-list callback NewCodeRangeRule/
// NewMnemonicRule expect: a single generator that stashes the
// instruction's own guest address into the data block's PC slot (spec.md
// §4.6, §4.7: Terminator's "PC, not Selector, is the handoff slot") and
// then appends the precomputed BuildCallbackBreak tail, which stores the
// callback id and the resume address before jumping to the epilogue.
func (vm *VM) instrCallbackGen(id uint64) func(p *patch.Patch, tm *patch.TempManager) []patch.Generator {
	return func(p *patch.Patch, tm *patch.TempManager) []patch.Generator {
		addr := p.Source.Addr
		return []patch.Generator{patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
			brk := vm.cbBreaks[id]
			if brk == nil {
				return nil, true
			}
			if vm.arch != gpr.ArchX86_64 {
				return nil, true
			}
			var out []reloc.RelocatableInst
			out = append(out, reloc.New(asmx86.PushReg(asmx86.RAX)))
			out = append(out, reloc.New(asmx86.MovRegImm64(asmx86.RAX, addr)))
			tmpl, dispOff := asmx86.MovRegToMem(asmx86.RAX)
			out = append(out, reloc.NewRelocated(tmpl, reloc.Field{Offset: dispOff, Width: 4},
				reloc.DataBlockRel{Offset: vm.shapeDB.PCOffset()}))
			out = append(out, reloc.New(asmx86.PopReg(asmx86.RAX)))
			out = append(out, brk...)
			return out, true
		})}
	}
}

// AddCodeRangeCB registers cb to run at pos for every instruction whose
// address falls in [lo, hi) (spec.md §6 addCodeRangeCB), returning an id
// DeleteInstrumentation later accepts.
func (vm *VM) AddCodeRangeCB(lo, hi uint64, pos Position, cb Callback, data any) (int, error) {
	id, err := vm.registerCallback(cb, data)
	if err != nil {
		return 0, err
	}
	rule := instr.NewCodeRangeRule(lo, hi, 0, 0, pos, vm.instrCallbackGen(id))
	return vm.addRule(rule), nil
}

// AddCodeCB registers cb to run at pos for every translated instruction,
// regardless of address (spec.md §6 addCodeCB).
func (vm *VM) AddCodeCB(pos Position, cb Callback, data any) (int, error) {
	return vm.AddCodeRangeCB(0, ^uint64(0), pos, cb, data)
}

// AddMnemonicCB registers cb to run at pos whenever the translated
// instruction's decoded mnemonic is in mnemonics (spec.md §6 addMnemonicCB).
func (vm *VM) AddMnemonicCB(mnemonics []string, pos Position, cb Callback, data any) (int, error) {
	id, err := vm.registerCallback(cb, data)
	if err != nil {
		return 0, err
	}
	rule := instr.NewMnemonicRule(mnemonics, 0, 0, pos, vm.instrCallbackGen(id))
	return vm.addRule(rule), nil
}

func (vm *VM) addRule(rule instr.Rule) int {
	vm.instrRules.Add(rule)
	id := vm.nextRuleID
	vm.nextRuleID++
	vm.rulesByID[id] = rule
	return id
}

// DeleteInstrumentation unregisters a rule previously returned by
// AddCodeCB/AddCodeRangeCB/AddMnemonicCB (spec.md §6
// deleteInstrumentation(id)). Already-translated sequences keep whatever
// instrumentation they were built with; only future translations stop
// applying the rule, matching InstrRule.Remove's identity-based removal.
func (vm *VM) DeleteInstrumentation(id int) error {
	rule, ok := vm.rulesByID[id]
	if !ok {
		return fmt.Errorf("qbdi: no instrumentation registered with id %d", id)
	}
	vm.instrRules.Remove(rule)
	delete(vm.rulesByID, id)
	return nil
}

// RecordMemoryAccess enables or disables memory-access recording (spec.md
// §6 recordMemoryAccess(mode)). Only x86-64 has an EffectiveAddress
// helper wired up (see internal/execblock/memaccess_x86.go and DESIGN.md);
// requesting it for any other architecture is an error rather than a
// silent no-op.
func (vm *VM) RecordMemoryAccess(mode RecordMode) error {
	if vm.memAccessRule != nil {
		vm.instrRules.Remove(vm.memAccessRule)
		vm.memAccessRule = nil
	}
	vm.recordMode = mode
	if mode == RecordNone {
		return nil
	}
	if vm.arch != gpr.ArchX86_64 {
		return fmt.Errorf("qbdi: memory-access recording is only implemented for %s in this build", gpr.ArchX86_64)
	}
	vm.memAccessRule = execblock.NewX86MemoryAccessRule()
	vm.instrRules.Add(vm.memAccessRule)
	return nil
}

// GetInstMemoryAccess returns the memory accesses recorded for the
// instruction currently executing inside a host callback (spec.md §6
// getInstMemoryAccess(); §7: valid only while a callback is running,
// since the shadow slots it reads belong to the sequence's own data
// block, not a stable log).
func (vm *VM) GetInstMemoryAccess() ([]MemoryAccess, error) {
	if !vm.inCallback {
		return nil, fmt.Errorf("qbdi: GetInstMemoryAccess called outside a callback")
	}
	if vm.recordMode == RecordNone {
		return nil, nil
	}

	block, seqID, instID, ok := vm.mgr.LocateInst(vm.curAddr)
	if !ok {
		return nil, nil
	}

	wordSize := gpr.InfoFor(vm.arch).WordSize()
	accesses := instr.AnalyseMemoryAccess(block.DataBlock(), seqID, instID, vm.curAddr, wordSize)
	out := accesses[:0]
	for _, a := range accesses {
		switch {
		case a.Type == AccessRead && vm.recordMode != RecordRead && vm.recordMode != RecordReadWrite:
			continue
		case a.Type == AccessWrite && vm.recordMode != RecordWrite && vm.recordMode != RecordReadWrite:
			continue
		}
		if vm.cfg.options&OptDisableMemoryAccessValue != 0 {
			a.Value = 0
		}
		out = append(out, a)
	}
	return out, nil
}

// Dispatch implements execblock.CallbackDispatcher: it looks up the
// registered callback by id, snapshots the guest register state into the
// Go-native form the host handler expects, runs it, and writes back
// whatever it mutated (spec.md §6: host callbacks "may freely read or
// write GPRState/FPRState").
func (vm *VM) Dispatch(callback, callbackData uint64, db *execblock.DataBlock) gpr.VMAction {
	rc, ok := vm.callbacks[callback]
	if !ok {
		return gpr.Continue
	}

	prevAddr, prevInCallback := vm.curAddr, vm.inCallback
	vm.curAddr = db.PC()
	vm.inCallback = true

	g := db.SnapshotGPR()
	f := db.SnapshotFPR()
	action := rc.fn(vm, g, f, rc.data)
	db.RestoreGPR(g)
	if vm.cfg.options&OptDisableFPR == 0 {
		db.RestoreFPR(f)
	}

	vm.curAddr, vm.inCallback = prevAddr, prevInCallback
	_ = callbackData // carried for parity with the dispatcher contract; userData travels via registeredCallback instead
	return action
}

package instr

import (
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// AccessType distinguishes a MemoryAccess's direction.
type AccessType uint8

const (
	AccessRead AccessType = 1 << iota
	AccessWrite
)

// MemoryAccess describes one memory operand an instrumented instruction
// touched, the result analyseMemoryAccess produces from the paired
// address/value shadow pair a MemoryAccessRule recorded (spec.md §4.6).
type MemoryAccess struct {
	InstAddress uint64
	Address     uint64
	Value       uint64
	Size        int
	Type        AccessType
}

// Shadow tag suffixes for the four slots memory-access recording uses;
// exported so the generator functions NewMemoryAccessRule wraps (built by
// the caller with reloc.TaggedShadow) and AnalyseMemoryAccess's readback
// agree on tag names without importing each other's internals.
const (
	TagReadAddr   = "raddr"
	TagReadValue  = "rvalue"
	TagWriteAddr  = "waddr"
	TagWriteValue = "wvalue"
)

// NewMemoryAccessRule builds the internal InstrRule that records every
// memory operand an instruction touches (spec.md §4.6: "Memory-access
// recording is an internal InstrRule registered at the earliest ...
// priority"). Pass and priority are both -1<<30, so its captures run ahead
// of any instrumentation registered with a higher value at the same
// position: its PREINST captures first in the PREINST queue, its
// write-value capture first after the instruction.
// getReadValue reuses the same effective-address dereference getWriteValue
// uses: a load never mutates the memory it reads, so capturing it before
// the guest instruction runs observes the same bytes the guest itself
// consumes (spec.md §8 scenario 5: a recorded READ carries its value too).
func NewMemoryAccessRule(getReadAddr, getReadValue, getWriteAddr, getWriteValue func(p *patch.Patch, tm *patch.TempManager, dst int) []reloc.RelocatableInst) Rule {
	return &memAccessRule{getReadAddr: getReadAddr, getReadValue: getReadValue, getWriteAddr: getWriteAddr, getWriteValue: getWriteValue}
}

type memAccessRule struct {
	getReadAddr, getReadValue, getWriteAddr, getWriteValue func(p *patch.Patch, tm *patch.TempManager, dst int) []reloc.RelocatableInst
}

func (r *memAccessRule) Range() (uint64, uint64) { return 0, ^uint64(0) }
func (r *memAccessRule) Pass() int               { return -1 << 30 }

func (r *memAccessRule) TryInstrument(p *patch.Patch, tm *patch.TempManager) bool {
	if !p.Source.IsMemRead && !p.Source.IsMemWrite {
		return false
	}
	if p.Source.IsMemRead {
		p.AddInstrumentation(patch.PreInst, -1<<30, func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
			_, dst, _ := tm.Acquire()
			return r.getReadAddr(p, tm, dst)
		})
		p.AddInstrumentation(patch.PreInst, -1<<30, func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
			_, dst, _ := tm.Acquire()
			return r.getReadValue(p, tm, dst)
		})
	}
	if p.Source.IsMemWrite {
		p.AddInstrumentation(patch.PreInst, -1<<30, func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
			_, dst, _ := tm.Acquire()
			return r.getWriteAddr(p, tm, dst)
		})
		p.AddInstrumentation(patch.PostInst, -1<<30, func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
			_, dst, _ := tm.Acquire()
			return r.getWriteValue(p, tm, dst)
		})
	}
	return true
}

// ShadowReader is the subset of ExecBlock's bookkeeping
// analyseMemoryAccess needs: reading back a tagged shadow's recorded
// value after a sequence has run.
type ShadowReader interface {
	ReadTaggedShadow(seqID, instID int, tag string) (uint64, bool)
}

// AnalyseMemoryAccess scans the shadow slots a MemoryAccessRule recorded
// for one instruction and pairs them by tag into a MemoryAccess list
// (spec.md §4.6's analyseMemoryAccess(execBlock, instID, afterInst)).
// One call reads all four tags: the PREINST (addresses, read value) and
// the POSTINST (write value) shadows. wordSize is the architecture's GPR width:
// every memory operand this engine's generators can address is exactly
// one register wide, so it is also every access's Size (spec.md §8
// scenario 5: size=8 on x86-64).
func AnalyseMemoryAccess(sr ShadowReader, seqID, instID int, instAddr uint64, wordSize int) []MemoryAccess {
	var out []MemoryAccess

	if addr, ok := sr.ReadTaggedShadow(seqID, instID, TagReadAddr); ok {
		access := MemoryAccess{InstAddress: instAddr, Address: addr, Type: AccessRead, Size: wordSize}
		if rval, ok := sr.ReadTaggedShadow(seqID, instID, TagReadValue); ok {
			access.Value = rval
		}
		out = append(out, access)
	}
	waddr, waOK := sr.ReadTaggedShadow(seqID, instID, TagWriteAddr)
	wval, wvOK := sr.ReadTaggedShadow(seqID, instID, TagWriteValue)
	if waOK {
		access := MemoryAccess{InstAddress: instAddr, Address: waddr, Type: AccessWrite, Size: wordSize}
		if wvOK {
			access.Value = wval
		}
		out = append(out, access)
	}
	return out
}

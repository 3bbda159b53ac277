package execblock

import (
	"fmt"

	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/instr"
)

// CachedEdge maps an original guest address to the (ExecBlock, sequence)
// pair it was last translated into (spec.md §3, §5: "short-circuit
// re-lookup for observed intra-block transitions").
type CachedEdge struct {
	Block *ExecBlock
	Seq   SeqInfo
}

// BackendFactory builds a fresh Backend for a newly allocated ExecBlock.
// It is handed a "shape" DataBlock — same arch, same fixed layout, but
// backed by a throwaway buffer — purely so the returned Backend can
// capture the selector/monitor/scratch offsets it needs at construction
// time (spec.md §4.3's rule tables take these as plain integers, not
// pointers into live memory, so a throwaway buffer of the correct arch
// yields identical offsets to the real one NewExecBlock allocates).
type BackendFactory func(db *DataBlock) Backend

// ExecBlockManager owns every ExecBlock for one VM instance, translating
// a starting PC into a selected sequence, reusing ExecBlocks that still
// have room, and invalidating cached edges when the host reports an
// unmap (spec.md §4.5 "ExecBlockManager", §5).
type ExecBlockManager struct {
	arch       gpr.Arch
	pageSize   int
	newBackend BackendFactory

	blocks []*ExecBlock
	edges  map[uint64]CachedEdge
}

// NewExecBlockManager builds a manager for arch, allocating pageSize-sized
// code+data page pairs as needed via newBackend.
func NewExecBlockManager(arch gpr.Arch, pageSize int, newBackend BackendFactory) *ExecBlockManager {
	return &ExecBlockManager{
		arch:       arch,
		pageSize:   pageSize,
		newBackend: newBackend,
		edges:      map[uint64]CachedEdge{},
	}
}

// Close releases every ExecBlock the manager owns.
func (m *ExecBlockManager) Close() error {
	var firstErr error
	for _, b := range m.blocks {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.blocks = nil
	m.edges = map[uint64]CachedEdge{}
	return firstErr
}

// Lookup returns the cached translation for addr, if any (spec.md §3
// CachedEdge).
func (m *ExecBlockManager) Lookup(addr uint64) (CachedEdge, bool) {
	e, ok := m.edges[addr]
	return e, ok
}

// newBlock allocates and registers a fresh ExecBlock, wiring its Backend
// against a shape DataBlock of the manager's architecture (see
// BackendFactory's doc comment).
func (m *ExecBlockManager) newBlock() (*ExecBlock, error) {
	shape := NewDataBlock(make([]byte, m.pageSize), m.arch)
	backend := m.newBackend(shape)
	b, err := NewExecBlock(backend, m.pageSize)
	if err != nil {
		return nil, fmt.Errorf("execblockmanager: allocate block: %w", err)
	}
	m.blocks = append(m.blocks, b)
	return b, nil
}

// blockWithRoom returns the most recently allocated block with spare JIT
// area, to pack sequences densely the way spec.md's writeSequence
// rollback-on-full implies (reuse until a block reports itself full).
func (m *ExecBlockManager) blockWithRoom() *ExecBlock {
	for i := len(m.blocks) - 1; i >= 0; i-- {
		if m.blocks[i].Occupancy() < 1 {
			return m.blocks[i]
		}
	}
	return nil
}

// Translate looks up addr in the cache, translating and writing a fresh
// sequence on a miss (spec.md §4.5, §4.7's "Control flow" in §2: "VM.run
// → lookup sequence → ExecBlock.selectSeq"). guestCode must start exactly
// at addr.
func (m *ExecBlockManager) Translate(guestCode []byte, addr uint64, mode gpr.CPUMode, instrRules *instr.RuleSet) (CachedEdge, error) {
	if e, ok := m.edges[addr]; ok {
		return e, nil
	}

	block := m.blockWithRoom()
	if block == nil {
		var err error
		block, err = m.newBlock()
		if err != nil {
			return CachedEdge{}, err
		}
	}

	seq, err := block.WriteSequence(guestCode, addr, mode, instrRules)
	if err != nil {
		// The chosen block genuinely had no room left for even one
		// instruction (its Occupancy() hadn't yet crossed 1.0 but the
		// MINIMAL_BLOCK_SIZE floor did): allocate a fresh block and retry
		// once, rather than looping forever against the same exhausted page.
		block, err = m.newBlock()
		if err != nil {
			return CachedEdge{}, err
		}
		seq, err = block.WriteSequence(guestCode, addr, mode, instrRules)
		if err != nil {
			return CachedEdge{}, fmt.Errorf("execblockmanager: translate %#x: %w", addr, err)
		}
	}

	edge := CachedEdge{Block: block, Seq: seq}
	m.edges[addr] = edge
	for _, inst := range block.instAddrs[seq.StartInstID : seq.EndInstID+1] {
		m.edges[inst] = edge // every instruction inside the sequence is itself a valid re-entry point
	}
	return edge, nil
}

// LocateInst resolves addr back into the exact (block, sequence, inst) it
// was translated as, scanning the owning sequence's instruction range
// since CachedEdge maps every address inside a sequence to the same edge
// (spec.md §4.6's GetInstMemoryAccess needs the specific instID, not just
// the sequence). The scan is linear in the owning sequence's instruction
// count and only runs on the callback slow path, never per-instruction
// translation.
func (m *ExecBlockManager) LocateInst(addr uint64) (block *ExecBlock, seqID, instID int, ok bool) {
	e, found := m.edges[addr]
	if !found {
		return nil, 0, 0, false
	}
	for i := e.Seq.StartInstID; i <= e.Seq.EndInstID; i++ {
		if a, ok2 := e.Block.InstAddr(i); ok2 && a == addr {
			return e.Block, e.Seq.ID, i, true
		}
	}
	return e.Block, e.Seq.ID, -1, false
}

// Invalidate drops every cached edge inside [lo, hi) and closes any
// ExecBlock whose every translated instruction now falls in that range
// (spec.md §5: "Invalidation drops affected CachedEdge entries and frees
// covering blocks"). A block with instructions both inside and outside
// the range is kept (its surviving edges remain valid); only a block
// entirely covered by the invalidated range is freed.
func (m *ExecBlockManager) Invalidate(lo, hi uint64) {
	for addr := range m.edges {
		if addr >= lo && addr < hi {
			delete(m.edges, addr)
		}
	}

	kept := m.blocks[:0]
	for _, b := range m.blocks {
		if b.fullyWithin(lo, hi) {
			_ = b.Close()
			continue
		}
		kept = append(kept, b)
	}
	m.blocks = kept
}

// fullyWithin reports whether every instruction this block ever
// translated falls in [lo, hi); an empty block (nothing translated yet)
// is never considered covered.
func (b *ExecBlock) fullyWithin(lo, hi uint64) bool {
	if len(b.instAddrs) == 0 {
		return false
	}
	for _, addr := range b.instAddrs {
		if addr < lo || addr >= hi {
			return false
		}
	}
	return true
}

package execblock

import (
	"fmt"
	"unsafe"

	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/platform"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// SeqType mirrors spec.md §4.5's Entry/Exit bits: a sequence written in
// full (both a clean entry point and a clean exit to the epilogue) is
// Entry|Exit; one cut short by a block-full rollback keeps only Entry,
// and resumes translation at EndAddr next time the manager needs it.
type SeqType uint8

const (
	SeqEntry SeqType = 1 << iota
	SeqExit
)

// SeqInfo records one written sequence's extent, the way ExecBlockManager
// indexes PC ranges back to (ExecBlock, sequence) pairs (spec.md §3, §4.5).
type SeqInfo struct {
	ID           int
	StartAddr    uint64
	EndAddr      uint64 // one past the last translated instruction; for a non-Exit sequence, the address the terminator resumes at
	Offset       int64  // byte offset of this sequence's first instruction within the code page
	Type         SeqType
	Mode         gpr.CPUMode
	ExecuteFlags gpr.ExecuteFlags
	StartInstID  int
	EndInstID    int // inclusive; equals StartInstID-1 for a sequence with zero translated instructions
}

func (s SeqInfo) IsExit() bool { return s.Type&SeqExit != 0 }

// minimalBlockSize is the architecture-specific floor spec.md §4.5 names
// for getEpilogueOffset(): "enough for the terminator and the epilogue
// jump". Grounded on original_source/src/ExecBlock/ExecBlock.h's
// per-architecture MINIMAL_BLOCK_SIZE constants.
func minimalBlockSize(arch gpr.Arch) int64 {
	switch arch {
	case gpr.ArchX86, gpr.ArchX86_64:
		return 64
	case gpr.ArchARM:
		return 28
	case gpr.ArchAArch64:
		return 12
	default:
		panic("BUG: unknown architecture")
	}
}

// CallbackDispatcher is the host-side half of the Callback slot protocol
// (spec.md §4.5 execute(): "dispatches to the stored host callback with
// the host-visible state pointers"). The top-level qbdi package
// implements it, keyed by whatever opaque non-zero value InstrRule's
// callback-invoking generators wrote into HostState.Callback.
type CallbackDispatcher interface {
	Dispatch(callback, callbackData uint64, db *DataBlock) gpr.VMAction
}

// ExecBlock owns one code+data page pair (spec.md §4.5). Construction
// reserves the epilogue at the top of the code page and the prologue at
// offset 0, leaving the JIT area between them for writeSequence.
type ExecBlock struct {
	backend Backend
	code    []byte
	data    []byte
	db      *DataBlock

	prologueSize int64
	epilogueOff  int64
	codePos      int64

	rw bool // true: page is RW (writing); false: RX (executing)

	seqs      []SeqInfo
	instAddrs []uint64
	instSeqID []int

	curSeqID   int
	curInstID  int
	curMode    gpr.CPUMode
	curInstLen int64
}

// NewExecBlock allocates a fresh page pair for backend and writes its
// fixed prologue/epilogue (spec.md §4.5).
func NewExecBlock(backend Backend, pageSize int) (*ExecBlock, error) {
	code, data, err := platform.AllocateCodeDataPages(pageSize)
	if err != nil {
		return nil, fmt.Errorf("execblock: allocate pages: %w", err)
	}
	db := NewDataBlock(data, backend.Arch())
	b := &ExecBlock{backend: backend, code: code, data: data, db: db}

	codeBase := uint64(uintptr(unsafe.Pointer(&code[0])))
	dataBase := uint64(uintptr(unsafe.Pointer(&data[0])))

	prologue := backend.Prologue(db, codeBase, dataBase, 0)
	if int64(len(prologue)) >= int64(pageSize) {
		panic("BUG: prologue does not fit in code page")
	}
	copy(code, prologue)
	b.prologueSize = int64(len(prologue))

	// Epilogue's own RIP-relative/absolute fields depend on its final
	// offset in the page, which depends on its own length: probe the
	// length once at offset 0 (every backend's Epilogue encodes a fixed
	// byte length regardless of the displacements it carries), then
	// regenerate at the real offset.
	probe := backend.Epilogue(db, codeBase, dataBase, 0)
	epilogueSize := int64(len(probe))
	b.epilogueOff = int64(pageSize) - epilogueSize
	if b.epilogueOff < b.prologueSize {
		panic("BUG: code page too small for prologue+epilogue")
	}
	epilogue := backend.Epilogue(db, codeBase, dataBase, b.epilogueOff)
	copy(code[b.epilogueOff:], epilogue)

	b.codePos = b.prologueSize
	b.rw = true
	return b, nil
}

// Close releases the page pair (spec.md §9: "Code+data pages: owned by
// the ExecBlock").
func (b *ExecBlock) Close() error {
	return platform.FreeCodeDataPages(b.code, b.data)
}

func (b *ExecBlock) DataBlock() *DataBlock { return b.db }
func (b *ExecBlock) Arch() gpr.Arch        { return b.backend.Arch() }

func (b *ExecBlock) codeBase() uint64 { return uint64(uintptr(unsafe.Pointer(&b.code[0]))) }
func (b *ExecBlock) dataBase() uint64 { return uint64(uintptr(unsafe.Pointer(&b.data[0]))) }

// Occupancy reports the fraction of the JIT area already used, the
// signal ExecBlockManager uses to decide whether to reuse this ExecBlock
// for the next sequence or allocate a fresh one.
func (b *ExecBlock) Occupancy() float64 {
	total := b.epilogueOff - b.prologueSize
	if total <= 0 {
		return 1
	}
	used := b.codePos - b.prologueSize
	return float64(used) / float64(total)
}

// --- reloc.Context ---

func (b *ExecBlock) DataBlockOffset() int64 {
	return int64(b.dataBase()) - int64(b.CurrentCodePC())
}

func (b *ExecBlock) EpilogueOffset() int64 {
	return int64(b.codeBase()) + b.epilogueOff - int64(b.CurrentCodePC())
}

func (b *ExecBlock) CurrentCodePC() uint64 {
	return b.codeBase() + uint64(b.codePos) + uint64(b.curInstLen)
}

func (b *ExecBlock) CPUMode() gpr.CPUMode { return b.curMode }

func (b *ExecBlock) AllocShadow() int { return b.db.AllocShadow() }

func (b *ExecBlock) AllocTaggedShadow(tag string, seqID, instID int) int {
	return b.db.AllocTaggedShadow(tag, seqID, instID)
}

func (b *ExecBlock) CurrentSeqID() int { return b.curSeqID }
func (b *ExecBlock) NextInstID() int   { return b.curInstID }

func (b *ExecBlock) ShadowWordOffset(idx int) int64 { return b.db.ShadowWordOffset(idx) }

func (b *ExecBlock) SetShadowWord(idx int, v uint64) { b.db.SetShadowWord(idx, v) }

// emit resolves and appends each RelocatableInst in turn, advancing
// codePos after every single instruction so each one's own relocations
// are computed relative to ITS OWN end address, matching RIP-relative
// (and ARM/AArch64 PC-relative) semantics rather than the whole patch's.
func (b *ExecBlock) emit(insts []reloc.RelocatableInst) {
	for _, ri := range insts {
		b.curInstLen = int64(len(ri.Template))
		out := ri.Reloc(b)
		copy(b.code[b.codePos:], out)
		b.codePos += int64(len(out))
		b.curInstLen = 0
	}
}

func (b *ExecBlock) ensureRW() error {
	if b.rw {
		return nil
	}
	if err := platform.MprotectRW(b.code); err != nil {
		return err
	}
	b.rw = true
	return nil
}

func (b *ExecBlock) ensureRX() error {
	if !b.rw {
		return nil
	}
	if err := platform.MprotectRX(b.code); err != nil {
		return err
	}
	platform.InvalidateInstructionCache(b.code)
	b.rw = false
	return nil
}

// WriteSequence decodes guestCode (guest bytes starting at addr) one
// instruction at a time, translating each through instrRules and the
// backend's own PatchRuleAssembly, and streams the result into the code
// page until either a PC-modifying instruction ends the sequence
// naturally or the page runs out of room (spec.md §4.5). It folds the
// discovery (decode+translate) and the write phase into one pass, rather
// than requiring a separate pre-built Patch vector hand to it — an
// adaptation noted in DESIGN.md.
func (b *ExecBlock) WriteSequence(guestCode []byte, addr uint64, mode gpr.CPUMode, instrRules *instr.RuleSet) (SeqInfo, error) {
	if err := b.ensureRW(); err != nil {
		return SeqInfo{}, err
	}
	if b.epilogueOff-b.codePos <= minimalBlockSize(b.backend.Arch()) {
		return SeqInfo{}, fmt.Errorf("execblock: block full")
	}
	if s, ok := b.backend.(SequenceStarter); ok {
		s.OnSequenceStart(mode)
	}

	startOffset := b.codePos
	startAddr := addr
	seqID := len(b.seqs)
	b.curSeqID = seqID
	startInstID := len(b.instAddrs)

	seqType := SeqEntry | SeqExit
	var executeFlags gpr.ExecuteFlags
	var guestOff int

	for {
		instCheckpointPos := b.codePos
		dataCheckpoint := b.db.Checkpoint()

		b.curInstID = len(b.instAddrs)
		b.curMode = mode

		if guestOff >= len(guestCode) {
			seqType &^= SeqExit
			break
		}

		src, nextMode, err := b.backend.Decode(guestCode[guestOff:], addr, mode)
		if err != nil {
			if addr == startAddr {
				return SeqInfo{}, fmt.Errorf("execblock: decode at %#x: %w", addr, err)
			}
			seqType &^= SeqExit
			break
		}

		insts, terr := instr.Translate(src, b.backend.Arch(), mode, b.backend.Rules(mode), instrRules, b.backend.RegisterPolicy(mode))
		if terr != nil {
			seqType &^= SeqExit
			break
		}

		var instLen int64
		for _, ri := range insts {
			instLen += int64(len(ri.Template))
		}
		if b.epilogueOff-b.codePos-instLen <= minimalBlockSize(b.backend.Arch()) {
			b.codePos = instCheckpointPos
			b.db.Rollback(dataCheckpoint)
			seqType &^= SeqExit
			break
		}

		b.emit(insts)
		b.instAddrs = append(b.instAddrs, addr)
		b.instSeqID = append(b.instSeqID, seqID)
		if src.UsesFPR {
			executeFlags |= gpr.NeedsFPR
		}

		addr += uint64(src.Size)
		guestOff += src.Size
		mode = nextMode

		if src.ModifiesPC {
			break
		}
	}

	if seqType&SeqExit == 0 {
		b.curMode = mode
		b.emit(b.backend.Terminator(addr, b.db))
	}
	b.curMode = mode
	b.emit([]reloc.RelocatableInst{b.backend.JmpEpilogue()})

	info := SeqInfo{
		ID:           seqID,
		StartAddr:    startAddr,
		EndAddr:      addr,
		Offset:       startOffset,
		Type:         seqType,
		Mode:         b.curMode,
		ExecuteFlags: executeFlags,
		StartInstID:  startInstID,
		EndInstID:    len(b.instAddrs) - 1,
	}
	b.seqs = append(b.seqs, info)
	return info, nil
}

// WriteRaw emits a fixed, non-guest-decoded instruction sequence into the
// JIT scratch area and returns the absolute host address it starts at.
// Unlike WriteSequence it takes no guest bytes and registers no SeqInfo:
// it's for built-in fixed fragments like ExecBroker's transfer bridge
// (spec.md §4.7), which are assembled once per ExecBlock the same way the
// fixed prologue/epilogue are, just through the ordinary RelocatableInst
// path so DataBlockRel/EpilogueRel resolve against this block normally.
func (b *ExecBlock) WriteRaw(insts []reloc.RelocatableInst) (uint64, error) {
	if err := b.ensureRW(); err != nil {
		return 0, err
	}
	var total int64
	for _, ri := range insts {
		total += int64(len(ri.Template))
	}
	if b.epilogueOff-b.codePos < total {
		return 0, fmt.Errorf("execblock: no room for raw sequence")
	}
	addr := b.codeBase() + uint64(b.codePos)
	b.emit(insts)
	return addr, nil
}

// SelectSeq points the dispatcher at seq: the prologue's indirect jump
// reads HostState.Selector, so selecting a sequence is just writing its
// absolute code-page address there (spec.md §4.5 selectSeq).
func (b *ExecBlock) SelectSeq(seq SeqInfo) {
	b.db.SetSelector(b.codeBase() + uint64(seq.Offset))
	b.db.SetExecuteFlags(seq.ExecuteFlags)
	b.curSeqID = seq.ID
}

// Run toggles the page RX, invalidates the icache, and hands control to
// the architecture's context-switch trampoline (spec.md §4.5 run()).
// It only returns once guest execution reaches the epilogue.
func (b *ExecBlock) Run() error {
	if !b.backend.LiveExecution() {
		return fmt.Errorf("execblock: %s backend has no live execution path on this host", b.backend.Arch())
	}
	if err := b.ensureRX(); err != nil {
		return err
	}
	entry := uintptr(b.codeBase() + uint64(b.prologueSize))
	data := uintptr(b.dataBase())
	hostSPOff := uintptr(b.db.HostSPOffset())
	runCodeBlock(entry, data, hostSPOff)
	return nil
}

// Execute is the outer dispatch loop (spec.md §4.5 execute()): run the
// selected sequence, then inspect HostState.Callback. A zero callback
// means the sequence ran to completion with nothing left to dispatch;
// otherwise hand off to dispatcher and act on the returned VMAction.
func (b *ExecBlock) Execute(dispatcher CallbackDispatcher) (gpr.VMAction, error) {
	for {
		if err := b.Run(); err != nil {
			return gpr.Stop, err
		}
		cb := b.db.Callback()
		if cb == 0 {
			return gpr.Continue, nil
		}
		action := dispatcher.Dispatch(cb, b.db.CallbackData(), b.db)
		b.db.SetCallback(0)
		switch action {
		case gpr.Continue:
			continue
		default:
			return action, nil
		}
	}
}

// InstAddr returns the guest address instID was decoded from, used by
// ExecBlockManager to translate a cached edge back into a PC.
func (b *ExecBlock) InstAddr(instID int) (uint64, bool) {
	if instID < 0 || instID >= len(b.instAddrs) {
		return 0, false
	}
	return b.instAddrs[instID], true
}

// SeqContaining returns the SeqInfo for a given sequence ID.
func (b *ExecBlock) SeqContaining(seqID int) (SeqInfo, bool) {
	if seqID < 0 || seqID >= len(b.seqs) {
		return SeqInfo{}, false
	}
	return b.seqs[seqID], true
}

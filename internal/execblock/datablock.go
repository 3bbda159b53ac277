// Package execblock implements the ExecBlock/ExecBlockManager layer
// (spec.md §4.5, §3): one code+data page pair that owns the translated
// sequences for one guest region, plus the PC→sequence cache that picks
// among many ExecBlocks.
package execblock

import (
	"encoding/binary"

	"github.com/qbdigo/qbdi/internal/gpr"
)

// hostStateLayout fixes the byte offsets of HostState's fields inside the
// data page, immediately after the GPR/PC/FPR region (spec.md §3:
// "Context is the fixed-layout record placed at the base of every data
// page"). These offsets are the ones every architecture's writeSelector/
// LocalMonitor/ExecBroker wiring patches via reloc.DataBlockRel, so they
// must stay stable for the lifetime of one ExecBlock (they are, since an
// ExecBlock is never resized).
type hostStateLayout struct {
	hostSP           int64
	hostLR           int64 // ARM/AArch64 only: the host return address, clobbered by the guest LR restore and so saved separately from the stack swap
	selector         int64
	executeFlags     int64
	callback         int64
	callbackData     int64
	currentSROffset  int64
	brokerAddr       int64
	localMonitorAddr int64
	localMonitorSet  int64
	savedErrno       int64
	size             int64 // total HostState region size, 8-aligned
}

var hostState = hostStateLayout{
	hostSP:           0,
	hostLR:           8,
	selector:         16,
	executeFlags:     24,
	callback:         32,
	callbackData:     40,
	currentSROffset:  48,
	brokerAddr:       56,
	localMonitorAddr: 64,
	localMonitorSet:  72,
	savedErrno:       80,
	size:             88,
}

// fprReserved is a fixed allowance for FPRState bytes, large enough for
// the widest vector state the engine ever saves (AVX's YMM0-15, 32 bytes
// each = 512 bytes; ARM/AArch64's NEON/SVE state fits comfortably under
// it too). OPT_DISABLE_FPR/OPT_DISABLE_OPTIONAL_FPR (spec.md §6) decide
// whether the prologue/epilogue actually touch this region, not its size.
const fprReserved = 512

// DataBlock owns the byte layout of one ExecBlock's data page: [GPR words
// | PC | SP | FP | LR | FPR bytes | HostState | shadows...] (spec.md §3). Every byte
// offset it hands out is relative to its own base, which is what
// reloc.Context.DataBlockOffset() measures against the current code PC.
type DataBlock struct {
	bytes []byte
	arch  gpr.Arch
	info  *gpr.RegInfo

	gprOffset   int64
	pcOffset    int64
	spOffset    int64
	fpOffset    int64
	lrOffset    int64
	fprOffset   int64
	hostOffset  int64
	shadowBase  int64
	shadowIdx   int
	shadowCount int // not maintained: shadowIdx is the allocated word count AllocShadow bounds-checks against len(bytes)

	// taggedShadows records AllocTaggedShadow allocations keyed by
	// (seqID, instID, tag), consulted by ReadTaggedShadow/analyseMemoryAccess
	// (spec.md §3 Shadow: "tagged allocations are also recorded in a
	// shadow registry").
	taggedShadows map[taggedKey]int
}

type taggedKey struct {
	seqID, instID int
	tag           string
}

// NewDataBlock lays out a fresh data page for arch. pageSize must be large
// enough to hold the fixed Context region plus at least a handful of
// shadow words; ExecBlock.writeSequence's block-full check is what keeps
// a real translation run within bounds.
func NewDataBlock(buf []byte, arch gpr.Arch) *DataBlock {
	info := gpr.InfoFor(arch)
	w := int64(info.WordSize())
	gprSize := int64(info.AvailableGPR) * w
	pcOff := gprSize
	// spOff/fpOff/lrOff hold the registers gpr.RegInfo's GPR array doesn't
	// cover on AArch64 (SP, X29, X30/LR all live outside the 0..28
	// allocatable range — spec.md §3's Context still needs all three saved
	// across a context switch). ARM's SP (r13) and LR (r14) likewise sit
	// outside its 0..12 array and use the SP and LR words; the FP word is
	// unused there. x86 maps SP inside the GPR array already
	// (RegInfo.SPIndex) and has no X29/LR, so all three words go unused
	// there, a small fixed cost for a uniform layout across all four
	// architectures.
	spOff := pcOff + w
	fpOff := spOff + w
	lrOff := fpOff + w
	fprOff := lrOff + w
	hostOff := fprOff + fprReserved
	shadowBase := hostOff + hostState.size
	if shadowBase > int64(len(buf)) {
		panic("BUG: data page too small for fixed Context region")
	}
	return &DataBlock{
		bytes:         buf,
		arch:          arch,
		info:          info,
		gprOffset:     0,
		pcOffset:      pcOff,
		spOffset:      spOff,
		fpOffset:      fpOff,
		lrOffset:      lrOff,
		fprOffset:     fprOff,
		hostOffset:    hostOff,
		shadowBase:    shadowBase,
		taggedShadows: map[taggedKey]int{},
	}
}

// ContextSize returns the byte length of the fixed [GPR|PC|SP|FP|LR|FPR|HostState]
// region, i.e. where the shadow area begins.
func (d *DataBlock) ContextSize() int64 { return d.shadowBase }

// GPROffset returns the byte offset of GPR index idx within the data page.
func (d *DataBlock) GPROffset(idx int) int64 {
	return d.gprOffset + int64(d.info.Offset(idx))
}

// GPR reads/writes one guest GPR, word-width per architecture.
func (d *DataBlock) GPR(idx int) uint64 {
	return d.readWord(d.GPROffset(idx), d.info.WordSize())
}

func (d *DataBlock) SetGPR(idx int, v uint64) {
	d.writeWord(d.GPROffset(idx), d.info.WordSize(), v)
}

// PC reads/writes the saved guest program counter.
func (d *DataBlock) PC() uint64      { return d.readWord(d.pcOffset, d.info.WordSize()) }
func (d *DataBlock) SetPC(v uint64)  { d.writeWord(d.pcOffset, d.info.WordSize(), v) }
func (d *DataBlock) PCOffset() int64 { return d.pcOffset }

// SP/FP/LR hold AArch64's stack pointer, frame pointer (X29) and link
// register (X30), and ARM's SP (r13) and LR (r14), which sit outside
// RegInfo's 0..AvailableGPR-1 array.
func (d *DataBlock) SPOffset() int64   { return d.spOffset }
func (d *DataBlock) FPOffset() int64   { return d.fpOffset }
func (d *DataBlock) LROffset() int64   { return d.lrOffset }
func (d *DataBlock) SP() uint64        { return d.readWord(d.spOffset, 8) }
func (d *DataBlock) SetSP(v uint64)    { d.writeWord(d.spOffset, 8, v) }
func (d *DataBlock) FP() uint64        { return d.readWord(d.fpOffset, 8) }
func (d *DataBlock) SetFP(v uint64)    { d.writeWord(d.fpOffset, 8, v) }
func (d *DataBlock) LR() uint64        { return d.readWord(d.lrOffset, 8) }
func (d *DataBlock) SetLR(v uint64)    { d.writeWord(d.lrOffset, 8, v) }
func (d *DataBlock) FPROffset() int64  { return d.fprOffset }
func (d *DataBlock) FPRBytes() []byte  { return d.bytes[d.fprOffset : d.fprOffset+fprReserved] }
func (d *DataBlock) HostOffset() int64 { return d.hostOffset }

// HostState field accessors (spec.md §3). Offsets are exported via the
// *Offset methods so writeSelector/LocalMonitor/ExecBroker wiring can
// build reloc.DataBlockRel{Offset: ...} against them directly.
func (d *DataBlock) HostSPOffset() int64           { return d.hostOffset + hostState.hostSP }
func (d *DataBlock) HostLROffset() int64           { return d.hostOffset + hostState.hostLR }
func (d *DataBlock) SelectorOffset() int64         { return d.hostOffset + hostState.selector }
func (d *DataBlock) ExecuteFlagsOffset() int64     { return d.hostOffset + hostState.executeFlags }
func (d *DataBlock) CallbackOffset() int64         { return d.hostOffset + hostState.callback }
func (d *DataBlock) CallbackDataOffset() int64     { return d.hostOffset + hostState.callbackData }
func (d *DataBlock) CurrentSROffsetOffset() int64  { return d.hostOffset + hostState.currentSROffset }
func (d *DataBlock) BrokerAddrOffset() int64       { return d.hostOffset + hostState.brokerAddr }
func (d *DataBlock) LocalMonitorAddrOffset() int64 { return d.hostOffset + hostState.localMonitorAddr }
func (d *DataBlock) LocalMonitorSetOffset() int64  { return d.hostOffset + hostState.localMonitorSet }
func (d *DataBlock) SavedErrnoOffset() int64       { return d.hostOffset + hostState.savedErrno }

func (d *DataBlock) HostSP() uint64       { return d.readWord(d.HostSPOffset(), 8) }
func (d *DataBlock) SetHostSP(v uint64)   { d.writeWord(d.HostSPOffset(), 8, v) }
func (d *DataBlock) HostLR() uint64       { return d.readWord(d.HostLROffset(), 8) }
func (d *DataBlock) SetHostLR(v uint64)   { d.writeWord(d.HostLROffset(), 8, v) }
func (d *DataBlock) Selector() uint64     { return d.readWord(d.SelectorOffset(), 8) }
func (d *DataBlock) SetSelector(v uint64) { d.writeWord(d.SelectorOffset(), 8, v) }

func (d *DataBlock) ExecuteFlags() gpr.ExecuteFlags {
	return gpr.ExecuteFlags(binary.LittleEndian.Uint32(d.bytes[d.ExecuteFlagsOffset():]))
}
func (d *DataBlock) SetExecuteFlags(f gpr.ExecuteFlags) {
	binary.LittleEndian.PutUint32(d.bytes[d.ExecuteFlagsOffset():], uint32(f))
}

func (d *DataBlock) Callback() uint64         { return d.readWord(d.CallbackOffset(), 8) }
func (d *DataBlock) SetCallback(v uint64)     { d.writeWord(d.CallbackOffset(), 8, v) }
func (d *DataBlock) CallbackData() uint64     { return d.readWord(d.CallbackDataOffset(), 8) }
func (d *DataBlock) SetCallbackData(v uint64) { d.writeWord(d.CallbackDataOffset(), 8, v) }

func (d *DataBlock) CurrentSROffset() int32 {
	return int32(binary.LittleEndian.Uint32(d.bytes[d.CurrentSROffsetOffset():]))
}
func (d *DataBlock) SetCurrentSROffset(v int32) {
	binary.LittleEndian.PutUint32(d.bytes[d.CurrentSROffsetOffset():], uint32(v))
}

func (d *DataBlock) BrokerAddr() uint64       { return d.readWord(d.BrokerAddrOffset(), 8) }
func (d *DataBlock) SetBrokerAddr(v uint64)   { d.writeWord(d.BrokerAddrOffset(), 8, v) }
func (d *DataBlock) LocalMonitorAddr() uint64 { return d.readWord(d.LocalMonitorAddrOffset(), 8) }
func (d *DataBlock) SetLocalMonitorAddr(v uint64) {
	d.writeWord(d.LocalMonitorAddrOffset(), 8, v)
}
func (d *DataBlock) LocalMonitorSet() bool {
	return binary.LittleEndian.Uint32(d.bytes[d.LocalMonitorSetOffset():]) != 0
}
func (d *DataBlock) SetLocalMonitorSet(v bool) {
	var raw uint32
	if v {
		raw = 1
	}
	binary.LittleEndian.PutUint32(d.bytes[d.LocalMonitorSetOffset():], raw)
}

func (d *DataBlock) SavedErrno() int32 {
	return int32(binary.LittleEndian.Uint32(d.bytes[d.SavedErrnoOffset():]))
}
func (d *DataBlock) SetSavedErrno(v int32) {
	binary.LittleEndian.PutUint32(d.bytes[d.SavedErrnoOffset():], uint32(v))
}

// AllocShadow bumps the shadow index and returns the newly allocated slot
// (spec.md §3, reloc.Context.AllocShadow). Shadows are always one rword
// wide regardless of arch, matching spec.md §3's "Shadow: a scratch
// data-block slot (rword-wide)".
func (d *DataBlock) AllocShadow() int {
	idx := d.shadowIdx
	d.shadowIdx++
	need := d.shadowBase + int64(d.shadowIdx)*8
	if need > int64(len(d.bytes)) {
		panic("BUG: shadow allocation exceeds data block size")
	}
	return idx
}

// AllocTaggedShadow behaves like AllocShadow but also registers the
// allocation in the shadow registry (spec.md §3).
func (d *DataBlock) AllocTaggedShadow(tag string, seqID, instID int) int {
	idx := d.AllocShadow()
	d.taggedShadows[taggedKey{seqID, instID, tag}] = idx
	return idx
}

// ShadowWordOffset converts a shadow index into its byte offset from the
// data block base.
func (d *DataBlock) ShadowWordOffset(idx int) int64 {
	return d.shadowBase + int64(idx)*8
}

// SetShadowWord writes an allocated shadow slot directly, implementing
// reloc.Context for rules (InstId) that seed a slot at resolve time.
func (d *DataBlock) SetShadowWord(idx int, v uint64) {
	d.writeWord(d.ShadowWordOffset(idx), 8, v)
}

// ReadTaggedShadow looks up a previously tagged shadow's current value,
// implementing instr.ShadowReader for AnalyseMemoryAccess.
func (d *DataBlock) ReadTaggedShadow(seqID, instID int, tag string) (uint64, bool) {
	idx, ok := d.taggedShadows[taggedKey{seqID, instID, tag}]
	if !ok {
		return 0, false
	}
	return d.readWord(d.ShadowWordOffset(idx), 8), true
}

// Checkpoint/Rollback capture and restore the bump-allocator state so
// ExecBlock.writeSequence can discard a partially-written patch when the
// page runs out of room (spec.md §4.1 "Rollback on 'block full'... the
// allocation-bumping side effects... are explicitly captured and
// rewound").
type Checkpoint struct {
	shadowIdx     int
	taggedShadows map[taggedKey]int
}

func (d *DataBlock) Checkpoint() Checkpoint {
	cp := Checkpoint{shadowIdx: d.shadowIdx, taggedShadows: map[taggedKey]int{}}
	for k, v := range d.taggedShadows {
		cp.taggedShadows[k] = v
	}
	return cp
}

func (d *DataBlock) Rollback(cp Checkpoint) {
	d.shadowIdx = cp.shadowIdx
	d.taggedShadows = cp.taggedShadows
}

func (d *DataBlock) readWord(off int64, width int) uint64 {
	b := d.bytes[off:]
	switch width {
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func (d *DataBlock) writeWord(off int64, width int, v uint64) {
	b := d.bytes[off:]
	switch width {
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// SnapshotGPR/RestoreGPR marshal between the byte-level data page and the
// Go-native gpr.GPRState the host callback surface hands to user
// callbacks (spec.md §6, Callback signature), so callback code never has
// to know the data page's byte layout.
func (d *DataBlock) SnapshotGPR() *gpr.GPRState {
	s := gpr.NewGPRState(d.arch)
	for i := 0; i < d.info.AvailableGPR; i++ {
		s.Set(i, d.GPR(i))
	}
	s.PC = d.PC()
	return s
}

func (d *DataBlock) RestoreGPR(s *gpr.GPRState) {
	for i := 0; i < d.info.AvailableGPR; i++ {
		d.SetGPR(i, s.Get(i))
	}
	d.SetPC(s.PC)
}

// SnapshotFPR/RestoreFPR copy FPRState's opaque bytes to/from the
// reserved FPR region, bounded by fprReserved.
func (d *DataBlock) SnapshotFPR() *gpr.FPRState {
	buf := make([]byte, fprReserved)
	copy(buf, d.FPRBytes())
	return &gpr.FPRState{Bytes: buf}
}

func (d *DataBlock) RestoreFPR(s *gpr.FPRState) {
	copy(d.FPRBytes(), s.Bytes)
}

package reloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/gpr"
)

type fakeCtx struct {
	dataBlockOff int64
	epilogueOff  int64
	pc           uint64
	mode         gpr.CPUMode
	shadowIdx    int
	tagged       map[string]int
	shadowWords  map[int]uint64
	seqID        int
	instID       int
}

func (f *fakeCtx) DataBlockOffset() int64       { return f.dataBlockOff }
func (f *fakeCtx) EpilogueOffset() int64        { return f.epilogueOff }
func (f *fakeCtx) CurrentCodePC() uint64        { return f.pc }
func (f *fakeCtx) CPUMode() gpr.CPUMode         { return f.mode }
func (f *fakeCtx) CurrentSeqID() int            { return f.seqID }
func (f *fakeCtx) NextInstID() int              { return f.instID }
func (f *fakeCtx) ShadowWordOffset(i int) int64 { return int64(i * 8) }

func (f *fakeCtx) AllocShadow() int {
	idx := f.shadowIdx
	f.shadowIdx++
	return idx
}

func (f *fakeCtx) SetShadowWord(idx int, v uint64) {
	if f.shadowWords == nil {
		f.shadowWords = map[int]uint64{}
	}
	f.shadowWords[idx] = v
}

func (f *fakeCtx) AllocTaggedShadow(tag string, seqID, instID int) int {
	idx := f.AllocShadow()
	if f.tagged == nil {
		f.tagged = map[string]int{}
	}
	f.tagged[tag] = idx
	return idx
}

func TestDataBlockRel(t *testing.T) {
	ctx := &fakeCtx{dataBlockOff: 0x1000, mode: gpr.CPUModeARM}
	r := DataBlockRel{Offset: 4}
	require.EqualValues(t, 0x1000+4+8, r.Resolve(ctx))
}

func TestEpilogueRel_ThumbBias(t *testing.T) {
	ctx := &fakeCtx{epilogueOff: 0x40, mode: gpr.CPUModeThumb}
	r := EpilogueRel{}
	require.EqualValues(t, 0x40+4, r.Resolve(ctx))
}

func TestHostPCRel(t *testing.T) {
	ctx := &fakeCtx{pc: 0x7000}
	r := HostPCRel{Delta: 5}
	require.EqualValues(t, 0x7005, r.Resolve(ctx))
}

func TestTaggedShadow_AllocatesAndRegisters(t *testing.T) {
	ctx := &fakeCtx{dataBlockOff: 0x2000, seqID: 3, instID: 7}
	r := TaggedShadow{Tag: "read-addr", AsDataBlockRel: true}
	got := r.Resolve(ctx)
	require.EqualValues(t, 0x2000, got) // idx 0 -> offset 0
	require.Equal(t, 0, ctx.tagged["read-addr"])
}

func TestInstId_AllocatesAndSeedsShadowWithInstructionID(t *testing.T) {
	ctx := &fakeCtx{instID: 9}
	r := InstId{}
	_ = r.Resolve(ctx)
	require.Equal(t, 1, ctx.shadowIdx)
	require.Equal(t, uint64(9), ctx.shadowWords[0])
}

func TestSpillSlot_AllocatesOnceAcrossSaveAndRestore(t *testing.T) {
	ctx := &fakeCtx{dataBlockOff: 0x1000}
	slot := &SpillSlot{}

	save := SpillRef{Slot: slot}
	restore := SpillRef{Slot: slot}

	require.EqualValues(t, 0x1000, save.Resolve(ctx))    // idx 0 -> offset 0
	require.EqualValues(t, 0x1000, restore.Resolve(ctx)) // same slot, no second alloc
	require.Equal(t, 1, ctx.shadowIdx)
}

func TestSpillSlot_PairAllocatesTwoWords(t *testing.T) {
	ctx := &fakeCtx{}
	pair := &SpillSlot{Words: 2}
	single := &SpillSlot{}

	require.EqualValues(t, 0, pair.ByteOffset(ctx))
	require.EqualValues(t, 16, single.ByteOffset(ctx))
	require.Equal(t, 3, ctx.shadowIdx)
}

func TestReloc_WritesLittleEndianField(t *testing.T) {
	inst := NewRelocated(make([]byte, 8), Field{Offset: 2, Width: 4}, HostPCRel{Delta: 0})
	ctx := &fakeCtx{pc: 0xdeadbeef}
	out := inst.Reloc(ctx)
	require.Len(t, out, 8)
	require.EqualValues(t, 0xdeadbeef, uint32(out[2])|uint32(out[3])<<8|uint32(out[4])<<16|uint32(out[5])<<24)
}

func TestReloc_NoRelocFieldReturnsTemplateVerbatim(t *testing.T) {
	tmpl := []byte{0x90, 0x90, 0xc3}
	inst := New(tmpl)
	out := inst.Reloc(&fakeCtx{})
	require.Equal(t, tmpl, out)
}

package instr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

func TestMemAccessRule_SkipsNonMemoryInstructions(t *testing.T) {
	r := NewMemoryAccessRule(nil, nil, nil, nil)
	p := patch.NewPatch(patch.Source{Mnemonic: "MOV"}, 0, 0)

	require.False(t, r.TryInstrument(p, nil))
}

func TestMemAccessRule_QueuesReadAndWriteGenerators(t *testing.T) {
	var gotReadAddr, gotReadVal, gotWriteAddr, gotWriteVal bool
	r := NewMemoryAccessRule(
		func(p *patch.Patch, tm *patch.TempManager, dst int) []reloc.RelocatableInst {
			gotReadAddr = true
			return []reloc.RelocatableInst{reloc.New([]byte{1})}
		},
		func(p *patch.Patch, tm *patch.TempManager, dst int) []reloc.RelocatableInst {
			gotReadVal = true
			return []reloc.RelocatableInst{reloc.New([]byte{4})}
		},
		func(p *patch.Patch, tm *patch.TempManager, dst int) []reloc.RelocatableInst {
			gotWriteAddr = true
			return []reloc.RelocatableInst{reloc.New([]byte{2})}
		},
		func(p *patch.Patch, tm *patch.TempManager, dst int) []reloc.RelocatableInst {
			gotWriteVal = true
			return []reloc.RelocatableInst{reloc.New([]byte{3})}
		},
	)

	p := patch.NewPatch(patch.Source{Mnemonic: "STR", IsMemRead: true, IsMemWrite: true}, 0, 0)
	tm := patch.NewTempManager(gpr.X86_64, p, []int{0, 1, 2, 3}, nil)
	require.True(t, r.TryInstrument(p, tm))

	p.FinalizeInstsPatch(tm)
	require.True(t, gotReadAddr)
	require.True(t, gotReadVal)
	require.True(t, gotWriteAddr)
	require.True(t, gotWriteVal)
}

type fakeShadowReader struct {
	vals map[string]uint64
}

func (f fakeShadowReader) ReadTaggedShadow(seqID, instID int, tag string) (uint64, bool) {
	v, ok := f.vals[tag]
	return v, ok
}

func TestAnalyseMemoryAccess_PairsReadAndWrite(t *testing.T) {
	sr := fakeShadowReader{vals: map[string]uint64{
		TagReadAddr:   0x1000,
		TagReadValue:  0x11,
		TagWriteAddr:  0x2000,
		TagWriteValue: 0x42,
	}}

	accesses := AnalyseMemoryAccess(sr, 1, 7, 0xDEAD, 8)
	require.Len(t, accesses, 2)

	require.Equal(t, AccessRead, accesses[0].Type)
	require.Equal(t, uint64(0x1000), accesses[0].Address)
	require.Equal(t, uint64(0x11), accesses[0].Value)
	require.Equal(t, 8, accesses[0].Size)

	require.Equal(t, AccessWrite, accesses[1].Type)
	require.Equal(t, uint64(0x2000), accesses[1].Address)
	require.Equal(t, uint64(0x42), accesses[1].Value)
	require.Equal(t, 8, accesses[1].Size)
}

func TestAnalyseMemoryAccess_NoAccessesReturnsEmpty(t *testing.T) {
	sr := fakeShadowReader{vals: map[string]uint64{}}
	require.Empty(t, AnalyseMemoryAccess(sr, 1, 7, 0xDEAD, 8))
}

package execblock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/asmarm64"
	"github.com/qbdigo/qbdi/internal/asmx86"
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/platform"
)

const testPageSize = 1 << 16

func newTestBlock(t *testing.T, arch gpr.Arch, factory BackendFactory) *ExecBlock {
	t.Helper()
	if !platform.CompilerSupported() {
		t.Skip("no page allocator on this host")
	}
	shape := NewDataBlock(make([]byte, testPageSize), arch)
	b, err := NewExecBlock(factory(shape), testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestWriteSequence_X86MovRetEndsWithExit(t *testing.T) {
	b := newTestBlock(t, gpr.ArchX86_64, NewX86_64Backend)

	code := append(asmx86.MovRegImm64(asmx86.RAX, 0xdead), asmx86.Ret()...)
	seq, err := b.WriteSequence(code, 0x400000, gpr.CPUModeX86_64, instr.NewRuleSet())
	require.NoError(t, err)

	require.True(t, seq.IsExit())
	require.Equal(t, uint64(0x400000), seq.StartAddr)
	require.Equal(t, uint64(0x400000+len(code)), seq.EndAddr)
	require.Equal(t, 0, seq.StartInstID)
	require.Equal(t, 1, seq.EndInstID)
	require.Zero(t, seq.ExecuteFlags&gpr.NeedsFPR) // integer-only sequence

	addr, ok := b.InstAddr(1)
	require.True(t, ok)
	require.Equal(t, uint64(0x400000+len(code)-1), addr) // the ret's own address
}

func TestWriteSequence_X86RunOutOfCodeEmitsTerminator(t *testing.T) {
	b := newTestBlock(t, gpr.ArchX86_64, NewX86_64Backend)

	// No PC-modifying instruction: the window ends mid-stream, so the
	// sequence is Entry-only and its EndAddr is the resume point.
	code := asmx86.MovRegImm64(asmx86.RAX, 1)
	seq, err := b.WriteSequence(code, 0x500000, gpr.CPUModeX86_64, instr.NewRuleSet())
	require.NoError(t, err)

	require.False(t, seq.IsExit())
	require.Equal(t, uint64(0x500000+len(code)), seq.EndAddr)
}

func TestWriteSequence_X86FPRUsageAccumulatesIntoExecuteFlags(t *testing.T) {
	b := newTestBlock(t, gpr.ArchX86_64, NewX86_64Backend)

	// movaps %xmm0, %xmm1 ; ret — the XMM touch must surface in the
	// sequence's executeFlags so OPT_DISABLE_OPTIONAL_FPR dispatch still
	// saves FPR state around this sequence.
	code := append([]byte{0x0F, 0x28, 0xC8}, asmx86.Ret()...)
	seq, err := b.WriteSequence(code, 0x480000, gpr.CPUModeX86_64, instr.NewRuleSet())
	require.NoError(t, err)

	require.True(t, seq.IsExit())
	require.NotZero(t, seq.ExecuteFlags&gpr.NeedsFPR)
}

func TestWriteSequence_AArch64TranslatesBranchFamilies(t *testing.T) {
	b := newTestBlock(t, gpr.ArchAArch64, NewAArch64Backend)

	// movz x1, #5 ; ret — translation only, this backend never runs.
	code := append(asmarm64.MovzImm16(1, 5, 0), asmarm64.Ret(30)...)
	seq, err := b.WriteSequence(code, 0x600000, gpr.CPUModeAArch64, instr.NewRuleSet())
	require.NoError(t, err)

	require.True(t, seq.IsExit())
	require.Equal(t, 0, seq.StartInstID)
	require.Equal(t, 1, seq.EndInstID)
	require.Error(t, b.Run()) // decode-only backend refuses live execution
}

func TestExecBlockManager_TranslateCachesEveryInstructionAddress(t *testing.T) {
	if !platform.CompilerSupported() {
		t.Skip("no page allocator on this host")
	}
	m := NewExecBlockManager(gpr.ArchX86_64, testPageSize, NewX86_64Backend)
	t.Cleanup(func() { _ = m.Close() })

	code := append(asmx86.MovRegImm64(asmx86.RAX, 7), asmx86.Ret()...)
	edge, err := m.Translate(code, 0x700000, gpr.CPUModeX86_64, instr.NewRuleSet())
	require.NoError(t, err)

	_, ok := m.Lookup(0x700000)
	require.True(t, ok)
	retAddr := uint64(0x700000 + len(code) - 1)
	_, ok = m.Lookup(retAddr)
	require.True(t, ok)

	block, seqID, instID, ok := m.LocateInst(retAddr)
	require.True(t, ok)
	require.Equal(t, edge.Block, block)
	require.Equal(t, edge.Seq.ID, seqID)
	require.Equal(t, 1, instID)

	m.Invalidate(0x700000, 0x700100)
	_, ok = m.Lookup(0x700000)
	require.False(t, ok)
}

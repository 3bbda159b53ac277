package patch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/reloc"
)

func newTestPatch() *Patch {
	src := Source{Addr: 0x1000, Size: 4, Mnemonic: "mov"}
	return NewPatch(src, gpr.ArchAArch64, gpr.CPUModeAArch64)
}

func TestTempManager_Step1PrefersFreeClobberedRegister(t *testing.T) {
	p := newTestPatch()
	tm := NewTempManager(gpr.AArch64, p, []int{9, 10, 11}, nil)

	_, reg, needsRestore := tm.Acquire()

	require.False(t, needsRestore)
	require.Contains(t, []int{9, 10, 11}, reg)
}

func TestTempManager_Step1SkipsClobberedRegisterThePatchTouches(t *testing.T) {
	p := newTestPatch()
	p.MarkWritten(9)
	tm := NewTempManager(gpr.AArch64, p, []int{9}, nil)

	_, reg, needsRestore := tm.Acquire()

	require.NotEqual(t, 9, reg)
	require.True(t, needsRestore)
}

func TestTempManager_Step3PromotesAlreadySavedRegister(t *testing.T) {
	p := newTestPatch()
	// every register either clobbered-but-touched or directly touched,
	// except one explicitly RegSaved register, forcing step 3.
	for r := 0; r < gpr.AArch64.AvailableGPR; r++ {
		p.MarkWritten(r)
	}
	p.RegUsage[5] = RegSaved
	tm := NewTempManager(gpr.AArch64, p, nil, nil)

	_, reg, needsRestore := tm.Acquire()

	require.Equal(t, 5, reg)
	require.True(t, needsRestore)
}

func TestTempManager_RespectsReservedRegisters(t *testing.T) {
	p := newTestPatch()
	tm := NewTempManager(gpr.AArch64, p, []int{9, 28}, []int{28})

	_, reg, _ := tm.Acquire()

	require.NotEqual(t, 28, reg)
}

func TestTempManager_PanicsWhenExhausted(t *testing.T) {
	p := newTestPatch()
	for r := 0; r < gpr.AArch64.AvailableGPR; r++ {
		p.MarkWritten(r)
	}
	tm := NewTempManager(gpr.AArch64, p, nil, nil)

	require.Panics(t, func() { tm.Acquire() })
}

func TestTempManager_SaveRestorePreludeOnlyCoversUnrestoredSlots(t *testing.T) {
	p := newTestPatch()
	tm := NewTempManager(gpr.AArch64, p, []int{9}, nil)

	_, clobberedReg, needsRestore1 := tm.Acquire() // step 1, no save needed
	require.False(t, needsRestore1)

	const untouched = 5
	for r := 0; r < gpr.AArch64.AvailableGPR; r++ {
		if r != clobberedReg && r != untouched {
			p.MarkWritten(r)
		}
	}
	_, savedReg, needsRestore2 := tm.Acquire() // forced into step 2
	require.Equal(t, untouched, savedReg)
	require.True(t, needsRestore2)

	var savedRegs []int
	tm.SavePrelude(func(regs []int) []reloc.RelocatableInst {
		savedRegs = append(savedRegs, regs...)
		return nil
	})

	require.Equal(t, []int{savedReg}, savedRegs)
}

func TestPatch_FinalizeInstsPatchOrdersPreBodyPostByPriority(t *testing.T) {
	p := newTestPatch()
	p.AppendBody(reloc.New([]byte{0xAA}))

	var order []string
	p.AddInstrumentation(PreInst, 10, func(p *Patch, tm *TempManager) []reloc.RelocatableInst {
		order = append(order, "pre-low-priority")
		return nil
	})
	p.AddInstrumentation(PreInst, 1, func(p *Patch, tm *TempManager) []reloc.RelocatableInst {
		order = append(order, "pre-high-priority")
		return nil
	})
	p.AddInstrumentation(PostInst, 1, func(p *Patch, tm *TempManager) []reloc.RelocatableInst {
		order = append(order, "post")
		return nil
	})

	tm := NewTempManager(gpr.AArch64, p, nil, nil)
	insts := p.FinalizeInstsPatch(tm)

	require.Equal(t, []string{"pre-high-priority", "pre-low-priority", "post"}, order)
	require.NotEmpty(t, insts)
}

func TestPatch_FinalizeInstsPatchPanicsIfCalledTwice(t *testing.T) {
	p := newTestPatch()
	tm := NewTempManager(gpr.AArch64, p, nil, nil)
	p.FinalizeInstsPatch(tm)

	require.Panics(t, func() { p.FinalizeInstsPatch(tm) })
}

func TestPatch_AppendBodyPanicsAfterFinalize(t *testing.T) {
	p := newTestPatch()
	tm := NewTempManager(gpr.AArch64, p, nil, nil)
	p.FinalizeInstsPatch(tm)

	require.Panics(t, func() { p.AppendBody(reloc.New([]byte{0x00})) })
}

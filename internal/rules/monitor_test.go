package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

func newTestTM(p *patch.Patch) *patch.TempManager {
	info := gpr.AArch64
	clobbered := []int{9, 10, 11, 12, 13, 14, 15}
	return patch.NewTempManager(info, p, clobbered, nil)
}

func TestLocalMonitor_WrapIsNoopWithoutClosures(t *testing.T) {
	m := &LocalMonitor{}
	p := patch.NewPatch(patch.Source{Mnemonic: "LDXR"}, gpr.ArchAArch64, gpr.CPUModeAArch64)
	tm := newTestTM(p)

	out := m.Wrap(p, tm, func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst { return nil })
	require.Empty(t, out)
}

func TestLocalMonitor_SetEmitsAddressAndFlagWrites(t *testing.T) {
	m := NewAArch64LocalMonitor(28, 0, 8)
	m.LoadAddress = func(p *patch.Patch, tm *patch.TempManager, reg int) []reloc.RelocatableInst {
		return []reloc.RelocatableInst{reloc.New([]byte{0x01})}
	}
	p := patch.NewPatch(patch.Source{Mnemonic: "LDXR"}, gpr.ArchAArch64, gpr.CPUModeAArch64)
	tm := newTestTM(p)

	out := m.Wrap(p, tm, func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
		return []reloc.RelocatableInst{reloc.New([]byte{0xEE})}
	})
	require.NotEmpty(t, out)
	require.Equal(t, byte(0xEE), out[len(out)-1].Template[0])
}

func TestLocalMonitor_CheckAndClearRunsOnStoreExclusive(t *testing.T) {
	m := NewAArch64LocalMonitor(28, 0, 8)
	p := patch.NewPatch(patch.Source{Mnemonic: "STXR"}, gpr.ArchAArch64, gpr.CPUModeAArch64)
	tm := newTestTM(p)

	out := m.Wrap(p, tm, func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
		return []reloc.RelocatableInst{reloc.New([]byte{0xEE})}
	})
	require.NotEmpty(t, out)
}

func TestLocalMonitor_ClearOnTrap(t *testing.T) {
	m := NewARMLocalMonitor(11, 0, 4)
	p := patch.NewPatch(patch.Source{Mnemonic: "SVC"}, gpr.ArchARM, gpr.CPUModeARM)
	tm := newTestTM(p)

	out := m.ClearOnTrap(p, tm)
	require.NotEmpty(t, out)
}

func TestLocalMonitor_WrapIgnoresNonExclusiveMnemonics(t *testing.T) {
	m := NewAArch64LocalMonitor(28, 0, 8)
	p := patch.NewPatch(patch.Source{Mnemonic: "MOV"}, gpr.ArchAArch64, gpr.CPUModeAArch64)
	tm := newTestTM(p)

	out := m.Wrap(p, tm, func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
		return []reloc.RelocatableInst{reloc.New([]byte{0x01})}
	})
	require.Len(t, out, 1)
}

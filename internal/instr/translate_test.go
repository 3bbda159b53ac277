package instr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

type fakeRuleList struct {
	rule MatchedRule
	ok   bool
}

func (f fakeRuleList) Match(src patch.Source) (MatchedRule, bool) { return f.rule, f.ok }

func dummyGenerator(b byte) patch.Generator {
	return patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
		return []reloc.RelocatableInst{reloc.New([]byte{b})}, true
	})
}

func TestTranslate_RunsMatchedGeneratorsAndFinalizes(t *testing.T) {
	rl := fakeRuleList{rule: MatchedRule{Name: "identity", Generators: []patch.Generator{dummyGenerator(0xAA)}}, ok: true}
	src := patch.Source{Addr: 0x1000, Mnemonic: "MOV"}

	insts, err := Translate(src, gpr.ArchX86_64, gpr.CPUModeX86_64, rl, nil, RegisterPolicy{})
	require.NoError(t, err)
	require.NotEmpty(t, insts)

	var found bool
	for _, inst := range insts {
		if len(inst.Template) == 1 && inst.Template[0] == 0xAA {
			found = true
		}
	}
	require.True(t, found)
}

func TestTranslate_RefusedRuleReturnsError(t *testing.T) {
	rl := fakeRuleList{rule: MatchedRule{Name: "refused"}, ok: true}
	src := patch.Source{Addr: 0x2000, Mnemonic: "SETEND"}

	_, err := Translate(src, gpr.ArchARM, gpr.CPUModeARM, rl, nil, RegisterPolicy{})
	require.Error(t, err)
}

func TestTranslate_NoMatchPanics(t *testing.T) {
	rl := fakeRuleList{ok: false}
	src := patch.Source{Addr: 0x3000, Mnemonic: "MOV"}

	require.Panics(t, func() {
		Translate(src, gpr.ArchX86_64, gpr.CPUModeX86_64, rl, nil, RegisterPolicy{})
	})
}

func TestTranslate_WrapsTempsWithSpillSaveAndRestore(t *testing.T) {
	acquiring := patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
		_, _, needsRestore := tm.Acquire()
		require.True(t, needsRestore) // empty clobbered set forces the save/restore path
		return []reloc.RelocatableInst{reloc.New([]byte{0xAA})}, true
	})
	rl := fakeRuleList{rule: MatchedRule{Name: "x", Generators: []patch.Generator{acquiring}}, ok: true}

	policy := RegisterPolicy{
		Spill: func(regs []int) (saves, restores []reloc.RelocatableInst) {
			require.Equal(t, []int{0}, regs)
			return []reloc.RelocatableInst{reloc.New([]byte{0x51})},
				[]reloc.RelocatableInst{reloc.New([]byte{0x59})}
		},
	}

	insts, err := Translate(patch.Source{Addr: 0x1000, Mnemonic: "MOV"}, gpr.ArchX86_64, gpr.CPUModeX86_64, rl, nil, policy)
	require.NoError(t, err)
	require.Equal(t, byte(0x51), insts[0].Template[0])
	require.Equal(t, byte(0x59), insts[len(insts)-1].Template[0])
}

func TestTranslate_RegUsageFromSourceSteersAllocation(t *testing.T) {
	var got int
	acquiring := patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
		_, reg, _ := tm.Acquire()
		got = reg
		return nil, true
	})
	rl := fakeRuleList{rule: MatchedRule{Name: "x", Generators: []patch.Generator{acquiring}}, ok: true}

	src := patch.Source{Addr: 0x1000, Mnemonic: "MOV", RegsWritten: []int{0}, RegsRead: []int{1}}
	_, err := Translate(src, gpr.ArchX86_64, gpr.CPUModeX86_64, rl, nil, RegisterPolicy{})
	require.NoError(t, err)
	require.Equal(t, 2, got) // 0 and 1 are the instruction's own registers
}

func TestTranslate_SplicesRegisteredInstrRules(t *testing.T) {
	rl := fakeRuleList{rule: MatchedRule{Name: "identity", Generators: []patch.Generator{dummyGenerator(0xAA)}}, ok: true}
	src := patch.Source{Addr: 0x1000, Mnemonic: "MOV"}

	called := false
	rs := NewRuleSet(NewCodeRangeRule(0x1000, 0x2000, 0, 0, patch.PreInst, func(p *patch.Patch, tm *patch.TempManager) []patch.Generator {
		called = true
		return []patch.Generator{dummyGenerator(0xBB)}
	}))

	insts, err := Translate(src, gpr.ArchX86_64, gpr.CPUModeX86_64, rl, rs, RegisterPolicy{})
	require.NoError(t, err)
	require.True(t, called)

	var found bool
	for _, inst := range insts {
		if len(inst.Template) == 1 && inst.Template[0] == 0xBB {
			found = true
		}
	}
	require.True(t, found)
}

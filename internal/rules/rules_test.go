package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/asmx86"
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

func dummyEncode(p *patch.Patch, tm *patch.TempManager, transforms []patch.InstTransform) []reloc.RelocatableInst {
	return []reloc.RelocatableInst{reloc.New([]byte{0x90})}
}

func TestNewRuleList_PanicsWithoutTrailingIdentity(t *testing.T) {
	require.Panics(t, func() {
		NewRuleList(Rule{Name: "x", Condition: Always})
	})
}

func TestNewRuleList_PanicsOnEmpty(t *testing.T) {
	require.Panics(t, func() { NewRuleList() })
}

func TestRuleList_MatchIsFirstWins(t *testing.T) {
	rl := NewRuleList(
		Rule{Name: "branch", Condition: Mnemonic("JMP")},
		identityRule(dummyEncode),
	)

	r, ok := rl.Match(patch.Source{Mnemonic: "JMP"})
	require.True(t, ok)
	require.Equal(t, "branch", r.Name)

	r, ok = rl.Match(patch.Source{Mnemonic: "MOV"})
	require.True(t, ok)
	require.Equal(t, "identity", r.Name)
}

func TestMnemonic_MatchesExactSet(t *testing.T) {
	cond := Mnemonic("JMP", "CALL")
	require.True(t, cond.Match(patch.Source{Mnemonic: "JMP"}))
	require.True(t, cond.Match(patch.Source{Mnemonic: "CALL"}))
	require.False(t, cond.Match(patch.Source{Mnemonic: "MOV"}))
}

func TestAndOr_ComposeConditions(t *testing.T) {
	isJmp := Mnemonic("JMP")
	writesPC := ModifiesPC

	require.True(t, And(isJmp, writesPC).Match(patch.Source{Mnemonic: "JMP", ModifiesPC: true}))
	require.False(t, And(isJmp, writesPC).Match(patch.Source{Mnemonic: "JMP", ModifiesPC: false}))
	require.True(t, Or(isJmp, writesPC).Match(patch.Source{Mnemonic: "MOV", ModifiesPC: true}))
	require.False(t, Not(isJmp).Match(patch.Source{Mnemonic: "JMP"}))
}

func TestNewX86Rules_BuildsAndMatchesCall(t *testing.T) {
	sel := NewX86WriteSelector(0)
	rl := NewX86Rules(dummyEncode, sel)

	r, ok := rl.Match(patch.Source{Mnemonic: "CALL"})
	require.True(t, ok)
	require.Equal(t, "call", r.Name)
	require.Len(t, r.Generators, 1)
}

func TestNewAArch64Rules_MatchesLoadExclusive(t *testing.T) {
	sel := NewAArch64WriteSelector(28, 0)
	rl := NewAArch64Rules(dummyEncode, sel, &LocalMonitor{})

	r, ok := rl.Match(patch.Source{Mnemonic: "LDXR"})
	require.True(t, ok)
	require.Equal(t, "load-store-exclusive", r.Name)
}

func TestX86SimulateBranch_JRCXZKeepsOriginalOpcode(t *testing.T) {
	// jrcxz +5 at 0x4000
	inst, err := asmx86.Decode([]byte{0xE3, 0x05}, 0x4000, true)
	require.NoError(t, err)

	src := patch.Source{Addr: 0x4000, Size: inst.Size, Mnemonic: inst.Mnemonic, Raw: inst}
	p := patch.NewPatch(src, gpr.ArchX86_64, gpr.CPUModeX86_64)
	tm := patch.NewTempManager(gpr.X86_64, p, []int{0, 1, 2}, nil)

	var selWrites int
	sel := func(tm *patch.TempManager, srcReg int) []reloc.RelocatableInst {
		selWrites++
		return nil
	}
	out := x86SimulateBranch(p, tm, sel)
	require.Equal(t, 1, selWrites)
	require.Equal(t, byte(0xE3), out[0].Template[0]) // the jrcxz itself, redirected locally
}

func TestNewAArch64Rules_MatchesConditionalBranchAndCompareBranch(t *testing.T) {
	sel := NewAArch64WriteSelector(28, 0)
	rl := NewAArch64Rules(dummyEncode, sel, &LocalMonitor{})

	r, ok := rl.Match(patch.Source{Mnemonic: "B.EQ"})
	require.True(t, ok)
	require.Equal(t, "branch", r.Name)

	r, ok = rl.Match(patch.Source{Mnemonic: "CBNZ"})
	require.True(t, ok)
	require.Equal(t, "compare-branch", r.Name)
}

func TestNewARMRules_RefusesUnexpressiblePCWriters(t *testing.T) {
	sel := NewARMWriteSelector(7, 0)
	rl := NewARMRules(dummyEncode, sel, &LocalMonitor{}, 7)

	// An ADD with PC destination reaches the catch-all PC-writer refusal.
	r, ok := rl.Match(patch.Source{Mnemonic: "ADD", ModifiesPC: true})
	require.True(t, ok)
	require.Equal(t, RefusedRuleName, r.Name)
}

func TestNewARMRules_RefusesSetendAndBXJ(t *testing.T) {
	sel := NewARMWriteSelector(11, 0)
	rl := NewARMRules(dummyEncode, sel, &LocalMonitor{}, 7)

	r, ok := rl.Match(patch.Source{Mnemonic: "SETEND"})
	require.True(t, ok)
	require.Equal(t, RefusedRuleName, r.Name)

	r, ok = rl.Match(patch.Source{Mnemonic: "BXJ"})
	require.True(t, ok)
	require.Equal(t, RefusedRuleName, r.Name)
}

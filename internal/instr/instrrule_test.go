package instr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

func TestCovers(t *testing.T) {
	require.True(t, Covers(0x1000, 0x2000, 0x1500))
	require.False(t, Covers(0x1000, 0x2000, 0x2000))
	require.False(t, Covers(0x1000, 0x2000, 0x0FFF))
}

func newPatchAt(addr uint64, mnemonic string) *patch.Patch {
	return patch.NewPatch(patch.Source{Addr: addr, Mnemonic: mnemonic}, 0, 0)
}

func TestNewCodeRangeRule_MatchesOnlyInRange(t *testing.T) {
	var calls int
	r := NewCodeRangeRule(0x1000, 0x2000, 0, 0, patch.PreInst, func(p *patch.Patch, tm *patch.TempManager) []patch.Generator {
		calls++
		return nil
	})

	p := newPatchAt(0x1500, "MOV")
	require.True(t, r.TryInstrument(p, nil))

	p2 := newPatchAt(0x3000, "MOV")
	require.False(t, r.TryInstrument(p2, nil))

	require.Equal(t, 1, calls)
}

func TestNewMnemonicRule_MatchesSetOnly(t *testing.T) {
	r := NewMnemonicRule([]string{"CALL", "BL"}, 0, 0, patch.PreInst, func(p *patch.Patch, tm *patch.TempManager) []patch.Generator {
		return nil
	})

	require.True(t, r.TryInstrument(newPatchAt(0, "CALL"), nil))
	require.False(t, r.TryInstrument(newPatchAt(0, "MOV"), nil))
}

func TestRuleSet_ApplyOrdersByPass(t *testing.T) {
	var order []int
	mk := func(pass int) Rule {
		return NewCodeRangeRule(0, ^uint64(0), pass, 0, patch.PreInst, func(p *patch.Patch, tm *patch.TempManager) []patch.Generator {
			order = append(order, pass)
			return nil
		})
	}
	rs := NewRuleSet(mk(5), mk(1), mk(3))

	p := newPatchAt(0, "MOV")
	rs.Apply(p, nil)
	p.FinalizeInstsPatch(nil)

	require.Equal(t, []int{1, 3, 5}, order)
}

func TestRuleSet_Remove(t *testing.T) {
	called := false
	r := NewCodeRangeRule(0, ^uint64(0), 0, 0, patch.PreInst, func(p *patch.Patch, tm *patch.TempManager) []patch.Generator {
		called = true
		return nil
	})
	rs := NewRuleSet(r)
	rs.Remove(r)

	p := newPatchAt(0, "MOV")
	rs.Apply(p, nil)
	p.FinalizeInstsPatch(nil)
	require.False(t, called)
}

func TestRunGenerators_FlattensInstructions(t *testing.T) {
	gens := []patch.Generator{
		patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
			return []reloc.RelocatableInst{reloc.New([]byte{0x1})}, true
		}),
		patch.GeneratorFunc(func(p *patch.Patch, tm *patch.TempManager) ([]reloc.RelocatableInst, bool) {
			return []reloc.RelocatableInst{reloc.New([]byte{0x2})}, true
		}),
	}
	out := runGenerators(gens, nil, nil)
	require.Len(t, out, 2)
}

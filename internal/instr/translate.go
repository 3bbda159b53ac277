package instr

import (
	"fmt"

	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// RuleList is the subset of internal/rules.RuleList the translator needs,
// named locally so this package doesn't import internal/rules (which
// itself imports internal/patch — keeping that edge one-directional).
type RuleList interface {
	Match(src patch.Source) (MatchedRule, bool)
}

// MatchedRule is the piece of internal/rules.Rule the translator
// actually consumes.
type MatchedRule struct {
	Name       string
	Generators []patch.Generator
}

// Clobbered/Reserved describe the register sets TempManager needs for
// this architecture and sequence (spec.md §4.4); built once per Sequence
// by the caller (internal/execblock) and threaded through every Patch in
// it.
type RegisterPolicy struct {
	Clobbered []int
	Reserved  []int
	// Spill builds the save prelude and restore postlude for the temps
	// TempManager could not hand out for free (spec.md §4.4: "On
	// finalize, the manager emits a save prelude and a restore
	// postlude"). Each register spills to its own shadow slot rather
	// than its context GPR slot, so a break-to-host mid-patch (whose
	// epilogue/prologue rewrite the GPR region) cannot corrupt the saved
	// value. Taking the whole register list at once lets AArch64 pair
	// adjacent saves into STP/LDP (spec.md §4.4). nil means the backend
	// never executes its translations and skips spill emission.
	Spill func(regs []int) (saves, restores []reloc.RelocatableInst)
}

// Translate produces one finalized Patch from a decoded Source: it
// matches src against the architecture's PatchRuleAssembly, runs the
// matched rule's own generators, then gives every registered InstrRule a
// chance to splice instrumentation in pass order, and finally assembles
// the instruction order via Patch.FinalizeInstsPatch (spec.md §4.2–§4.6).
//
// It returns an error instead of panicking only for the one case spec.md
// calls a genuine runtime condition rather than a translator bug: an
// explicit refusal (SETEND, BXJ) hitting translation. Any other failure
// mode inside this function is an invariant violation and panics with a
// "BUG: " prefix, per the rest of the codebase's convention.
func Translate(src patch.Source, arch gpr.Arch, mode gpr.CPUMode, rl RuleList, instrRules *RuleSet, reg RegisterPolicy) ([]reloc.RelocatableInst, error) {
	rule, ok := rl.Match(src)
	if !ok {
		panic("BUG: PatchRuleAssembly did not match and did not fall through to the identity rule")
	}
	if rule.Name == refusedRuleName {
		return nil, fmt.Errorf("instr: translation refused at %#x: instruction %q is unsupported by design", src.Addr, src.Mnemonic)
	}

	p := patch.NewPatch(src, arch, mode)
	tm := patch.NewTempManager(gpr.InfoFor(arch), p, reg.Clobbered, reg.Reserved)

	for _, g := range rule.Generators {
		insts, _ := g.Generate(p, tm)
		p.AppendBody(insts...)
	}

	if instrRules != nil {
		instrRules.Apply(p, tm)
	}

	insts := p.FinalizeInstsPatch(tm)
	if reg.Spill == nil {
		return insts, nil
	}

	// Instrumentation generators acquire temps during finalize, so the
	// spill set is only complete here; the prelude wraps the whole
	// finalized order, restore mirrors it after the POSTINST tail.
	var restores []reloc.RelocatableInst
	saves := tm.SavePrelude(func(regs []int) []reloc.RelocatableInst {
		s, r := reg.Spill(regs)
		restores = r
		return s
	})
	tm.RestorePostlude(func([]int) []reloc.RelocatableInst { return nil })

	out := make([]reloc.RelocatableInst, 0, len(saves)+len(insts)+len(restores))
	out = append(out, saves...)
	out = append(out, insts...)
	out = append(out, restores...)
	return out, nil
}

// refusedRuleName mirrors internal/rules.RefusedRuleName without
// importing that package; kept as an unexported constant since only
// Translate needs to recognize it.
const refusedRuleName = "refused"

package rules

import (
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// writeSelector is shared by every architecture's branch/call/return/
// PC-as-destination families: once a temp register holds the guest's
// next PC, every rule family funnels it through the same store (spec.md
// §4.3, §5 — "the selector mechanism"). Every backend points that store at
// the context PC slot, the next-guest-PC handoff, not at
// HostState.Selector, so there is one place that says "where does this
// sequence want to resume".
type writeSelector func(tm *patch.TempManager, src int) []reloc.RelocatableInst

// identityRule is the mandatory unconditional terminator every
// architecture's RuleList ends with (spec.md §4.3): it keeps the
// instruction's own bytes unmodified other than relocating any PC-relative
// field against HostPCRel, via ModifyInstruction with an empty transform
// list.
func identityRule(encode func(p *patch.Patch, tm *patch.TempManager, transforms []patch.InstTransform) []reloc.RelocatableInst) Rule {
	return Rule{
		Name:      "identity",
		Condition: Always,
		Generators: []patch.Generator{
			patch.ModifyInstruction(nil, encode),
		},
	}
}

// refuseUnsupported is shared by the ARM/Thumb rule lists to reject
// SETEND and BXJ, which spec.md §4.3 says the engine does not support by
// design; it is consulted before the regular rule list.
func refuseUnsupported(mnemonics ...string) Rule {
	return Refuse(Mnemonic(mnemonics...))
}

package rules

import (
	"github.com/qbdigo/qbdi/internal/instr"
	"github.com/qbdigo/qbdi/internal/patch"
)

// AsInstrRuleList adapts a RuleList to the instr.RuleList interface
// instr.Translate consumes, so internal/instr need not import this
// package (which itself imports internal/patch; instr stays a leaf
// alongside rules rather than depending on it).
func (rl RuleList) AsInstrRuleList() instr.RuleList { return instrRuleListAdapter{rl: rl} }

type instrRuleListAdapter struct{ rl RuleList }

func (a instrRuleListAdapter) Match(src patch.Source) (instr.MatchedRule, bool) {
	r, ok := a.rl.Match(src)
	if !ok {
		return instr.MatchedRule{}, false
	}
	name := r.Name
	if name == RefusedRuleName {
		name = refusedNameForInstr
	}
	return instr.MatchedRule{Name: name, Generators: r.Generators}, true
}

// refusedNameForInstr must equal the unexported constant instr.Translate
// checks against; kept as its own named constant here (rather than an
// exported one in instr) since only this adapter needs to agree on it.
const refusedNameForInstr = "refused"

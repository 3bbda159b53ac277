// Package rules holds the per-architecture PatchRuleAssembly tables
// (spec.md §4.3): ordered (PatchCondition, []patch.Generator) rules that
// the translator consults one guest instruction at a time.
package rules

import "github.com/qbdigo/qbdi/internal/patch"

// Condition decides whether a Rule applies to the instruction currently
// being translated.
type Condition interface {
	Match(src patch.Source) bool
}

// ConditionFunc adapts a plain function to Condition.
type ConditionFunc func(src patch.Source) bool

func (f ConditionFunc) Match(src patch.Source) bool { return f(src) }

// And/Or/Not combine conditions, used to keep individual rule predicates
// small and named.
func And(conds ...Condition) Condition {
	return ConditionFunc(func(src patch.Source) bool {
		for _, c := range conds {
			if !c.Match(src) {
				return false
			}
		}
		return true
	})
}

func Or(conds ...Condition) Condition {
	return ConditionFunc(func(src patch.Source) bool {
		for _, c := range conds {
			if c.Match(src) {
				return true
			}
		}
		return false
	})
}

func Not(c Condition) Condition {
	return ConditionFunc(func(src patch.Source) bool { return !c.Match(src) })
}

// Always matches every instruction; used for the mandatory unconditional
// identity rule that must terminate every architecture's rule list
// (spec.md §4.3: "the last rule is always unconditional").
var Always Condition = ConditionFunc(func(patch.Source) bool { return true })

// ModifiesPC matches instructions that write the program counter, the
// trigger for the PC-as-destination rule family.
var ModifiesPC Condition = ConditionFunc(func(src patch.Source) bool { return src.ModifiesPC })

// IsMemRead / IsMemWrite match load/store instructions, used both by the
// memory-access InstrRule (internal/instr) and by ARM/AArch64's
// load/store-exclusive family below.
var IsMemRead Condition = ConditionFunc(func(src patch.Source) bool { return src.IsMemRead })
var IsMemWrite Condition = ConditionFunc(func(src patch.Source) bool { return src.IsMemWrite })

// Mnemonic matches by exact decoded mnemonic string, the simplest and
// most common condition shape (branches, call/return, SVC/BRK, prefixes).
func Mnemonic(names ...string) Condition {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return ConditionFunc(func(src patch.Source) bool { return set[src.Mnemonic] })
}

// Rule pairs a Condition with the ordered Generators that build the
// Patch body when it fires.
type Rule struct {
	Name       string
	Condition  Condition
	Generators []patch.Generator
}

// RuleList is one architecture's ordered PatchRuleAssembly table: match is
// first-wins, and NewRuleList panics if the caller forgot to terminate it
// with the unconditional identity rule (spec.md §4.3's "identity patch").
type RuleList struct {
	rules []Rule
}

// NewRuleList builds a RuleList from first-wins-ordered rules. The final
// rule must be the identity rule: it is checked by its name "identity"
// and a ConditionFunc condition (identityRule uses Always), and callers
// that forget it get a loud panic instead of silent per-instruction
// translation failures later. Which ConditionFunc it holds is not checked.
func NewRuleList(rules ...Rule) RuleList {
	if len(rules) == 0 {
		panic("BUG: empty PatchRuleAssembly rule list")
	}
	if _, ok := rules[len(rules)-1].Condition.(ConditionFunc); !ok || rules[len(rules)-1].Name != "identity" {
		panic("BUG: PatchRuleAssembly rule list must end with the unconditional identity rule")
	}
	return RuleList{rules: rules}
}

// Match returns the first rule whose Condition fires for src. Per-
// instruction failure policy (spec.md §4.3): a RuleList built with
// NewRuleList always matches because of the trailing identity rule, so a
// false return here means the caller passed a hand-built RuleList that
// skipped NewRuleList's invariant check — translation must abort, this is
// a translator bug and not a runtime condition.
func (rl RuleList) Match(src patch.Source) (Rule, bool) {
	for _, r := range rl.rules {
		if r.Condition.Match(src) {
			return r, true
		}
	}
	return Rule{}, false
}

// Refuse builds a rule that unconditionally aborts translation for
// instructions the engine explicitly does not support by design (spec.md
// §4.3: SETEND, BXJ). Its Generators list is empty: the caller checks
// Rule.Name == RefusedRuleName before invoking any generator.
const RefusedRuleName = "refused"

func Refuse(cond Condition) Rule {
	return Rule{Name: RefusedRuleName, Condition: cond}
}

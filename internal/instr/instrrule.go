// Package instr implements the InstrRule PREINST/POSTINST splicing
// contract (spec.md §4.6): after a Patch's own PatchRuleAssembly rule has
// built its body, every registered InstrRule gets a chance to append
// instrumentation to it, in pass order.
package instr

import (
	"sort"

	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
)

// Rule exposes an affected address range, a pass index, and the
// TryInstrument hook that queues PREINST/POSTINST generators onto a
// matching Patch (spec.md §4.6).
type Rule interface {
	// Range returns the half-open [Start, End) address range this rule
	// was registered against (e.g. qbdi.AddCodeRangeCB).
	Range() (start, end uint64)
	// Pass orders rule application: lower values run first.
	// FinalizeInstsPatch then orders each position's callbacks by the
	// priority each TryInstrument call records
	// (internal/patch.Patch.AddInstrumentation); equal priorities keep
	// pass order.
	Pass() int
	// TryInstrument is called once per Patch produced while translation
	// covers this rule's range; it returns whether it matched (and thus
	// queued instrumentation) this particular instruction.
	TryInstrument(p *patch.Patch, tm *patch.TempManager) bool
}

// Covers reports whether addr falls in [start, end).
func Covers(start, end, addr uint64) bool { return addr >= start && addr < end }

// RuleSet holds every InstrRule currently registered against a VM
// instance, kept sorted by Pass so Apply always runs them in priority
// order (spec.md §4.6: "iterates all rules in pass order").
type RuleSet struct {
	rules []Rule
}

// NewRuleSet builds a RuleSet; order of the input slice does not matter,
// Add below fixes pass ordering.
func NewRuleSet(rules ...Rule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range rules {
		rs.Add(r)
	}
	return rs
}

// Add registers a new rule, re-sorting by Pass.
func (rs *RuleSet) Add(r Rule) {
	rs.rules = append(rs.rules, r)
	sort.SliceStable(rs.rules, func(i, j int) bool { return rs.rules[i].Pass() < rs.rules[j].Pass() })
}

// Remove drops a previously added rule by identity (qbdi.DeleteInstrumentation).
func (rs *RuleSet) Remove(r Rule) {
	out := rs.rules[:0]
	for _, existing := range rs.rules {
		if existing != r {
			out = append(out, existing)
		}
	}
	rs.rules = out
}

// Apply runs every registered rule against p in pass order, letting each
// matching rule append PREINST/POSTINST generators (spec.md §4.6).
func (rs *RuleSet) Apply(p *patch.Patch, tm *patch.TempManager) {
	for _, r := range rs.rules {
		r.TryInstrument(p, tm)
	}
}

// runGenerators flattens a list of patch.Generator into the
// []reloc.RelocatableInst shape patch.AddInstrumentation's callback
// contract expects, discarding each generator's keepOriginal flag since
// instrumentation (unlike a PatchRuleAssembly rule) never replaces the
// instruction it's attached to.
func runGenerators(gens []patch.Generator, p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
	var out []reloc.RelocatableInst
	for _, g := range gens {
		insts, _ := g.Generate(p, tm)
		out = append(out, insts...)
	}
	return out
}

// NewCodeRangeRule builds an InstrRule that fires for instructions in
// [start, end) (spec.md §6 addCodeRangeCB), queuing cb's generators at
// the given Position and priority every time it matches.
func NewCodeRangeRule(start, end uint64, pass, priority int, pos patch.Position, cb func(p *patch.Patch, tm *patch.TempManager) []patch.Generator) Rule {
	return &codeRangeRule{start: start, end: end, pass: pass, priority: priority, pos: pos, cb: cb}
}

type codeRangeRule struct {
	start, end uint64
	pass       int
	priority   int
	pos        patch.Position
	cb         func(p *patch.Patch, tm *patch.TempManager) []patch.Generator
}

func (r *codeRangeRule) Range() (uint64, uint64) { return r.start, r.end }
func (r *codeRangeRule) Pass() int               { return r.pass }

func (r *codeRangeRule) TryInstrument(p *patch.Patch, tm *patch.TempManager) bool {
	if !Covers(r.start, r.end, p.Source.Addr) {
		return false
	}
	p.AddInstrumentation(r.pos, r.priority, func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
		return runGenerators(r.cb(p, tm), p, tm)
	})
	return true
}

// NewMnemonicRule builds an InstrRule that fires whenever the translated
// instruction's decoded mnemonic matches one of mnemonics, regardless of
// address (spec.md §6 addMnemonicCB).
func NewMnemonicRule(mnemonics []string, pass, priority int, pos patch.Position, cb func(p *patch.Patch, tm *patch.TempManager) []patch.Generator) Rule {
	set := make(map[string]bool, len(mnemonics))
	for _, m := range mnemonics {
		set[m] = true
	}
	return &mnemonicRule{set: set, pass: pass, priority: priority, pos: pos, cb: cb}
}

type mnemonicRule struct {
	set      map[string]bool
	pass     int
	priority int
	pos      patch.Position
	cb       func(p *patch.Patch, tm *patch.TempManager) []patch.Generator
}

func (r *mnemonicRule) Range() (uint64, uint64) { return 0, ^uint64(0) }
func (r *mnemonicRule) Pass() int               { return r.pass }

func (r *mnemonicRule) TryInstrument(p *patch.Patch, tm *patch.TempManager) bool {
	if !r.set[p.Source.Mnemonic] {
		return false
	}
	p.AddInstrumentation(r.pos, r.priority, func(p *patch.Patch, tm *patch.TempManager) []reloc.RelocatableInst {
		return runGenerators(r.cb(p, tm), p, tm)
	})
	return true
}

package rules

import (
	"github.com/qbdigo/qbdi/internal/patch"
	"github.com/qbdigo/qbdi/internal/reloc"
	"github.com/qbdigo/qbdi/internal/rules/armt"
)

// encodePassthrough builds the `encode` callback every NewXxxRules
// constructor takes for its ModifyInstruction-based rules (prefix-swallow,
// identity). None of the rule tables in this package currently attach a
// non-empty InstTransform list — SubstituteWithTemp/SetOperand/AddOperand/
// RemoveOperand/ReplaceOpcode/SetOpcode exist for PatchGenerator.
// ModifyInstruction's contract (spec.md §4.2) and for instrumentation that
// may splice them in later, but every PatchRuleAssembly rule that needs to
// change an instruction's registers already does so with its own
// generator (SimulateCall/SimulateRet/the branch families), not via
// transforms on the decoded guest bytes. So the one transform this
// function must apply today is none: it re-emits Source.Bytes verbatim,
// which is also exactly what spec.md's identity rule requires ("produces
// a ModifyInstruction with no transforms").
//
// Should a future rule attach a non-empty transform list, it needs an
// architecture-aware re-encoder (decode operand table -> rewrite ->
// re-assemble), which belongs next to that architecture's Layer2
// constructors (internal/asmx86, internal/asmarm, internal/asmarm64) once
// a concrete rule actually needs it.
func encodePassthrough(p *patch.Patch, tm *patch.TempManager, transforms []patch.InstTransform) []reloc.RelocatableInst {
	if len(transforms) != 0 {
		panic("BUG: encodePassthrough called with non-empty transforms; no architecture re-encoder is wired for this case yet")
	}
	body := make([]byte, len(p.Source.Bytes))
	copy(body, p.Source.Bytes)
	return []reloc.RelocatableInst{reloc.New(body)}
}

// EncodePassthrough is encodePassthrough exported for callers outside this
// package (internal/execblock) that build a production RuleList rather than
// a test-local one.
func EncodePassthrough(p *patch.Patch, tm *patch.TempManager, transforms []patch.InstTransform) []reloc.RelocatableInst {
	return encodePassthrough(p, tm, transforms)
}

// X86RuleList builds the complete x86-64 PatchRuleAssembly table wired for
// real execution: EncodePassthrough for re-emission, and a selector write
// through the data block at selectorOffset (spec.md §4.4 — x86 has no
// reserved scratch register for the data block base).
func X86RuleList(selectorOffset int64) RuleList {
	return NewX86Rules(EncodePassthrough, NewX86WriteSelector(selectorOffset))
}

// ARMRuleList builds the complete ARM (A32) PatchRuleAssembly table, wired
// with the scratch register reserved for the data block base and the
// LocalMonitor emulation every load/store-exclusive rule consults.
func ARMRuleList(scratchReg int, selectorOffset uint16, monitor *LocalMonitor) RuleList {
	return NewARMRules(EncodePassthrough, NewARMWriteSelector(scratchReg, selectorOffset), monitor, scratchReg)
}

// ThumbRuleList builds the complete Thumb (T32) PatchRuleAssembly table.
func ThumbRuleList(scratchReg int, selectorOffset uint16, monitor *LocalMonitor, it *armt.State) RuleList {
	return NewThumbRules(EncodePassthrough, NewARMWriteSelector(scratchReg, selectorOffset), monitor, it)
}

// AArch64RuleList builds the complete AArch64 PatchRuleAssembly table.
func AArch64RuleList(scratchReg int, selectorOffset int32, monitor *LocalMonitor) RuleList {
	return NewAArch64Rules(EncodePassthrough, NewAArch64WriteSelector(scratchReg, selectorOffset), monitor)
}

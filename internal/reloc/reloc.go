// Package reloc implements the RelocatableInst two-phase emission contract
// (spec.md §4.1): a RelocatableInst carries an instruction template whose
// operand is blank until the owning ExecBlock resolves it, at code-write
// time, against page addresses that don't exist yet when the template was
// built.
package reloc

import (
	"encoding/binary"

	"github.com/qbdigo/qbdi/internal/gpr"
)

// Context is the narrow contract a RelocatableInst's Rule needs from its
// owning ExecBlock to resolve. It is implemented by *execblock.ExecBlock;
// this package never imports execblock, to keep L1 below L6.
type Context interface {
	// DataBlockOffset returns dataBlockBase - currentCodePC, the signed
	// byte distance used by DataBlockRel. It carries no PC-relative
	// encoding bias; DataBlockRel adds that itself.
	DataBlockOffset() int64
	// EpilogueOffset returns epilogueBase - currentCodePC, likewise
	// without bias.
	EpilogueOffset() int64
	// CurrentCodePC returns the absolute host address just past the
	// instruction currently being written (its end, the base x86
	// RIP-relative addressing uses).
	CurrentCodePC() uint64
	// CPUMode reports the mode (ARM vs Thumb, etc.) in effect for the
	// sequence being written, which selects the PC-relative bias.
	CPUMode() gpr.CPUMode
	// AllocShadow bumps the data block's shadow index by one word and
	// returns the newly allocated index.
	AllocShadow() int
	// AllocTaggedShadow behaves like AllocShadow but additionally records
	// the allocation in the shadow registry keyed by (seqID, instID, tag)
	// so InstrRule.analyseMemoryAccess can find it later.
	AllocTaggedShadow(tag string, seqID, instID int) int
	// CurrentSeqID and NextInstID identify the sequence/instruction this
	// resolution is happening for, used by AllocTaggedShadow and InstId.
	CurrentSeqID() int
	NextInstID() int
	// ShadowWordOffset converts a shadow index into its byte offset from
	// the data block base, for Rules that materialise a shadow address.
	ShadowWordOffset(idx int) int64
	// SetShadowWord writes a value into an allocated shadow slot at
	// resolve time; InstId uses it to seed its slot with the translated
	// instruction's id before the code ever runs.
	SetShadowWord(idx int, v uint64)
}

// Field names the byte range inside a RelocatableInst's Template that
// carries the relocated operand, little-endian, signed or zero-extended
// to Width bytes by the Rule.
type Field struct {
	Offset int
	Width  int // 1, 2, 3, 4 or 8 (3: ARM's 24-bit branch immediate)
}

// Rule computes the concrete value to splice into a RelocatableInst's
// Field once its owning ExecBlock is known. Each mandatory rule in
// spec.md §4.1 is a Rule implementation below.
type Rule interface {
	Resolve(ctx Context) int64
}

// RelocatableInst pairs an instruction template with the rule that
// finalises one of its operand fields. Templates carry no page addresses;
// resolution is pure given (Context). A Patch that never resolves (e.g.
// discarded by a "block full" rollback) leaves no trace beyond whatever
// shadow indices its Rule already allocated — those are rewound by the
// ExecBlock checkpoint, not by the Rule itself.
type RelocatableInst struct {
	// Template is the fully-encoded instruction with Field's bytes
	// zeroed; architecture encoders fill every other bit.
	Template []byte
	Field    Field
	Rule     Rule
}

// NoRelocField is used by instructions that carry no operand needing
// owner-resolution — Reloc degenerates to Template.
var NoRelocField = Field{Offset: -1}

// Reloc finalises r against ctx and returns the ready-to-append bytes.
// If r.Field is NoRelocField, r.Rule may be nil and the template is
// returned unmodified (the identity rule, NoReloc, below, exists so
// callers can still treat every RelocatableInst uniformly).
func (r RelocatableInst) Reloc(ctx Context) []byte {
	out := make([]byte, len(r.Template))
	copy(out, r.Template)
	if r.Field.Offset < 0 || r.Rule == nil {
		return out
	}
	v := r.Rule.Resolve(ctx)
	writeField(out, r.Field, v)
	return out
}

func writeField(b []byte, f Field, v int64) {
	end := f.Offset + f.Width
	if end > len(b) {
		panic("BUG: relocation field out of range of instruction template")
	}
	switch f.Width {
	case 1:
		b[f.Offset] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b[f.Offset:end], uint16(v))
	case 3:
		// ARM's 24-bit branch-offset immediate (B/BL, spec.md §4.1):
		// the fourth byte of the containing word carries the condition
		// code and opcode bits and must be left untouched.
		b[f.Offset] = byte(v)
		b[f.Offset+1] = byte(v >> 8)
		b[f.Offset+2] = byte(v >> 16)
	case 4:
		binary.LittleEndian.PutUint32(b[f.Offset:end], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b[f.Offset:end], uint64(v))
	default:
		panic("BUG: unsupported relocation field width")
	}
}

// New builds a RelocatableInst with no relocation: the template is
// emitted as-is. Used for instructions that need no owner-time patching
// (most of a translated guest instruction's body).
func New(template []byte) RelocatableInst {
	return RelocatableInst{Template: template, Field: NoRelocField}
}

// NewRelocated builds a RelocatableInst whose Field is patched by rule at
// resolution time.
func NewRelocated(template []byte, field Field, rule Rule) RelocatableInst {
	return RelocatableInst{Template: template, Field: field, Rule: rule}
}

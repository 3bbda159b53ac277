// Package armt tracks Thumb IT-block state across a PatchRuleAssembly
// pass over a sequence (spec.md §4.3 "IT-blocks"). It is its own package
// because the state machine must survive across multiple Patch
// translations within one Sequence, outside any single Patch's lifetime.
package armt

import (
	"fmt"

	"github.com/qbdigo/qbdi/internal/asmarm"
)

// State is the small counter and recorded condition sequence the Thumb
// rule list consults for every instruction it translates.
type State struct {
	remaining int           // itRemainingInst
	conds     []asmarm.Cond // one entry per still-to-come instruction in the current IT block, oldest first
}

// NewState starts outside any IT block.
func NewState() *State { return &State{} }

// Reset drops any in-progress block. Called at every sequence start and
// on early sequence end so IT state never leaks across sequence
// boundaries (spec.md §9: "must reset on earlyEnd() and not leak across
// sequence boundaries").
func (s *State) Reset() {
	s.remaining = 0
	s.conds = nil
}

// InIT reports whether the instruction about to be translated is
// governed by an IT block.
func (s *State) InIT() bool { return s.remaining > 0 }

// IsLast reports whether the instruction about to be translated is the
// final one in its IT block — the only position spec.md's invariant
// allows a PC-modifying instruction in ("cannot modify PC except on the
// last instruction of an IT block").
func (s *State) IsLast() bool { return s.remaining == 1 }

// Enter begins tracking a freshly decoded IT instruction: firstCond is the
// base condition, mask packs the per-slot then/else bits the same way the
// T32 encoding does (spec.md names this "recorded condition sequence").
func (s *State) Enter(firstCond asmarm.Cond, mask uint8) {
	s.conds = decodeITMask(firstCond, mask)
	s.remaining = len(s.conds)
}

// Advance consumes the condition for the instruction just translated.
// Callers must call this exactly once per instruction while InIT() is
// true, including the IT instruction's own governed slots but not the IT
// instruction itself.
func (s *State) Advance() {
	if s.remaining == 0 {
		panic("BUG: armt.State.Advance called outside an IT block")
	}
	s.conds = s.conds[1:]
	s.remaining--
}

// CondFor returns the condition code governing the instruction currently
// being translated; callers must check InIT() first.
func (s *State) CondFor() asmarm.Cond {
	if s.remaining == 0 {
		panic("BUG: armt.State.CondFor called outside an IT block")
	}
	return s.conds[0]
}

// CheckPCWrite enforces the invariant that only the IT block's last
// instruction may modify PC (spec.md §4.3). A violation is a
// guest-program-shape problem, not an engine bug, so it surfaces as a
// translation error to the host rather than a panic.
func (s *State) CheckPCWrite(modifiesPC bool) error {
	if modifiesPC && s.InIT() && !s.IsLast() {
		return fmt.Errorf("armt: PC-modifying instruction before the last slot of an IT block")
	}
	return nil
}

// decodeITMask expands the IT instruction's 4-bit mask into one condition
// per governed instruction, following the standard T32 IT encoding: the
// lowest set bit is a terminator marking the block length, and each bit
// above it (read MSB-down to just above the terminator) selects, for its
// slot, the base condition (then) when it equals the base condition's low
// bit and the inverse condition (else) otherwise.
func decodeITMask(base asmarm.Cond, mask uint8) []asmarm.Cond {
	conds := []asmarm.Cond{base}

	termPos := 0
	for i := 0; i < 4; i++ {
		if mask&(1<<uint(i)) != 0 {
			termPos = i
			break
		}
	}

	firstBit := uint8(base) & 1
	for bit := 3; bit > termPos; bit-- {
		b := (mask >> uint(bit)) & 1
		if b == firstBit {
			conds = append(conds, base)
		} else {
			conds = append(conds, asmarm.Cond(uint8(base)^1))
		}
	}
	return conds
}

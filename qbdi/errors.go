package qbdi

import "fmt"

// TranslationError reports an unsupported guest instruction discovered
// while translating a sequence (spec.md §7: "Unsupported guest
// instruction... reported to host... leaving the guest state
// untouched"). It wraps the underlying internal/instr error rather than
// replacing it, following the teacher's fmt.Errorf("...: %w", err)
// convention; invariant violations inside the translator itself still
// panic with a "BUG: "-prefixed message instead of surfacing here.
type TranslationError struct {
	Addr uint64
	Err  error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("qbdi: translation failed at %#x: %v", e.Addr, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

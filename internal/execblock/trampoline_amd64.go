package execblock

// runCodeBlock is the amd64 half of spec.md §4.5's architecture-specific
// context-switch trampoline (__qbdi_runCodeBlock): it pushes the ABI's
// callee-saved registers, stashes the host stack pointer into the data
// block at hostSPOffset bytes past dataBase, then tail-jumps to entry
// (the ExecBlock's prologue); the epilogue pops them back before its RET. Guest execution
// eventually reaches the epilogue, which restores the saved host SP and
// executes a bare RET — popping the return address this function's own
// Go caller left on the stack and returning control there directly,
// without runCodeBlock itself ever returning in the conventional sense.
// Implemented in trampoline_amd64.s; grounded on wazero's nativecall
// entrypoint (internal/engine/compiler/engine.go's execWasmFunction),
// which crosses the same Go-to-JIT-and-back boundary the same way.
//
//go:noescape
func runCodeBlock(entry, dataBase, hostSPOffset uintptr)

package gpr

// ExecuteFlags is a bitmask of what HostState must save/restore around a
// context switch: FPU, AVX, FS/GS base, and so on (spec.md §3).
type ExecuteFlags uint32

const (
	NeedsFPR ExecuteFlags = 1 << iota
	NeedsAVX
	NeedsFSGS
	NeedsD16D31 // ARM upper FP registers
)

// VMAction is the tri-valued result a host callback returns (spec.md §6).
type VMAction int32

const (
	Continue VMAction = iota
	BreakToVM
	Stop
)

func (a VMAction) String() string {
	switch a {
	case Continue:
		return "CONTINUE"
	case BreakToVM:
		return "BREAK_TO_VM"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// GPRState is the guest's general-purpose register snapshot, saved in the
// data block. Its layout is architecture-specific but always word-sized
// and densely packed, one word per GPR index.
type GPRState struct {
	Arch  Arch
	Words []uint64 // word per GPR, zero/sign-extended as appropriate
	PC    uint64
}

// NewGPRState allocates a zeroed GPRState sized for arch.
func NewGPRState(arch Arch) *GPRState {
	info := InfoFor(arch)
	return &GPRState{Arch: arch, Words: make([]uint64, info.AvailableGPR)}
}

// Get returns the current value of GPR index idx.
func (s *GPRState) Get(idx int) uint64 { return s.Words[idx] }

// Set overwrites GPR index idx.
func (s *GPRState) Set(idx int, v uint64) { s.Words[idx] = v }

// FPRState is the guest's floating point / vector register snapshot.
// Stored as opaque bytes since its layout (x87/SSE/AVX vs. VFP/NEON vs.
// SVE) is never interpreted by the core translation pipeline, only
// saved/restored around the host boundary per ExecuteFlags.
type FPRState struct {
	Bytes []byte
}

// HostState is per-sequence dispatcher bookkeeping, saved in the data
// block alongside GPRState/FPRState (spec.md §3).
type HostState struct {
	HostSP           uint64       // saved host stack pointer at context switch
	Selector         uint64       // host address of the selected sequence; the prologue jumps through it
	ExecuteFlags     ExecuteFlags // accumulated over the running sequence
	Callback         uint64       // non-zero: translated code wants to invoke a host callback
	CallbackData     uint64       // opaque userData threaded through to Callback
	CurrentSROffset  int32        // scratch-register data-block offset, ARM-Thumb/AArch64 only; -1 if unused
	BrokerAddr       uint64       // ExecBroker: intended external call target
	LocalMonitorAddr uint64       // ARM/AArch64 exclusive-monitor emulation: last LL address
	LocalMonitorSet  bool         // ARM/AArch64 exclusive-monitor emulation: enabled bit
	SavedErrno       int32
}

// Context is the fixed-layout record placed at the base of every data
// page: [Context | shadows...]. GPRState/FPRState are value-embedded so
// that context save/restore is a single contiguous copy.
type Context struct {
	GPR  GPRState
	FPR  FPRState
	Host HostState
}

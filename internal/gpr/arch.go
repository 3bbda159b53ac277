// Package gpr defines the architecture-neutral register identity and the
// fixed-layout state records that are saved into an ExecBlock's data page.
package gpr

// Arch identifies one of the four guest instruction sets the engine can
// translate. CPUMode further distinguishes ARM from Thumb within Arch.
type Arch uint8

const (
	ArchX86 Arch = iota
	ArchX86_64
	ArchARM
	ArchAArch64
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX86_64:
		return "x86-64"
	case ArchARM:
		return "arm"
	case ArchAArch64:
		return "aarch64"
	default:
		return "unknown"
	}
}

// CPUMode distinguishes instruction encodings within a single Arch.
// ARM guest code may switch between ARM and Thumb at runtime (BX/BLX);
// x86-64 hosts may still run 32-bit x86 guest code under CPUModeX86.
type CPUMode uint8

const (
	CPUModeX86 CPUMode = iota
	CPUModeX86_64
	CPUModeARM
	CPUModeThumb
	CPUModeAArch64
)

// Reg is a small identifier carrying a target GPR. It indexes into the
// architecture's GPR_ID table (AVAILABLE_GPR long); indices in
// 0..AVAILABLE_GPR-1 are exactly the registers the runtime may freely
// allocate as temporaries (spec.md §3, RegLLVM/Reg).
type Reg uint16

// RegInfo is the per-architecture table describing the user-visible GPR
// set: how many there are, and each one's byte offset inside GPRState.
type RegInfo struct {
	Arch         Arch
	AvailableGPR int
	GPRIDs       []Reg // GPR_ID[] - index -> concrete register id
	offsets      []uint32
	wordSize     int
	pc, sp, lr   int // index into GPRIDs, or -1 if not applicable
}

// Offset returns the byte offset of GPR index idx inside GPRState.
func (r *RegInfo) Offset(idx int) uint32 { return r.offsets[idx] }

// WordSize is sizeof(rword) for this architecture: 4 on 32-bit targets,
// 8 on 64-bit ones.
func (r *RegInfo) WordSize() int { return r.wordSize }

// PCIndex, SPIndex, LRIndex return the GPR index of the program counter,
// stack pointer and link register (LRIndex is -1 where the architecture
// has no dedicated link register, e.g. x86).
func (r *RegInfo) PCIndex() int { return r.pc }
func (r *RegInfo) SPIndex() int { return r.sp }
func (r *RegInfo) LRIndex() int { return r.lr }

func newRegInfo(arch Arch, n, wordSize, pc, sp, lr int) *RegInfo {
	ids := make([]Reg, n)
	offs := make([]uint32, n)
	for i := 0; i < n; i++ {
		ids[i] = Reg(i)
		offs[i] = uint32(i * wordSize)
	}
	return &RegInfo{Arch: arch, AvailableGPR: n, GPRIDs: ids, offsets: offs, wordSize: wordSize, pc: pc, sp: sp, lr: lr}
}

// X86_64 has 16 general-purpose 64-bit registers; RSP is GPR index 4 in
// QBDI's canonical ordering (rax,rcx,rdx,rbx,rsp,rbp,rsi,rdi,r8..r15), RIP
// is tracked separately in GPRState, not part of the allocatable set.
var X86_64 = newRegInfo(ArchX86_64, 16, 8, -1, 4, -1)

// X86 has 8 general-purpose 32-bit registers (eax..edi).
var X86 = newRegInfo(ArchX86, 8, 4, -1, 4, -1)

// ARM has 16 general-purpose 32-bit registers r0..r15; r15 is PC, r14 is
// LR, r13 is SP. Only r0..r12 are freely allocatable as temporaries.
var ARM = newRegInfo(ArchARM, 13, 4, 15, 13, 14)

// AArch64 has 31 general-purpose 64-bit registers x0..x30 (x30 is LR);
// SP and PC are tracked outside the GPR array proper.
var AArch64 = newRegInfo(ArchAArch64, 29, 8, -1, -1, 30)

// InfoFor returns the canonical RegInfo for arch.
func InfoFor(arch Arch) *RegInfo {
	switch arch {
	case ArchX86:
		return X86
	case ArchX86_64:
		return X86_64
	case ArchARM:
		return ARM
	case ArchAArch64:
		return AArch64
	default:
		panic("BUG: unknown architecture")
	}
}

// Package platform provides the OS/CPU primitives the core translation
// pipeline treats as an external collaborator (spec.md §1: "OS-specific
// memory allocation primitives" are out of scope for the hard core,
// referenced through narrow contracts): mapping/protecting the code+data
// page pair an ExecBlock owns, and reading the one-time CPU feature set
// that shapes which context-switch trampoline and which patch rules apply
// (spec.md §5, §6 — AVX, FSGSBASE, BTI, pointer authentication).
package platform

import "golang.org/x/sys/cpu"

// Features is read once at process start and cached (spec.md §5: "Host
// CPU feature detection... read once at startup and cached"). It is a
// package var rather than something qbdi.New() re-probes per VM, since
// CPU capability cannot change for the lifetime of the process.
var Features = detectFeatures()

// FeatureSet reports the subset of host CPU capabilities the engine's
// options and context-switch trampoline selection care about (spec.md
// §6 OPT_ENABLE_FS_GS/OPT_ENABLE_BTI/OPT_BYPASS_PAUTH, spec.md §4.5's
// SSE/AVX trampoline variants).
type FeatureSet struct {
	X86HasAVX      bool
	X86HasAVX2     bool
	X86HasFSGSBASE bool
	ARM64HasBTI    bool
	ARM64HasPAuth  bool
	ARM64HasAtomic bool // LSE, used by the load/store-exclusive emulation fast path
}

// detectFeatures combines golang.org/x/sys/cpu (the ecosystem's standard
// portable CPUID/HWCAP reader) with the OS-specific auxv probe in
// hwcapFeatures for the bits cpu does not model: userspace FSGSBASE is a
// kernel-enablement question, not a raw CPUID one, and BTI/PAuth surface
// only through HWCAP2/HWCAP on Linux.
func detectFeatures() FeatureSet {
	f := FeatureSet{
		X86HasAVX:      cpu.X86.HasAVX,
		X86HasAVX2:     cpu.X86.HasAVX2,
		ARM64HasAtomic: cpu.ARM64.HasATOMICS,
	}
	hwcapFeatures(&f)
	return f
}

package qbdi

import (
	"runtime"

	"github.com/qbdigo/qbdi/internal/gpr"
)

// Options is the bitmask spec.md §6 passes to create(), each bit
// trading a slice of fidelity (FPR context, errno, local monitor, ...)
// for translation speed or footprint.
type Options uint32

const (
	OptDisableFPR Options = 1 << iota
	OptDisableOptionalFPR
	OptDisableErrnoBackup
	OptEnableFSGS
	OptDisableD16D31
	OptDisableLocalMonitor
	OptBypassPAuth
	OptDisableMemoryAccessValue
	OptEnableBTI
)

// RecordMode selects which direction(s) of memory access RecordMemoryAccess
// captures (spec.md §6 recordMemoryAccess(mode)).
type RecordMode uint8

const (
	RecordNone RecordMode = iota
	RecordRead
	RecordWrite
	RecordReadWrite
)

const defaultPageSize = 1 << 20 // 1 MiB code+data pair per ExecBlock

// Config controls VM construction, built with NewConfig and the With...
// methods below (wazero's immutable RuntimeConfig pattern: every With
// method clones before mutating, so a Config value can be shared and
// reused across multiple New calls without aliasing surprises).
type Config struct {
	arch     gpr.Arch
	options  Options
	pageSize int
	logger   Logger
}

// engineLessConfig holds every default except arch, mirroring the
// teacher's engineLessConfig split so hostArch()'s runtime detection runs
// exactly once, in NewConfig, rather than being repeated in every clone.
var engineLessConfig = Config{
	pageSize: defaultPageSize,
	logger:   noopLogger{},
}

// NewConfig returns a Config defaulting to the host's own architecture, no
// Options bits set, a 1 MiB page budget per ExecBlock and a discarding
// Logger.
func NewConfig() Config {
	c := engineLessConfig
	c.arch = hostArch()
	return c
}

// WithArch overrides the guest architecture to translate for. Only
// ArchX86_64 has a live-execution Backend in this build (see DESIGN.md);
// ArchARM/ArchAArch64 VMs decode and translate (offline analysis,
// cmd/qbdi-trace) but Run/Call refuse to execute them, and ArchX86 has no
// standalone Backend at all — 32-bit x86 guest code is reached only as
// gpr.CPUModeX86 under an ArchX86_64 VM.
func (c Config) WithArch(arch gpr.Arch) Config {
	c.arch = arch
	return c
}

// WithOptions replaces the Options bitmask wholesale.
func (c Config) WithOptions(opts Options) Config {
	c.options = opts
	return c
}

// WithPageSize overrides the code+data page-pair size each ExecBlock
// allocates (spec.md §9: "two-page allocation per ExecBlock").
func (c Config) WithPageSize(n int) Config {
	c.pageSize = n
	return c
}

// WithLogger overrides the diagnostic sink. A nil logger is treated as
// noopLogger, matching WithContext's nil-defaulting in the teacher.
func (c Config) WithLogger(l Logger) Config {
	if l == nil {
		l = noopLogger{}
	}
	c.logger = l
	return c
}

// hostArch maps runtime.GOARCH onto the matching guest Arch (arm64 to
// ArchAArch64) and falls back to ArchX86_64 for every other GOARCH. Only
// ArchX86_64 on an amd64 host executes translated code: New accepts
// ArchARM and ArchAArch64 too, which serves decode-only tooling
// (cmd/qbdi-trace), and Run refuses any VM whose backend has no live
// execution path.
func hostArch() gpr.Arch {
	switch runtime.GOARCH {
	case "amd64":
		return gpr.ArchX86_64
	case "arm64":
		return gpr.ArchAArch64
	default:
		return gpr.ArchX86_64
	}
}

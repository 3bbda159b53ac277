//go:build linux || darwin

package platform

import (
	"fmt"
	"io"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CompilerSupported reports whether this host can natively execute a
// translated ExecBlock (spec.md §1 non-goal: "cross-architecture
// emulation" — the engine only ever drives the guest ISA matching the
// host CPU actually running it, mirroring wazero's own compiler-vs-
// interpreter split gated the same way).
func CompilerSupported() bool {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return true
	default:
		return false
	}
}

// MmapCodeSegment copies size bytes from code into a fresh RWX-capable
// anonymous mapping and returns it. ExecBlock does not use it: its page
// pairs come from AllocateCodeDataPages below.
func MmapCodeSegment(code io.Reader, size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	mmapped, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap code segment: %w", err)
	}
	if _, err := io.CopyN(bytesWriter{mmapped}, code, int64(size)); err != nil {
		_ = unix.Munmap(mmapped)
		return nil, fmt.Errorf("platform: populate code segment: %w", err)
	}
	return mmapped, nil
}

// MunmapCodeSegment releases a mapping obtained from MmapCodeSegment.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	if err := unix.Munmap(code); err != nil {
		return fmt.Errorf("platform: munmap code segment: %w", err)
	}
	return nil
}

// bytesWriter adapts a byte slice to io.Writer so MmapCodeSegment can
// populate the freshly mapped page with io.CopyN instead of a manual
// read loop.
type bytesWriter struct{ buf []byte }

func (w bytesWriter) Write(p []byte) (int, error) {
	n := copy(w.buf, p)
	w.buf = w.buf[n:]
	return n, nil
}

// MprotectRW marks a code page writable-and-readable, not executable —
// the state ExecBlock.writeSequence needs while it streams patch bytes
// into the page (spec.md §4.5: "Page protection lifecycle: RW while
// writing translations").
func MprotectRW(page []byte) error {
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("platform: mprotect RW: %w", err)
	}
	return nil
}

// MprotectRX marks a code page read-and-execute, not writable — required
// before ExecBlock.run() enters it (spec.md §4.5: "RX while executing").
// On iOS/macOS under hardened runtime this would instead flip the
// thread-local W^X toggle (spec.md §9); this module targets the
// Linux/Darwin desktop mmap path the teacher itself exercises and leaves
// the iOS `pthread_jit_write_protect_np` path unimplemented, matching
// CompilerSupported()'s amd64/arm64-only scope.
func MprotectRX(page []byte) error {
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("platform: mprotect RX: %w", err)
	}
	return nil
}

// AllocateCodeDataPages maps one code page and one data page as a single
// contiguous 2*pageSize region and splits it, the way spec.md §9
// recommends ("implementations should use a single
// allocateMappedMemory(2·pagesize), split, and keep per-page protection")
// so the pair stays adjacent without relying on the allocator to place
// two independent mmaps next to each other.
func AllocateCodeDataPages(pageSize int) (code, data []byte, err error) {
	if pageSize <= 0 {
		panic("BUG: AllocateCodeDataPages with non-positive pageSize")
	}
	region, err := unix.Mmap(-1, 0, 2*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("platform: mmap code+data pages: %w", err)
	}
	return region[:pageSize:pageSize], region[pageSize : 2*pageSize : 2*pageSize], nil
}

// FreeCodeDataPages releases a pair obtained from AllocateCodeDataPages.
// The two slices were carved with hard caps out of one mapping, so the
// full region is rebuilt from the code slice's base pointer rather than
// re-sliced past its cap.
func FreeCodeDataPages(code, data []byte) error {
	region := unsafe.Slice(&code[0], len(code)+len(data))
	if err := unix.Munmap(region); err != nil {
		return fmt.Errorf("platform: munmap code+data pages: %w", err)
	}
	return nil
}

// InvalidateInstructionCache is the hook ExecBlock calls over page before
// it is first executed (spec.md §4.5: "Before executing, invalidate the
// instruction cache over the code page"). It flushes nothing: on amd64
// the icache is coherent with writes, and on arm64
// invalidateInstructionCache (icache.go) returns without issuing any
// cache-maintenance instruction.
func InvalidateInstructionCache(page []byte) {
	invalidateInstructionCache(page)
}

//go:build !(linux || darwin)

package platform

import (
	"fmt"
	"io"
)

// CompilerSupported is always false outside Linux/Darwin: the mmap-based
// page allocator below has no implementation for other OSes, matching
// this module's scope (the teacher's own wazero platform package carries
// the same linux/darwin/windows split; qbdi-go narrows to the two
// wazero-derived mmap paths it actually ported).
func CompilerSupported() bool { return false }

func MmapCodeSegment(code io.Reader, size int) ([]byte, error) {
	return nil, fmt.Errorf("platform: mmap code segment unsupported on this OS")
}

func MunmapCodeSegment(code []byte) error {
	return fmt.Errorf("platform: munmap code segment unsupported on this OS")
}

func MprotectRW(page []byte) error {
	return fmt.Errorf("platform: mprotect RW unsupported on this OS")
}

func MprotectRX(page []byte) error {
	return fmt.Errorf("platform: mprotect RX unsupported on this OS")
}

func AllocateCodeDataPages(pageSize int) (code, data []byte, err error) {
	return nil, nil, fmt.Errorf("platform: allocate code+data pages unsupported on this OS")
}

func FreeCodeDataPages(code, data []byte) error {
	return fmt.Errorf("platform: free code+data pages unsupported on this OS")
}

func InvalidateInstructionCache(page []byte) {}

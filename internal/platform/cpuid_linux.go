//go:build linux

package platform

import (
	"encoding/binary"
	"os"
	"runtime"
)

// Auxiliary-vector tags and kernel HWCAP bits not surfaced by
// golang.org/x/sys/cpu. The x86 FSGSBASE bit lives in AT_HWCAP2
// (arch/x86/include/uapi/asm/hwcap2.h); the arm64 pair in AT_HWCAP /
// AT_HWCAP2 (arch/arm64/include/uapi/asm/hwcap.h).
const (
	atHWCAP  = 16
	atHWCAP2 = 26

	x86HWCAP2FSGSBASE = 1 << 1

	arm64HWCAPPACA = 1 << 30
	arm64HWCAP2BTI = 1 << 17
)

func hwcapFeatures(f *FeatureSet) {
	hwcap, hwcap2 := readAuxv()
	switch runtime.GOARCH {
	case "amd64":
		f.X86HasFSGSBASE = hwcap2&x86HWCAP2FSGSBASE != 0
	case "arm64":
		f.ARM64HasPAuth = hwcap&arm64HWCAPPACA != 0
		f.ARM64HasBTI = hwcap2&arm64HWCAP2BTI != 0
	}
}

// readAuxv scans /proc/self/auxv for the two HWCAP words; a missing or
// unreadable auxv (minimal containers) just reports no optional features.
func readAuxv() (hwcap, hwcap2 uint64) {
	buf, err := os.ReadFile("/proc/self/auxv")
	if err != nil {
		return 0, 0
	}
	for i := 0; i+16 <= len(buf); i += 16 {
		tag := binary.LittleEndian.Uint64(buf[i:])
		val := binary.LittleEndian.Uint64(buf[i+8:])
		switch tag {
		case atHWCAP:
			hwcap = val
		case atHWCAP2:
			hwcap2 = val
		}
	}
	return hwcap, hwcap2
}

package platform

import "runtime"

// invalidateInstructionCache is amd64's case: x86's icache snoops writes
// to executable pages, so no explicit flush is needed before the first
// call into freshly-written bytes.
//
// TODO: arm64 requires an explicit DC CVAU/IC IVAU/DSB/ISB sequence
// before code written through the data-cache path is visible to
// instruction fetch; CompilerSupported() already restricts real
// execution to amd64/arm64, so this is the one piece still missing for
// arm64 hosts specifically (no assembly stub is wired yet — see
// DESIGN.md).
func invalidateInstructionCache(page []byte) {
	if runtime.GOARCH == "arm64" {
		return
	}
}

package execblock

import (
	"github.com/qbdigo/qbdi/internal/asmarm"
	"github.com/qbdigo/qbdi/internal/asmarm64"
	"github.com/qbdigo/qbdi/internal/asmx86"
	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/patch"
)

// decodeX86 adapts asmx86.Decode's result to the arch-neutral patch.Source
// Translate consumes, keeping L0's typed Inst (in Source.Raw) available to
// any rule that wants more than the summary fields.
func decodeX86(code []byte, addr uint64, mode gpr.CPUMode) (patch.Source, int, error) {
	inst, err := asmx86.Decode(code, addr, mode == gpr.CPUModeX86_64)
	if err != nil {
		return patch.Source{}, 0, err
	}
	return patch.Source{
		Addr:        addr,
		Size:        inst.Size,
		Mnemonic:    inst.Mnemonic,
		ModifiesPC:  inst.ModifiesPC,
		IsMemRead:   inst.IsMemRead,
		IsMemWrite:  inst.IsMemWrite,
		UsesFPR:     inst.UsesFPR,
		Raw:         inst,
		Bytes:       append([]byte(nil), code[:inst.Size]...),
		RegsRead:    inst.RegsRead,
		RegsWritten: inst.RegsWritten,
	}, inst.Size, nil
}

// decodeARM also reports the CPUMode the NEXT decode at this sequence
// position should use. BX/BLX to a register target select ARM vs Thumb
// from the target address's bit 0 at run time (original_source's
// Context_ARM.cpp switches on it in the branch handler); since this
// backend never executes live (armBackend.LiveExecution()==false) and
// Translate only has the static instruction bytes, mode is conservatively
// left unchanged here rather than guessed.
func decodeARM(code []byte, addr uint64, mode gpr.CPUMode) (patch.Source, gpr.CPUMode, error) {
	inst, err := asmarm.Decode(code, addr, mode)
	if err != nil {
		return patch.Source{}, mode, err
	}
	return patch.Source{
		Addr:        addr,
		Size:        inst.Size,
		Mnemonic:    inst.Mnemonic,
		ModifiesPC:  inst.WritesPC,
		IsMemRead:   inst.IsLoad,
		IsMemWrite:  inst.IsStore,
		UsesFPR:     inst.UsesFPR,
		Raw:         inst,
		Bytes:       append([]byte(nil), code[:inst.Size]...),
		RegsRead:    inst.RegsRead,
		RegsWritten: inst.RegsWritten,
	}, mode, nil
}

func decodeAArch64(code []byte, addr uint64) (patch.Source, gpr.CPUMode, error) {
	inst, err := asmarm64.Decode(code, addr)
	if err != nil {
		return patch.Source{}, gpr.CPUModeAArch64, err
	}
	return patch.Source{
		Addr:        addr,
		Size:        inst.Size,
		Mnemonic:    inst.Mnemonic,
		ModifiesPC:  inst.WritesPC,
		IsMemRead:   inst.IsLoad,
		IsMemWrite:  inst.IsStore,
		UsesFPR:     inst.UsesFPR,
		Raw:         inst,
		Bytes:       append([]byte(nil), code[:inst.Size]...),
		RegsRead:    inst.RegsRead,
		RegsWritten: inst.RegsWritten,
	}, gpr.CPUModeAArch64, nil
}

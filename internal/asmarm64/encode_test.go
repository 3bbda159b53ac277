package asmarm64

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRet_DefaultsToLR(t *testing.T) {
	out := Ret(30)
	word := binary.LittleEndian.Uint32(out)
	require.Equal(t, uint32(0xD65F03C0), word)
}

func TestMovzImm16(t *testing.T) {
	out := MovzImm16(0, 0x1234, 0)
	word := binary.LittleEndian.Uint32(out)
	require.Equal(t, uint32(0xD2824680), word)
}

func TestMovReg_IsOrrAlias(t *testing.T) {
	out := MovReg(0, 1)
	word := binary.LittleEndian.Uint32(out)
	require.Equal(t, uint32(0xAA0103E0), word)
}

func TestCbz_BakesInstructionOffset(t *testing.T) {
	out := Cbz(3, 2)
	word := binary.LittleEndian.Uint32(out)
	require.Equal(t, uint32(0xB4000043), word)
}

func TestLdxrStxrRoundTripRegisters(t *testing.T) {
	ld := Ldxr(1, 0)
	st := Stxr(2, 3, 0)
	require.Equal(t, uint32(0x885F7C01), binary.LittleEndian.Uint32(ld))
	require.Equal(t, uint32(0x88027C03), binary.LittleEndian.Uint32(st))
}

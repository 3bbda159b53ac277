package asmx86

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMovRegImm64(t *testing.T) {
	out := MovRegImm64(RAX, 0xdeadbeef)
	require.Equal(t, byte(0xB8), out[1])
	require.Equal(t, byte(0x48), out[0]) // REX.W, no R/X/B
}

func TestMovRegImm64_ExtendedReg(t *testing.T) {
	out := MovRegImm64(R15, 1)
	require.Equal(t, byte(0x49), out[0]) // REX.W + B
	require.Equal(t, byte(0xBF), out[1])
}

func TestLeaRIP_FieldOffsetPointsPastOpcode(t *testing.T) {
	tmpl, off := LeaRIP(RAX)
	require.Equal(t, 3, off)
	require.Len(t, tmpl, 7)
}

func TestJmp32_FieldOffset(t *testing.T) {
	tmpl, off := Jmp32()
	require.Equal(t, byte(0xE9), tmpl[0])
	require.Equal(t, 1, off)
}

func TestRet(t *testing.T) {
	require.Equal(t, []byte{0xC3}, Ret())
}

package asmx86

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode_Ret(t *testing.T) {
	inst, err := Decode([]byte{0xC3}, 0x1000, true)
	require.NoError(t, err)
	require.Equal(t, 1, inst.Size)
}

func TestDecode_RexMovRegImm(t *testing.T) {
	// movabs $0xdeadbeef, %rax
	code := MovRegImm64(RAX, 0xdeadbeef)
	inst, err := Decode(code, 0x2000, true)
	require.NoError(t, err)
	require.Equal(t, len(code), inst.Size)
	require.False(t, inst.ModifiesPC)
	require.Contains(t, inst.RegsWritten, int(RAX))
}

func TestDecode_ControlFlowModifiesPC(t *testing.T) {
	ret, err := Decode([]byte{0xC3}, 0x1000, true)
	require.NoError(t, err)
	require.True(t, ret.ModifiesPC)
	require.Contains(t, ret.RegsRead, int(RSP))

	jmp, err := Decode([]byte{0xEB, 0x02}, 0x1000, true)
	require.NoError(t, err)
	require.True(t, jmp.ModifiesPC)

	call, err := Decode([]byte{0xE8, 0, 0, 0, 0}, 0x1000, true)
	require.NoError(t, err)
	require.True(t, call.ModifiesPC)
}

func TestDecode_MemOperandRegisterUsage(t *testing.T) {
	// mov (%rsi), %rax
	code := MovMemRegSIB(RSI, false, 0, 0, 0, RAX)
	inst, err := Decode(code, 0x3000, true)
	require.NoError(t, err)
	require.True(t, inst.IsMemRead)
	require.Contains(t, inst.RegsWritten, int(RAX))
	require.Contains(t, inst.RegsRead, int(RSI))
}

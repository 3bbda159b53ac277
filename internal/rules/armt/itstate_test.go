package armt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/asmarm"
)

func TestState_NotInITInitially(t *testing.T) {
	s := NewState()
	require.False(t, s.InIT())
}

func TestState_EnterTracksRemainingCount(t *testing.T) {
	s := NewState()
	s.Enter(asmarm.CondEQ, 0x8) // mask 1000: a single governed instruction, the base condition's own slot

	require.True(t, s.InIT())
	require.True(t, s.IsLast())
	require.Equal(t, asmarm.CondEQ, s.CondFor())
}

func TestState_AdvanceConsumesConditions(t *testing.T) {
	s := NewState()
	s.Enter(asmarm.CondEQ, 0x4) // mask 0100: two governed instructions

	require.True(t, s.InIT())
	require.False(t, s.IsLast())
	s.Advance()
	require.True(t, s.IsLast())
	s.Advance()
	require.False(t, s.InIT())
}

func TestState_AdvancePanicsOutsideBlock(t *testing.T) {
	s := NewState()
	require.Panics(t, func() { s.Advance() })
}

func TestState_CheckPCWriteRejectedMidBlock(t *testing.T) {
	s := NewState()
	s.Enter(asmarm.CondEQ, 0x4) // two governed instructions, not the last yet

	require.Error(t, s.CheckPCWrite(true))
}

func TestState_CheckPCWriteAllowedOnLastInstruction(t *testing.T) {
	s := NewState()
	s.Enter(asmarm.CondEQ, 0x8) // single governed instruction, immediately last

	require.NoError(t, s.CheckPCWrite(true))
}

func TestState_CheckPCWriteAllowedOutsideBlock(t *testing.T) {
	s := NewState()
	require.NoError(t, s.CheckPCWrite(true))
}

func TestState_ResetLeavesBlock(t *testing.T) {
	s := NewState()
	s.Enter(asmarm.CondEQ, 0x4)
	s.Reset()
	require.False(t, s.InIT())
}

package asmarm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBX_EncodesConditionAndRegister(t *testing.T) {
	out := BX(CondAL, 1)
	word := binary.LittleEndian.Uint32(out)
	require.Equal(t, uint32(0xE12FFF11), word)
}

func TestLdrImm(t *testing.T) {
	out := LdrImm(CondAL, 0, 13, 4)
	word := binary.LittleEndian.Uint32(out)
	require.Equal(t, uint32(0xE59D0004), word)
}

func TestThumbBX(t *testing.T) {
	out := ThumbBX(14)
	word := binary.LittleEndian.Uint16(out)
	require.Equal(t, uint16(0x4770), word)
}

func TestThumbIT_PacksCondAndMask(t *testing.T) {
	out := ThumbIT(CondEQ, 0x8)
	word := binary.LittleEndian.Uint16(out)
	require.Equal(t, uint16(0xBF08), word)
}

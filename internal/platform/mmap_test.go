package platform

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

var testCodeBuf, _ = io.ReadAll(io.LimitReader(rand.Reader, 8*1024))

func TestMmapCodeSegment(t *testing.T) {
	if !CompilerSupported() {
		t.Skip()
	}

	testCodeReader := bytes.NewReader(testCodeBuf)
	newCode, err := MmapCodeSegment(testCodeReader, testCodeReader.Len())
	require.NoError(t, err)
	require.Equal(t, testCodeBuf, newCode)

	t.Run("panic on zero length", func(t *testing.T) {
		require.PanicsWithValue(t, "BUG: MmapCodeSegment with zero length", func() {
			_, _ = MmapCodeSegment(bytes.NewBuffer(make([]byte, 0)), 0)
		})
	})

	require.NoError(t, MunmapCodeSegment(newCode))
}

func TestMunmapCodeSegment(t *testing.T) {
	if !CompilerSupported() {
		t.Skip()
	}

	require.Error(t, MunmapCodeSegment(testCodeBuf))

	testCodeReader := bytes.NewReader(testCodeBuf)
	newCode, err := MmapCodeSegment(testCodeReader, testCodeReader.Len())
	require.NoError(t, err)
	require.NoError(t, MunmapCodeSegment(newCode))

	t.Run("panic on zero length", func(t *testing.T) {
		require.PanicsWithValue(t, "BUG: MunmapCodeSegment with zero length", func() {
			_ = MunmapCodeSegment(make([]byte, 0))
		})
	})
}

func TestAllocateCodeDataPages_AdjacentAndProtectable(t *testing.T) {
	if !CompilerSupported() {
		t.Skip()
	}

	const pageSize = 4096
	code, data, err := AllocateCodeDataPages(pageSize)
	require.NoError(t, err)
	require.Len(t, code, pageSize)
	require.Len(t, data, pageSize)

	copy(code, testCodeBuf[:pageSize])
	require.NoError(t, MprotectRX(code))
	require.NoError(t, MprotectRW(code))

	data[0] = 0x42
	require.Equal(t, byte(0x42), data[0])

	require.NoError(t, FreeCodeDataPages(code, data))
}

func TestFeatures_Populated(t *testing.T) {
	// Features is computed once at package init; this only touches it so
	// the init-time probe runs, and asserts nothing about the bits found.
	_ = Features
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbdigo/qbdi/internal/platform"
)

func TestParseHex(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "1000", want: 0x1000},
		{in: "0x1000", want: 0x1000},
		{in: "0X1000", want: 0x1000},
		{in: "deadbeef", want: 0xdeadbeef},
		{in: "", wantErr: true},
		{in: "not-hex", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseHex(tt.in)
		if tt.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}
}

func TestParseRange(t *testing.T) {
	lo, hi, err := parseRange("1000,2000")
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), lo)
	require.Equal(t, uint64(0x2000), hi)

	_, _, err = parseRange("no-comma")
	require.Error(t, err)

	_, _, err = parseRange("zz,2000")
	require.Error(t, err)
}

func TestMapImageLoadBias(t *testing.T) {
	img := &image{
		lo: 0x1000,
		hi: 0x2000,
		segments: []segment{
			{addr: 0x1000, data: []byte{0xde, 0xad, 0xbe, 0xef}, memsz: 4},
		},
	}
	mapped, delta, err := mapImage(img)
	require.NoError(t, err)
	defer func() { _ = platform.MunmapCodeSegment(mapped) }()

	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, mapped[:4])
	// Every original-image address, shifted by delta, must land inside mapped.
	origStart := img.segments[0].addr
	translated := origStart + delta
	require.Equal(t, hostAddr(mapped), translated)
}

func TestDoMainRejectsMissingRequiredFlags(t *testing.T) {
	var stdOut, stdErr bytes.Buffer
	code := doMain([]string{"qbdi-trace"}, &stdOut, &stdErr)
	require.NotEqual(t, 0, code)
	require.NotEmpty(t, stdErr.String())
}

func TestDoMainRejectsUnknownImageFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-an-image")
	require.NoError(t, os.WriteFile(path, []byte("not an elf or macho"), 0o644))

	var stdOut, stdErr bytes.Buffer
	code := doMain([]string{"qbdi-trace", "--image", path, "--until", "0x1000"}, &stdOut, &stdErr)
	require.NotEqual(t, 0, code)
}

package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeSet_AddMergesOverlapping(t *testing.T) {
	var s RangeSet
	s.Add(0x1000, 0x2000)
	s.Add(0x1800, 0x2800)
	require.Len(t, s.ranges, 1)
	require.Equal(t, Range{0x1000, 0x2800}, s.ranges[0])
}

func TestRangeSet_AddKeepsDisjointSeparate(t *testing.T) {
	var s RangeSet
	s.Add(0x1000, 0x2000)
	s.Add(0x3000, 0x4000)
	require.Len(t, s.ranges, 2)
}

func TestRangeSet_RemoveSplitsRange(t *testing.T) {
	var s RangeSet
	s.Add(0x1000, 0x3000)
	s.Remove(0x1800, 0x2000)
	require.Len(t, s.ranges, 2)
	require.Equal(t, Range{0x1000, 0x1800}, s.ranges[0])
	require.Equal(t, Range{0x2000, 0x3000}, s.ranges[1])
}

func TestRangeSet_RemoveFullyCoveredDrops(t *testing.T) {
	var s RangeSet
	s.Add(0x1000, 0x2000)
	s.Remove(0x1000, 0x2000)
	require.Empty(t, s.ranges)
}

func TestBroker_ShouldBridge(t *testing.T) {
	b := New()
	b.AddInstrumentedRange(0x1000, 0x2000)

	require.False(t, b.ShouldBridge(0x1500))
	require.True(t, b.ShouldBridge(0x5000))
}

func TestBroker_RemoveInstrumentedRangeReenablesBridge(t *testing.T) {
	b := New()
	b.AddInstrumentedRange(0x1000, 0x2000)
	b.RemoveInstrumentedRange(0x1000, 0x2000)

	require.True(t, b.ShouldBridge(0x1500))
}

func TestBroker_RegisterAndLookupTransfer(t *testing.T) {
	b := New()
	_, ok := b.Transfer(TransferDefault)
	require.False(t, ok)

	b.RegisterTransfer(TransferDefault, 0xdead)
	tr, ok := b.Transfer(TransferDefault)
	require.True(t, ok)
	require.Equal(t, uint64(0xdead), tr.Hook)
}

func TestBroker_FindReturnPoint_PrefersLR(t *testing.T) {
	b := New()
	b.AddInstrumentedRange(0x1000, 0x2000)

	slot, addr, found := b.FindReturnPoint(0x1234, []uint64{0x9999, 0x8888})
	require.True(t, found)
	require.Equal(t, -1, slot)
	require.Equal(t, uint64(0x1234), addr)
}

func TestBroker_FindReturnPoint_ScansStackWhenLRMisses(t *testing.T) {
	b := New()
	b.AddInstrumentedRange(0x1000, 0x2000)

	slot, addr, found := b.FindReturnPoint(0x9999, []uint64{0x8888, 0x1500})
	require.True(t, found)
	require.Equal(t, 1, slot)
	require.Equal(t, uint64(0x1500), addr)
}

func TestBroker_FindReturnPoint_StopsAtScanDistance(t *testing.T) {
	b := New()
	b.AddInstrumentedRange(0x1000, 0x2000)

	// A match three slots deep is beyond the fixed SCAN_DISTANCE=2 and
	// must not be found (spec.md §9: preserve the heuristic verbatim).
	_, _, found := b.FindReturnPoint(0x9999, []uint64{0x8888, 0x7777, 0x1500})
	require.False(t, found)
}

func TestBroker_FindReturnPoint_NotFound(t *testing.T) {
	b := New()
	b.AddInstrumentedRange(0x1000, 0x2000)

	_, _, found := b.FindReturnPoint(0x9999, []uint64{0x8888, 0x7777})
	require.False(t, found)
}

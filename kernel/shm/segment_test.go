package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout(entries uint32) Layout {
	return Layout{
		PageSize:    64,
		HeaderBytes: 64,
		EntryBytes:  entries * ENTRY_SIZE,
		EntryCount:  entries,
		TotalBytes:  64 + entries*ENTRY_SIZE,
	}
}

func TestNewSegment_ZeroesMemory(t *testing.T) {
	layout := testLayout(8)
	p := NewInMemoryProvider(layout.TotalBytes)
	raw, err := p.Slice(0, layout.TotalBytes)
	require.NoError(t, err)
	for i := range raw {
		raw[i] = 0xFF
	}

	seg, err := NewSegment(p, 0, layout)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), seg.AvailIndex())
	assert.Equal(t, uint32(0), seg.FetchIndex())
	for i, b := range seg.Entries() {
		require.Zero(t, b, "entry byte %d", i)
	}
}

func TestNewSegment_MisalignedOffset(t *testing.T) {
	layout := testLayout(8)
	p := NewInMemoryProvider(layout.TotalBytes * 2)
	_, err := NewSegment(p, 32, layout)
	require.Error(t, err)
	assert.Equal(t, "SEGMENT_MISALIGNED", layoutCode(t, err))
}

func TestNewSegment_ProviderTooSmall(t *testing.T) {
	layout := testLayout(8)
	p := NewInMemoryProvider(layout.TotalBytes - 1)
	_, err := NewSegment(p, 0, layout)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestSegment_IndexPair(t *testing.T) {
	layout := testLayout(8)
	p := NewInMemoryProvider(layout.TotalBytes)
	seg, err := NewSegment(p, 0, layout)
	require.NoError(t, err)

	seg.SetAvailIndex(42)
	seg.SetFetchIndex(17)
	assert.Equal(t, uint32(42), seg.AvailIndex())
	assert.Equal(t, uint32(17), seg.FetchIndex())

	// The index pair lands at the fixed header offsets.
	v, err := p.AtomicLoad32(OFFSET_AVAIL_INDEX)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
	v, err = p.AtomicLoad32(OFFSET_FETCH_INDEX)
	require.NoError(t, err)
	assert.Equal(t, uint32(17), v)
}

func TestSegment_Entries(t *testing.T) {
	layout := testLayout(8)
	p := NewInMemoryProvider(layout.TotalBytes)
	seg, err := NewSegment(p, 0, layout)
	require.NoError(t, err)

	entries := seg.Entries()
	assert.Len(t, entries, int(layout.EntryBytes))

	// Writes through Entries never touch the header page.
	entries[0] = 0xAB
	assert.Equal(t, uint32(0), seg.AvailIndex())
}

func TestSegment_MapBackingPage(t *testing.T) {
	layout := testLayout(8) // entry array spans two 64-byte pages
	require.Equal(t, uint32(2), layout.EntryPages())
	p := NewInMemoryProvider(layout.TotalBytes)
	seg, err := NewSegment(p, 0, layout)
	require.NoError(t, err)

	page0, err := seg.MapBackingPage(0)
	require.NoError(t, err)
	assert.Len(t, page0, int(layout.PageSize))

	page1, err := seg.MapBackingPage(1)
	require.NoError(t, err)

	// Pages alias the entry array in order.
	page0[0] = 0x01
	page1[0] = 0x02
	entries := seg.Entries()
	assert.Equal(t, byte(0x01), entries[0])
	assert.Equal(t, byte(0x02), entries[layout.PageSize])

	_, err = seg.MapBackingPage(2)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestSegment_SecondContextOffset(t *testing.T) {
	layout := testLayout(8)
	p := NewInMemoryProvider(layout.TotalBytes * 2)

	seg0, err := NewSegment(p, 0, layout)
	require.NoError(t, err)
	seg1, err := NewSegment(p, layout.TotalBytes, layout)
	require.NoError(t, err)

	seg0.SetAvailIndex(7)
	assert.Equal(t, uint32(0), seg1.AvailIndex())
}

package shm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func layoutCode(t *testing.T, err error) string {
	t.Helper()
	var le *LayoutError
	require.True(t, errors.As(err, &le), "expected LayoutError, got %v", err)
	return le.Code
}

func TestLayoutFor(t *testing.T) {
	layout, err := LayoutFor(RING_BYTES_DEFAULT, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), layout.HeaderBytes)
	assert.Equal(t, uint32(RING_BYTES_DEFAULT), layout.EntryBytes)
	assert.Equal(t, uint32(RING_BYTES_DEFAULT/ENTRY_SIZE), layout.EntryCount)
	assert.Equal(t, uint32(4096+RING_BYTES_DEFAULT), layout.TotalBytes)
	assert.Zero(t, layout.EntryCount&(layout.EntryCount-1))
	assert.Equal(t, uint32(RING_BYTES_DEFAULT/4096), layout.EntryPages())
}

func TestLayoutFor_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		ringBytes uint32
		pageSize  uint32
		code      string
	}{
		{"zero page size", RING_BYTES_DEFAULT, 0, "BAD_PAGE_SIZE"},
		{"non power of two page size", RING_BYTES_DEFAULT, 5000, "BAD_PAGE_SIZE"},
		{"below minimum", RING_BYTES_MIN - 1, 4096, "RING_TOO_SMALL"},
		{"above maximum", RING_BYTES_MAX + 4096, 4096, "RING_TOO_LARGE"},
		{"not page aligned", RING_BYTES_MIN + 16, 4096, "RING_NOT_PAGE_ALIGNED"},
		{"entry count not power of two", 3 * RING_BYTES_MIN, 4096, "RING_NOT_POWER_OF_TWO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LayoutFor(tt.ringBytes, tt.pageSize)
			require.Error(t, err)
			assert.Equal(t, tt.code, layoutCode(t, err))
		})
	}
}

func TestAlignOffset(t *testing.T) {
	assert.Equal(t, uint32(0), AlignOffset(0, 4096))
	assert.Equal(t, uint32(4096), AlignOffset(1, 4096))
	assert.Equal(t, uint32(4096), AlignOffset(4096, 4096))
	assert.Equal(t, uint32(8192), AlignOffset(4097, 4096))
	assert.Equal(t, uint32(8), AlignOffset(5, 8))
}

package shm

// Ring Segment Memory Layout
// Each tracked context owns one segment: a header page holding the
// index pair shared with the harvester, followed by the entry array.
// The entry array byte size must be a whole number of pages so the
// harvester can map it without exposing unrelated memory.

const (
	// Entry record layout (16 bytes, little-endian)
	// [region:4][pad:4][offset:8]
	ENTRY_SIZE          = 16
	ENTRY_OFFSET_REGION = 0
	ENTRY_OFFSET_PAGE   = 8

	// Index pair layout inside the header page.
	// avail_index is written only by the producer side, fetch_index
	// only by the harvester. Everything else in the header page is
	// reserved and must stay zero.
	OFFSET_AVAIL_INDEX = 0x00
	OFFSET_FETCH_INDEX = 0x04
	SIZE_INDEX_PAIR    = 8

	// Entry array sizing (bytes, excluding the header page)
	RING_BYTES_DEFAULT = 64 * 1024
	RING_BYTES_MIN     = 4 * 1024
	RING_BYTES_MAX     = 1024 * 1024
)

// Layout describes one ring segment.
type Layout struct {
	PageSize    uint32
	HeaderBytes uint32 // one page, holds the index pair
	EntryBytes  uint32 // entry array, multiple of PageSize
	EntryCount  uint32 // power of two
	TotalBytes  uint32
}

// LayoutError reports an invalid segment configuration.
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}

// LayoutFor computes the segment layout for the requested entry array
// size. Sizes that do not translate to a power-of-two entry count are
// rejected rather than rounded, so configuration mistakes surface at
// startup instead of as silent capacity changes.
func LayoutFor(ringBytes, pageSize uint32) (Layout, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return Layout{}, &LayoutError{
			Code:    "BAD_PAGE_SIZE",
			Message: "page size must be a nonzero power of two",
		}
	}
	if ringBytes < RING_BYTES_MIN {
		return Layout{}, &LayoutError{
			Code:    "RING_TOO_SMALL",
			Message: "entry array must be at least RING_BYTES_MIN bytes",
		}
	}
	if ringBytes > RING_BYTES_MAX {
		return Layout{}, &LayoutError{
			Code:    "RING_TOO_LARGE",
			Message: "entry array must not exceed RING_BYTES_MAX bytes",
		}
	}
	if ringBytes%pageSize != 0 {
		return Layout{}, &LayoutError{
			Code:    "RING_NOT_PAGE_ALIGNED",
			Message: "entry array size must be a multiple of the page size",
		}
	}
	count := ringBytes / ENTRY_SIZE
	if count == 0 || count&(count-1) != 0 {
		return Layout{}, &LayoutError{
			Code:    "RING_NOT_POWER_OF_TWO",
			Message: "entry count must be a power of two",
		}
	}

	return Layout{
		PageSize:    pageSize,
		HeaderBytes: pageSize,
		EntryBytes:  ringBytes,
		EntryCount:  count,
		TotalBytes:  pageSize + ringBytes,
	}, nil
}

// EntryPages returns the number of pages backing the entry array.
func (l Layout) EntryPages() uint32 {
	return l.EntryBytes / l.PageSize
}

// AlignOffset aligns an offset to the specified alignment.
func AlignOffset(offset, alignment uint32) uint32 {
	return (offset + alignment - 1) & ^(alignment - 1)
}

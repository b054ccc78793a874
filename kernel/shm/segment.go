package shm

import (
	"sync/atomic"
	"unsafe"
)

// Segment is one ring's view of the shared memory: the header page
// with the index pair, followed by the entry array. avail_index and
// fetch_index are the only words the two sides coordinate through, so
// all access to them is atomic.
type Segment struct {
	data   []byte
	layout Layout
}

// NewSegment slices a ring segment out of the provider at the given
// page-aligned offset and zeroes it. Cursors and entries therefore
// always start from a clean state when a context is created.
func NewSegment(p MemoryProvider, offset uint32, layout Layout) (*Segment, error) {
	if offset%layout.PageSize != 0 {
		return nil, &LayoutError{
			Code:    "SEGMENT_MISALIGNED",
			Message: "segment offset must be page-aligned",
		}
	}
	data, err := p.Slice(offset, layout.TotalBytes)
	if err != nil {
		return nil, err
	}
	for i := range data {
		data[i] = 0
	}
	return &Segment{
		data:   data,
		layout: layout,
	}, nil
}

// Layout returns the segment layout.
func (s *Segment) Layout() Layout {
	return s.layout
}

// Entries returns the entry array backing bytes.
func (s *Segment) Entries() []byte {
	return s.data[s.layout.HeaderBytes:]
}

// MapBackingPage exposes page i of the entry array for mapping into
// the harvester's address space. The layout guarantees the entry array
// is a whole number of pages.
func (s *Segment) MapBackingPage(i uint32) ([]byte, error) {
	if i >= s.layout.EntryPages() {
		return nil, ErrOutOfBounds
	}
	start := s.layout.HeaderBytes + i*s.layout.PageSize
	return s.data[start : start+s.layout.PageSize : start+s.layout.PageSize], nil
}

// AvailIndex reads the producer's published high-water mark.
func (s *Segment) AvailIndex() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&s.data[OFFSET_AVAIL_INDEX])))
}

// SetAvailIndex publishes the producer's high-water mark. The atomic
// store orders it after the entry writes that precede it.
func (s *Segment) SetAvailIndex(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&s.data[OFFSET_AVAIL_INDEX])), v)
}

// FetchIndex reads the harvester's requested drain mark. The value
// comes from memory the harvester writes; callers must read it once
// per decision and range-check it before use.
func (s *Segment) FetchIndex() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&s.data[OFFSET_FETCH_INDEX])))
}

// SetFetchIndex writes the drain mark. The host uses this when it
// drives a drain itself, standing in for the harvester.
func (s *Segment) SetFetchIndex(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&s.data[OFFSET_FETCH_INDEX])), v)
}

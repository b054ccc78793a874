package shm

import "errors"

// MemoryProvider abstracts access to the memory shared with the
// harvester. Implementations may be backed by mmap or by in-memory
// buffers for tests.
type MemoryProvider interface {
	Size() uint32
	Slice(offset, length uint32) ([]byte, error)
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	Close() error
}

var ErrOutOfBounds = errors.New("offset out of bounds")
var ErrMisaligned = errors.New("offset is not 4-byte aligned")

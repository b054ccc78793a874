package tracking

import (
	"sync/atomic"
	"unsafe"

	"github.com/nmxmxh/pagetrack/kernel/shm"
	"github.com/nmxmxh/pagetrack/kernel/utils"
)

const (
	// RSVD_ENTRIES is subtracted from the ring size to form the soft
	// limit: one slot for the worst-case notification in flight while
	// the harvester reacts to soft-full, one format-reserved slot.
	RSVD_ENTRIES = 2

	// COALESCE_BITS is the width of the reprotect bitmask, and so the
	// maximum span of one coalesced run.
	COALESCE_BITS = 64
)

// Entry identifies one dirtied page: an opaque region plus the page
// offset within that region.
type Entry struct {
	Region uint32
	Offset uint64
}

// Reprotector re-arms write tracking for every page selected by a set
// bit in mask, relative to base within region. It is the single
// downstream primitive the drain engine drives.
type Reprotector interface {
	ReprotectRange(region uint32, base uint64, mask uint64)
}

// ReprotectorFunc adapts a function to the Reprotector interface.
type ReprotectorFunc func(region uint32, base uint64, mask uint64)

func (f ReprotectorFunc) ReprotectRange(region uint32, base uint64, mask uint64) {
	f(region, base, mask)
}

// RingStats tracks ring activity. Counters are updated with atomic
// adds and read through Snapshot.
type RingStats struct {
	Pushes         uint64 // entries published
	Backpressure   uint64 // soft-full signals (owner) and refusals (foreign)
	Drains         uint64 // drain invocations that made progress
	EntriesDrained uint64 // entries visited by drains
	ReprotectCalls uint64 // coalesced runs flushed downstream
	RejectedFetch  uint64 // drains refused on an out-of-range fetch index
	Breaches       uint64 // pushes observed past hard capacity
}

// StatsSnapshot is a point-in-time copy of RingStats.
type StatsSnapshot struct {
	Pushes         uint64
	Backpressure   uint64
	Drains         uint64
	EntriesDrained uint64
	ReprotectCalls uint64
	RejectedFetch  uint64
	Breaches       uint64
}

// Ring records dirtied pages for one execution context. The entry
// array and index pair live in a shared segment the harvester maps;
// both cursors are host-private and only ever move forward (mod 2^32).
//
// One producer goroutine may push without locking. Pushes into a ring
// the caller does not own go through the registry's coarse lock. The
// drain side coordinates with the producer purely through the cursors
// and the atomic index publishes.
type Ring struct {
	seg     *shm.Segment
	entries []byte
	size    uint32 // entry count, power of two
	mask    uint32 // size - 1
	soft    uint32 // size - RSVD_ENTRIES

	producerCursor atomic.Uint32
	consumerCursor atomic.Uint32

	reprotect Reprotector
	logger    *utils.Logger
	stats     RingStats
}

// NewRing attaches a ring to a freshly zeroed segment. The segment
// layout fixes the entry count; allocation failures from the provider
// have already surfaced by the time a segment exists.
func NewRing(seg *shm.Segment, reprotect Reprotector, logger *utils.Logger) (*Ring, error) {
	layout := seg.Layout()
	size := layout.EntryCount
	if size&(size-1) != 0 || size == 0 {
		// The layout validator enforces this; repeated here because
		// the mask arithmetic below silently corrupts otherwise.
		return nil, &shm.LayoutError{
			Code:    "RING_NOT_POWER_OF_TWO",
			Message: "entry count must be a power of two",
		}
	}
	if size <= RSVD_ENTRIES {
		return nil, &shm.LayoutError{
			Code:    "RING_BELOW_RESERVATION",
			Message: "entry count must exceed the reserved entries",
		}
	}
	if logger == nil {
		logger = utils.DefaultLogger("ring")
	}
	return &Ring{
		seg:       seg,
		entries:   seg.Entries(),
		size:      size,
		mask:      size - 1,
		soft:      size - RSVD_ENTRIES,
		reprotect: reprotect,
		logger:    logger,
	}, nil
}

// Size returns the ring capacity in entries.
func (r *Ring) Size() uint32 {
	return r.size
}

// SoftLimit returns the backpressure threshold in entries.
func (r *Ring) SoftLimit() uint32 {
	return r.soft
}

// ReservedEntries returns the slots held back below hard capacity.
func (r *Ring) ReservedEntries() uint32 {
	return RSVD_ENTRIES
}

// Used returns how many published entries have not been drained yet.
// Wrapping uint32 subtraction keeps this correct across the 2^32
// cursor boundary.
func (r *Ring) Used() uint32 {
	return r.producerCursor.Load() - r.consumerCursor.Load()
}

// SoftFull reports whether usage reached the backpressure threshold.
func (r *Ring) SoftFull() bool {
	return r.Used() >= r.soft
}

// Full reports whether usage reached hard capacity. True here means a
// producer ignored backpressure.
func (r *Ring) Full() bool {
	return r.Used() >= r.size
}

// Push appends one dirty notification on behalf of the owning context.
// The returned bool is the backpressure signal: true means the caller
// should ask the harvester to drain. The entry is still written when
// the signal fires; only a ring at hard capacity refuses, and that is
// an invariant breach, not a normal outcome.
func (r *Ring) Push(region uint32, offset uint64) (bool, error) {
	return r.push(region, offset, false)
}

// PushForeign appends a notification from a caller with no owning
// context. The caller must hold the registry's coarse lock for this
// ring. Unlike the owner path, a soft-full ring refuses outright: a
// foreign overrun cannot be repaired by the owner's exit-to-harvester
// handshake, so the notification is not accepted.
func (r *Ring) PushForeign(region uint32, offset uint64) (bool, error) {
	return r.push(region, offset, true)
}

func (r *Ring) push(region uint32, offset uint64, foreign bool) (bool, error) {
	if r.entries == nil {
		return false, ErrRingClosed
	}

	cur := r.producerCursor.Load()
	used := cur - r.consumerCursor.Load()
	if used >= r.size {
		// Unreachable when every producer honors backpressure. Loud
		// log, no state change.
		atomic.AddUint64(&r.stats.Breaches, 1)
		r.logger.Error("ring overrun: producer ignored backpressure",
			utils.Uint64("used", uint64(used)),
			utils.Uint64("size", uint64(r.size)),
		)
		return false, ErrRingFull
	}
	if foreign && used >= r.soft {
		atomic.AddUint64(&r.stats.Backpressure, 1)
		return false, ErrBackpressure
	}

	off := uintptr(cur&r.mask) * shm.ENTRY_SIZE
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.entries[off+shm.ENTRY_OFFSET_REGION])), region)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&r.entries[off+shm.ENTRY_OFFSET_PAGE])), offset)

	// Cursor advance and index publish happen after the entry stores;
	// the atomic publish is what makes the slot visible.
	r.producerCursor.Store(cur + 1)
	r.seg.SetAvailIndex(cur + 1)

	atomic.AddUint64(&r.stats.Pushes, 1)
	soft := used+1 >= r.soft
	if soft {
		atomic.AddUint64(&r.stats.Backpressure, 1)
	}
	return soft, nil
}

// loadEntry reads the slot for cursor c. The atomic loads order the
// field reads after the index load that exposed the slot, and pin the
// values so range checks in the drain loop cannot be invalidated by a
// concurrent writer on the harvester side.
func (r *Ring) loadEntry(c uint32) (uint32, uint64) {
	off := uintptr(c&r.mask) * shm.ENTRY_SIZE
	region := atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.entries[off+shm.ENTRY_OFFSET_REGION])))
	offset := atomic.LoadUint64((*uint64)(unsafe.Pointer(&r.entries[off+shm.ENTRY_OFFSET_PAGE])))
	return region, offset
}

// Drain consumes entries up to the harvester's published fetch index,
// coalescing same-region runs into single reprotect calls. It returns
// the number of entries visited.
//
// The fetch index is read exactly once. A value whose distance from
// the consumer cursor exceeds the ring size is rejected with no state
// change: the harvester writes that word and must not be able to drive
// the cursor out of range, nor flip the decision between check and use.
func (r *Ring) Drain() (int, error) {
	if r.entries == nil {
		return 0, ErrRingClosed
	}

	fetch := r.seg.FetchIndex()
	cur := r.consumerCursor.Load()
	if fetch-cur > r.size {
		atomic.AddUint64(&r.stats.RejectedFetch, 1)
		return 0, ErrInvalidFetch
	}
	if fetch == cur {
		return 0, nil
	}

	count := 0
	curRegion, curBase := r.loadEntry(cur)
	runMask := uint64(1)
	cur++
	count++
	r.consumerCursor.Store(cur)

	for cur != fetch {
		nextRegion, nextOffset := r.loadEntry(cur)
		cur++
		count++
		r.consumerCursor.Store(cur)

		if nextRegion == curRegion {
			delta := int64(nextOffset - curBase)

			if delta >= 0 && delta < COALESCE_BITS {
				runMask |= 1 << uint64(delta)
				continue
			}

			// Backwards visit. Shifting must not drop high bits, or
			// the run would silently lose pages.
			if delta > -COALESCE_BITS && delta < 0 {
				shift := uint64(-delta)
				if runMask<<shift>>shift == runMask {
					curBase = nextOffset
					runMask = runMask<<shift | 1
					continue
				}
			}
		}

		r.flushRun(curRegion, curBase, runMask)
		curRegion, curBase, runMask = nextRegion, nextOffset, 1
	}
	r.flushRun(curRegion, curBase, runMask)

	atomic.AddUint64(&r.stats.Drains, 1)
	atomic.AddUint64(&r.stats.EntriesDrained, uint64(count))
	return count, nil
}

func (r *Ring) flushRun(region uint32, base uint64, mask uint64) {
	atomic.AddUint64(&r.stats.ReprotectCalls, 1)
	r.reprotect.ReprotectRange(region, base, mask)
}

// Snapshot returns a consistent-enough copy of the ring counters.
func (r *Ring) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Pushes:         atomic.LoadUint64(&r.stats.Pushes),
		Backpressure:   atomic.LoadUint64(&r.stats.Backpressure),
		Drains:         atomic.LoadUint64(&r.stats.Drains),
		EntriesDrained: atomic.LoadUint64(&r.stats.EntriesDrained),
		ReprotectCalls: atomic.LoadUint64(&r.stats.ReprotectCalls),
		RejectedFetch:  atomic.LoadUint64(&r.stats.RejectedFetch),
		Breaches:       atomic.LoadUint64(&r.stats.Breaches),
	}
}

// Close detaches the ring from its segment. The segment itself is
// owned by the provider and outlives the ring until the mapping goes
// away. Close is idempotent.
func (r *Ring) Close() {
	r.entries = nil
	r.seg = nil
}

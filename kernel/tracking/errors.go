package tracking

import "errors"

// ErrBackpressure rejects a foreign push at or past the soft limit.
// It is a normal protocol signal, not a failure: the caller should
// request a drain and retry.
var ErrBackpressure = errors.New("ring: soft limit reached")

// ErrInvalidFetch rejects a drain whose fetch index is out of range of
// the consumer cursor. The fetch index lives in memory the harvester
// writes, so an arbitrary value must never move the cursor.
var ErrInvalidFetch = errors.New("ring: fetch index out of range")

// ErrRingFull reports a push onto a ring that is already at hard
// capacity. Producers that honor backpressure can never trigger it.
var ErrRingFull = errors.New("ring: full, backpressure ignored")

// ErrRingClosed reports an operation on a ring after Close.
var ErrRingClosed = errors.New("ring: closed")

// ErrNoRing reports a context with no ring and no default configured.
var ErrNoRing = errors.New("registry: no ring for context")

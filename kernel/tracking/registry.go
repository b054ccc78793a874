package tracking

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/pagetrack/kernel/utils"
)

// ContextID identifies one tracked execution context.
type ContextID uint32

// Registry maps contexts to their rings and designates one ring as the
// default for notifications that arrive outside any owning context
// (side channels, host-initiated writes). The default ring is shared
// with its true owner, so every push into it goes through a coarse
// lock; owners of non-default rings push lock-free.
type Registry struct {
	mu         sync.RWMutex
	rings      map[ContextID]*Ring
	defaultID  ContextID
	hasDefault bool

	// defaultMu serializes pushes into the default ring: foreign
	// producers against each other and against the owner's own pushes
	// routed through MarkDirty.
	defaultMu sync.Mutex

	logger *utils.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *utils.Logger) *Registry {
	if logger == nil {
		logger = utils.DefaultLogger("registry")
	}
	return &Registry{
		rings:  make(map[ContextID]*Ring),
		logger: logger,
	}
}

// Register binds a ring to its owning context.
func (t *Registry) Register(id ContextID, ring *Ring) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rings[id]; ok {
		return fmt.Errorf("registry: context %d already has a ring", id)
	}
	t.rings[id] = ring
	return nil
}

// Unregister removes and closes a context's ring. Removing the default
// context leaves the registry with no default until SetDefault is
// called again.
func (t *Registry) Unregister(id ContextID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ring, ok := t.rings[id]
	if !ok {
		return
	}
	delete(t.rings, id)
	if t.hasDefault && t.defaultID == id {
		t.hasDefault = false
	}
	ring.Close()
}

// SetDefault designates the ring used by callers without an owning
// context.
func (t *Registry) SetDefault(id ContextID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rings[id]; !ok {
		return fmt.Errorf("registry: context %d has no ring", id)
	}
	t.defaultID = id
	t.hasDefault = true
	return nil
}

// Resolve returns the ring a caller should push into, and whether the
// caller owns it. A context with its own ring gets it directly; anyone
// else gets the default ring and must treat it as foreign.
func (t *Registry) Resolve(id ContextID) (*Ring, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ring, ok := t.rings[id]; ok {
		return ring, true, nil
	}
	if !t.hasDefault {
		return nil, false, ErrNoRing
	}
	return t.rings[t.defaultID], false, nil
}

// MarkDirty records one dirtied page for the given context. The
// returned bool is the backpressure signal; callers propagate it
// upward so the controlling side can expedite a drain. Foreign pushes
// at the soft limit come back as ErrBackpressure with nothing written.
func (t *Registry) MarkDirty(id ContextID, region uint32, offset uint64) (bool, error) {
	ring, owned, err := t.Resolve(id)
	if err != nil {
		return false, err
	}

	if !owned {
		t.defaultMu.Lock()
		defer t.defaultMu.Unlock()
		return ring.PushForeign(region, offset)
	}

	if t.isDefault(id) {
		// The owner shares its ring with foreign producers, so its own
		// pushes serialize on the same lock.
		t.defaultMu.Lock()
		defer t.defaultMu.Unlock()
	}
	return ring.Push(region, offset)
}

// RequestDrain drains everything currently published on the context's
// ring, standing in for a harvester that wants the ring emptied.
func (t *Registry) RequestDrain(id ContextID) (int, error) {
	ring, _, err := t.Resolve(id)
	if err != nil {
		return 0, err
	}
	if ring.seg == nil {
		return 0, ErrRingClosed
	}
	ring.seg.SetFetchIndex(ring.seg.AvailIndex())
	return ring.Drain()
}

// RequestDrainTo drains up to an explicit fetch index. The index is
// validated by the drain engine exactly as a harvester-written one
// would be.
func (t *Registry) RequestDrainTo(id ContextID, fetch uint32) (int, error) {
	ring, _, err := t.Resolve(id)
	if err != nil {
		return 0, err
	}
	if ring.seg == nil {
		return 0, ErrRingClosed
	}
	ring.seg.SetFetchIndex(fetch)
	return ring.Drain()
}

// Snapshot copies the per-context ring counters.
func (t *Registry) Snapshot() map[ContextID]StatsSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[ContextID]StatsSnapshot, len(t.rings))
	for id, ring := range t.rings {
		out[id] = ring.Snapshot()
	}
	return out
}

func (t *Registry) isDefault(id ContextID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hasDefault && t.defaultID == id
}

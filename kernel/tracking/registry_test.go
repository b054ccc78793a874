package tracking

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, contexts int, entries uint32, rp Reprotector) (*Registry, []*Ring) {
	t.Helper()
	reg := NewRegistry(quietLogger())
	rings := make([]*Ring, contexts)
	for i := 0; i < contexts; i++ {
		ring, _ := newTestRing(t, entries, rp)
		require.NoError(t, reg.Register(ContextID(i), ring))
		rings[i] = ring
	}
	return reg, rings
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg, rings := newTestRegistry(t, 1, 8, &recordingReprotector{})
	err := reg.Register(0, rings[0])
	assert.Error(t, err)
}

func TestRegistry_ResolveOwnedAndDefault(t *testing.T) {
	reg, rings := newTestRegistry(t, 2, 8, &recordingReprotector{})

	ring, owned, err := reg.Resolve(1)
	require.NoError(t, err)
	assert.True(t, owned)
	assert.Same(t, rings[1], ring)

	// No default yet: unknown contexts have nowhere to push.
	_, _, err = reg.Resolve(99)
	assert.ErrorIs(t, err, ErrNoRing)

	require.NoError(t, reg.SetDefault(0))
	ring, owned, err = reg.Resolve(99)
	require.NoError(t, err)
	assert.False(t, owned)
	assert.Same(t, rings[0], ring)

	assert.Error(t, reg.SetDefault(42))
}

func TestRegistry_MarkDirtyRoutesByOwnership(t *testing.T) {
	rp := &recordingReprotector{}
	reg, rings := newTestRegistry(t, 2, 8, rp)
	require.NoError(t, reg.SetDefault(0))

	// Owner of a non-default ring.
	soft, err := reg.MarkDirty(1, 5, 100)
	require.NoError(t, err)
	assert.False(t, soft)
	assert.Equal(t, uint32(1), rings[1].Used())

	// Unknown context lands on the default ring.
	_, err = reg.MarkDirty(99, 5, 200)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rings[0].Used())

	// Owner of the default ring still goes through MarkDirty fine.
	_, err = reg.MarkDirty(0, 5, 201)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rings[0].Used())
}

func TestRegistry_MarkDirtyForeignBackpressure(t *testing.T) {
	reg, rings := newTestRegistry(t, 1, 8, &recordingReprotector{})
	require.NoError(t, reg.SetDefault(0))

	for i := uint64(0); i < uint64(rings[0].SoftLimit()); i++ {
		_, err := reg.MarkDirty(0, 1, i)
		require.NoError(t, err)
	}
	require.True(t, rings[0].SoftFull())

	_, err := reg.MarkDirty(99, 1, 1000)
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, rings[0].SoftLimit(), rings[0].Used())

	// The owner is still allowed past the soft limit.
	soft, err := reg.MarkDirty(0, 1, 1000)
	require.NoError(t, err)
	assert.True(t, soft)
}

func TestRegistry_ConcurrentForeignProducers(t *testing.T) {
	reg, rings := newTestRegistry(t, 1, 1024, &recordingReprotector{})
	require.NoError(t, reg.SetDefault(0))

	const producers = 8
	const perProducer = 64

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := reg.MarkDirty(ContextID(100+p), uint32(p), uint64(i))
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, uint32(producers*perProducer), rings[0].Used())

	n, err := reg.RequestDrain(0)
	require.NoError(t, err)
	assert.Equal(t, producers*perProducer, n)
	assert.Equal(t, uint32(0), rings[0].Used())
}

func TestRegistry_RequestDrainTo(t *testing.T) {
	rp := &recordingReprotector{}
	reg, rings := newTestRegistry(t, 1, 8, rp)

	for i := uint64(0); i < 4; i++ {
		_, err := reg.MarkDirty(0, 1, i)
		require.NoError(t, err)
	}

	n, err := reg.RequestDrainTo(0, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint32(2), rings[0].Used())

	// A fetch index past the published mark is rejected unchanged.
	_, err = reg.RequestDrainTo(0, 100)
	assert.ErrorIs(t, err, ErrInvalidFetch)
	assert.Equal(t, uint32(2), rings[0].Used())

	n, err = reg.RequestDrain(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRegistry_DrainWithoutRing(t *testing.T) {
	reg := NewRegistry(quietLogger())
	_, err := reg.RequestDrain(0)
	assert.ErrorIs(t, err, ErrNoRing)
	_, err = reg.MarkDirty(0, 1, 0)
	assert.ErrorIs(t, err, ErrNoRing)
}

func TestRegistry_UnregisterClosesRing(t *testing.T) {
	reg, rings := newTestRegistry(t, 2, 8, &recordingReprotector{})
	require.NoError(t, reg.SetDefault(0))

	reg.Unregister(0)

	// The default designation went away with the ring.
	_, _, err := reg.Resolve(99)
	assert.ErrorIs(t, err, ErrNoRing)

	_, err = rings[0].Push(1, 0)
	assert.ErrorIs(t, err, ErrRingClosed)

	// Other contexts are untouched.
	_, err = reg.MarkDirty(1, 1, 0)
	assert.NoError(t, err)

	// Unregistering an unknown context is a no-op.
	reg.Unregister(42)
}

func TestRegistry_Snapshot(t *testing.T) {
	reg, _ := newTestRegistry(t, 2, 8, &recordingReprotector{})

	_, err := reg.MarkDirty(0, 1, 0)
	require.NoError(t, err)
	_, err = reg.MarkDirty(1, 1, 0)
	require.NoError(t, err)
	_, err = reg.MarkDirty(1, 1, 1)
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(1), snap[0].Pushes)
	assert.Equal(t, uint64(2), snap[1].Pushes)
}

package portalloc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAllocator_AllocateReturnsLowestFreePort(t *testing.T) {
	st := newTestStore(t)
	a, err := New(context.Background(), st, 9300, 9302)
	require.NoError(t, err)

	p1, err := a.Allocate(context.Background(), "sess-1", models.PortKindStream)
	require.NoError(t, err)
	assert.Equal(t, 9300, p1)

	p2, err := a.Allocate(context.Background(), "sess-2", models.PortKindStream)
	require.NoError(t, err)
	assert.Equal(t, 9301, p2)
}

func TestAllocator_AllocateExhaustsRange(t *testing.T) {
	st := newTestStore(t)
	a, err := New(context.Background(), st, 9300, 9301)
	require.NoError(t, err)

	_, err = a.Allocate(context.Background(), "sess-1", models.PortKindStream)
	require.NoError(t, err)
	_, err = a.Allocate(context.Background(), "sess-2", models.PortKindStream)
	require.NoError(t, err)

	_, err = a.Allocate(context.Background(), "sess-3", models.PortKindStream)
	require.Error(t, err)
}

func TestAllocator_KindsAreIndependentRanges(t *testing.T) {
	st := newTestStore(t)
	a, err := New(context.Background(), st, 9300, 9300)
	require.NoError(t, err)

	_, err = a.Allocate(context.Background(), "sess-1", models.PortKindStream)
	require.NoError(t, err)

	p, err := a.Allocate(context.Background(), "sess-1", models.PortKindCDP)
	require.NoError(t, err, "a different kind should not be blocked by the stream allocation of the same port number")
	assert.Equal(t, 9300, p)
}

func TestAllocator_ReleaseFreesPort(t *testing.T) {
	st := newTestStore(t)
	a, err := New(context.Background(), st, 9300, 9300)
	require.NoError(t, err)

	p, err := a.Allocate(context.Background(), "sess-1", models.PortKindStream)
	require.NoError(t, err)
	assert.True(t, a.IsAllocated(p, models.PortKindStream))

	require.NoError(t, a.Release(context.Background(), p, models.PortKindStream))
	assert.False(t, a.IsAllocated(p, models.PortKindStream))

	p2, err := a.Allocate(context.Background(), "sess-2", models.PortKindStream)
	require.NoError(t, err)
	assert.Equal(t, p, p2)
}

func TestAllocator_ReleaseIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	a, err := New(context.Background(), st, 9300, 9300)
	require.NoError(t, err)

	assert.NoError(t, a.Release(context.Background(), 9300, models.PortKindStream))
	assert.NoError(t, a.Release(context.Background(), 9300, models.PortKindStream))
}

func TestAllocator_Reserve(t *testing.T) {
	st := newTestStore(t)
	a, err := New(context.Background(), st, 9300, 9301)
	require.NoError(t, err)

	require.NoError(t, a.Reserve(context.Background(), 9300, models.PortKindStream))
	assert.True(t, a.IsAllocated(9300, models.PortKindStream))

	p, err := a.Allocate(context.Background(), "sess-1", models.PortKindStream)
	require.NoError(t, err)
	assert.Equal(t, 9301, p, "the reserved port should be skipped")
}

func TestNew_RehydratesBusyPortsFromStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertPortReservation(ctx, models.PortReservation{
		ID: "r1", SessionID: "sess-1", Port: 9300, Kind: models.PortKindStream,
	}))

	a, err := New(ctx, st, 9300, 9301)
	require.NoError(t, err)

	assert.True(t, a.IsAllocated(9300, models.PortKindStream))

	p, err := a.Allocate(ctx, "sess-2", models.PortKindStream)
	require.NoError(t, err)
	assert.Equal(t, 9301, p)
}

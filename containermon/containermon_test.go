package containermon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/sandbox"
	"github.com/labrun/orchestrator/store"
)

type fakeBus struct {
	mu      sync.Mutex
	deltas  []map[string]interface{}
	channel string
	params  map[string]string
}

func (f *fakeBus) PublishDelta(channelName string, params map[string]string, delta interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channelName
	f.params = params
	f.deltas = append(f.deltas, delta.(map[string]interface{}))
}

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deltas)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedContainer(t *testing.T, st *store.Store, sessionID, runtimeID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InsertSession(ctx, models.Session{
		ID: sessionID, ProjectID: "proj-1", Status: models.SessionRunning,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, st.InsertContainer(ctx, models.SessionContainer{
		ID: "c1", SessionID: sessionID, ContainerID: "web", Status: models.ContainerStarting, Hostname: "web.net-1",
	}))
	require.NoError(t, st.UpdateContainerRuntimeID(ctx, "c1", runtimeID))
}

func TestMonitor_HandleEvent_StartMarksRunning(t *testing.T) {
	st := newTestStore(t)
	seedContainer(t, st, "sess-1", "runtime-1")
	bus := &fakeBus{}
	m := New(nil, st, bus, nil)

	m.handleEvent(context.Background(), sandbox.ContainerEvent{
		Action:     "start",
		RuntimeID:  "runtime-1",
		Attributes: map[string]string{"lab.session": "sess-1"},
	})

	c, err := st.GetContainerByRuntimeID(context.Background(), "runtime-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.ContainerRunning, c.Status)
	assert.Equal(t, 1, bus.count())
	assert.Equal(t, "sessionContainers", bus.channel)
	assert.Equal(t, "sess-1", bus.params["uuid"])
}

func TestMonitor_HandleEvent_DieMarksStopped(t *testing.T) {
	st := newTestStore(t)
	seedContainer(t, st, "sess-1", "runtime-1")
	bus := &fakeBus{}
	m := New(nil, st, bus, nil)

	m.handleEvent(context.Background(), sandbox.ContainerEvent{
		Action:     "die",
		RuntimeID:  "runtime-1",
		Attributes: map[string]string{"lab.session": "sess-1"},
	})

	c, err := st.GetContainerByRuntimeID(context.Background(), "runtime-1")
	require.NoError(t, err)
	assert.Equal(t, models.ContainerStopped, c.Status)
}

func TestMonitor_HandleEvent_UnhealthyHealthStatusMarksError(t *testing.T) {
	st := newTestStore(t)
	seedContainer(t, st, "sess-1", "runtime-1")
	bus := &fakeBus{}
	m := New(nil, st, bus, nil)

	m.handleEvent(context.Background(), sandbox.ContainerEvent{
		Action:    "health_status",
		RuntimeID: "runtime-1",
		Attributes: map[string]string{
			"lab.session":   "sess-1",
			"health_status": "unhealthy",
		},
	})

	c, err := st.GetContainerByRuntimeID(context.Background(), "runtime-1")
	require.NoError(t, err)
	assert.Equal(t, models.ContainerError, c.Status)
}

func TestMonitor_HandleEvent_HealthyHealthStatusIgnored(t *testing.T) {
	st := newTestStore(t)
	seedContainer(t, st, "sess-1", "runtime-1")
	bus := &fakeBus{}
	m := New(nil, st, bus, nil)

	m.handleEvent(context.Background(), sandbox.ContainerEvent{
		Action:    "health_status",
		RuntimeID: "runtime-1",
		Attributes: map[string]string{
			"lab.session":   "sess-1",
			"health_status": "healthy",
		},
	})

	c, err := st.GetContainerByRuntimeID(context.Background(), "runtime-1")
	require.NoError(t, err)
	assert.Equal(t, models.ContainerStarting, c.Status, "unmapped health_status should leave status untouched")
	assert.Equal(t, 0, bus.count())
}

func TestMonitor_HandleEvent_UnknownActionIgnored(t *testing.T) {
	st := newTestStore(t)
	seedContainer(t, st, "sess-1", "runtime-1")
	bus := &fakeBus{}
	m := New(nil, st, bus, nil)

	m.handleEvent(context.Background(), sandbox.ContainerEvent{
		Action:     "exec_create",
		RuntimeID:  "runtime-1",
		Attributes: map[string]string{"lab.session": "sess-1"},
	})

	assert.Equal(t, 0, bus.count())
}

func TestMonitor_HandleEvent_MissingSessionAttributeIgnored(t *testing.T) {
	st := newTestStore(t)
	seedContainer(t, st, "sess-1", "runtime-1")
	bus := &fakeBus{}
	m := New(nil, st, bus, nil)

	m.handleEvent(context.Background(), sandbox.ContainerEvent{
		Action:     "start",
		RuntimeID:  "runtime-1",
		Attributes: map[string]string{},
	})

	assert.Equal(t, 0, bus.count())
}

func TestMonitor_HandleEvent_UnknownRuntimeIDIgnored(t *testing.T) {
	st := newTestStore(t)
	bus := &fakeBus{}
	m := New(nil, st, bus, nil)

	assert.NotPanics(t, func() {
		m.handleEvent(context.Background(), sandbox.ContainerEvent{
			Action:     "start",
			RuntimeID:  "no-such-runtime",
			Attributes: map[string]string{"lab.session": "sess-1"},
		})
	})
	assert.Equal(t, 0, bus.count())
}

func TestMonitor_Run_StopsOnContextCancel(t *testing.T) {
	st := newTestStore(t)
	bus := &fakeBus{}
	m := New(&stubProvider{}, st, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// stubProvider implements sandbox.Provider just enough for Run's
// StreamContainerEvents call; every other method is unreachable in this test.
type stubProvider struct {
	sandbox.Provider
}

func (s *stubProvider) StreamContainerEvents(ctx context.Context, labelFilter string) (<-chan sandbox.ContainerEvent, <-chan error) {
	events := make(chan sandbox.ContainerEvent)
	errs := make(chan error)
	return events, errs
}

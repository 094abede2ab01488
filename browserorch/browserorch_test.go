package browserorch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrun/orchestrator/browserorch/daemon"
	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/portalloc"
	"github.com/labrun/orchestrator/store"
)

type fakeController struct {
	mu         sync.Mutex
	startCalls int
	startErr   error
	status     *daemon.Status
	statusErr  error
	stopErr    error
	currentURL string
}

func (f *fakeController) Start(ctx context.Context, sessionID string, url *string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return 0, f.startErr
	}
	return 9400, nil
}

func (f *fakeController) Stop(ctx context.Context, sessionID string) error { return f.stopErr }
func (f *fakeController) Navigate(ctx context.Context, sessionID, url string) error { return nil }

func (f *fakeController) GetStatus(ctx context.Context, sessionID string) (*daemon.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeController) GetCurrentURL(ctx context.Context, sessionID string) (string, error) {
	return f.currentURL, nil
}

func (f *fakeController) Launch(ctx context.Context, sessionID string) error { return nil }
func (f *fakeController) IsHealthy(ctx context.Context) bool                 { return true }
func (f *fakeController) ExecuteCommand(ctx context.Context, sessionID string, cmd json.RawMessage) (daemon.CommandResult, error) {
	return daemon.CommandResult{Success: true}, nil
}

func newTestOrchestrator(t *testing.T, controller daemon.Controller) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ports, err := portalloc.New(context.Background(), st, 9300, 9310)
	require.NoError(t, err)

	return New(st, controller, ports, 50*time.Millisecond, 3), st
}

func TestSelectAction(t *testing.T) {
	cases := []struct {
		name       string
		desired    models.BrowserDesired
		actual     models.BrowserActual
		retryCount int
		maxRetries int
		want       action
	}{
		{"start from stopped", models.BrowserDesiredRunning, models.BrowserActualStopped, 0, 3, actionStartDaemon},
		{"wait while starting", models.BrowserDesiredRunning, models.BrowserActualStarting, 0, 3, actionWaitForReady},
		{"check alive once running", models.BrowserDesiredRunning, models.BrowserActualRunning, 0, 3, actionCheckAlive},
		{"stop from running", models.BrowserDesiredStopped, models.BrowserActualRunning, 0, 3, actionStopDaemon},
		{"stop cancels starting", models.BrowserDesiredStopped, models.BrowserActualStarting, 0, 3, actionStopDaemon},
		{"wait while stopping", models.BrowserDesiredStopped, models.BrowserActualStopping, 0, 3, actionWaitForStopped},
		{"noop once stopped", models.BrowserDesiredStopped, models.BrowserActualStopped, 0, 3, actionNoop},
		{"error resets under budget", models.BrowserDesiredRunning, models.BrowserActualError, 1, 3, actionResetToStopped},
		{"error gives up at budget", models.BrowserDesiredRunning, models.BrowserActualError, 3, 3, actionNoop},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, selectAction(tc.desired, tc.actual, tc.retryCount, tc.maxRetries))
		})
	}
}

func TestOrchestrator_SubscribeStartsDaemon(t *testing.T) {
	ctrl := &fakeController{}
	o, st := newTestOrchestrator(t, ctrl)

	require.NoError(t, o.Subscribe(context.Background(), "sess-1"))

	state, err := st.GetBrowserState(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, models.BrowserDesiredRunning, state.Desired)
	assert.Equal(t, models.BrowserActualStarting, state.Actual)
	require.NotNil(t, state.StreamPort)
	assert.Equal(t, 9300, *state.StreamPort)
	assert.Equal(t, 1, ctrl.startCalls)
}

func TestOrchestrator_Reconcile_WaitForReadyTransitionsOnReady(t *testing.T) {
	ctrl := &fakeController{status: &daemon.Status{Running: true, Ready: true}}
	o, st := newTestOrchestrator(t, ctrl)
	ctx := context.Background()

	require.NoError(t, o.Subscribe(ctx, "sess-1"))
	require.NoError(t, o.Reconcile(ctx, "sess-1"))

	state, err := st.GetBrowserState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.BrowserActualRunning, state.Actual)
}

func TestOrchestrator_StartDaemonFailureGoesToError(t *testing.T) {
	ctrl := &fakeController{startErr: assert.AnError}
	o, st := newTestOrchestrator(t, ctrl)
	ctx := context.Background()

	require.NoError(t, o.Subscribe(ctx, "sess-1"))

	state, err := st.GetBrowserState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.BrowserActualError, state.Actual)
	require.NotNil(t, state.ErrorMessage)
}

func TestOrchestrator_ErrorStateResetsUnderRetryBudget(t *testing.T) {
	ctrl := &fakeController{startErr: assert.AnError}
	o, st := newTestOrchestrator(t, ctrl)
	ctx := context.Background()

	require.NoError(t, o.Subscribe(ctx, "sess-1"))
	state, err := st.GetBrowserState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.BrowserActualError, state.Actual)
	assert.Equal(t, 1, state.RetryCount)

	require.NoError(t, o.Reconcile(ctx, "sess-1"))
	state, err = st.GetBrowserState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.BrowserActualStopped, state.Actual, "reconcile should reset error back to stopped under the retry budget")
	assert.Equal(t, 1, state.RetryCount, "resetting to stopped must not clear the retry count")
}

func TestOrchestrator_ErrorStateGivesUpAfterMaxRetries(t *testing.T) {
	ctrl := &fakeController{startErr: assert.AnError}
	o, st := newTestOrchestrator(t, ctrl)
	ctx := context.Background()

	require.NoError(t, o.Subscribe(ctx, "sess-1")) // attempt 1

	for i := 0; i < 10; i++ {
		state, err := st.GetBrowserState(ctx, "sess-1")
		require.NoError(t, err)
		if state.Actual == models.BrowserActualError && state.RetryCount >= 3 {
			break
		}
		require.NoError(t, o.Reconcile(ctx, "sess-1"))
	}

	state, err := st.GetBrowserState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.BrowserActualError, state.Actual, "orchestrator should give up in the error state once retries are exhausted")
	assert.Equal(t, 3, state.RetryCount)

	ctrl.mu.Lock()
	startCalls := ctrl.startCalls
	ctrl.mu.Unlock()
	assert.Equal(t, 3, startCalls, "exactly maxRetries start attempts should have been made")

	require.NoError(t, o.Reconcile(ctx, "sess-1"))
	state, err = st.GetBrowserState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.BrowserActualError, state.Actual, "once exhausted, further reconciles must not retry again")
	assert.Equal(t, 3, state.RetryCount)

	ctrl.mu.Lock()
	startCalls = ctrl.startCalls
	ctrl.mu.Unlock()
	assert.Equal(t, 3, startCalls)
}

func TestOrchestrator_UnsubscribeDebouncesStop(t *testing.T) {
	ctrl := &fakeController{status: &daemon.Status{Running: true, Ready: true}}
	o, st := newTestOrchestrator(t, ctrl)
	ctx := context.Background()

	require.NoError(t, o.Subscribe(ctx, "sess-1"))
	require.NoError(t, o.Reconcile(ctx, "sess-1")) // -> running

	o.Unsubscribe(ctx, "sess-1")

	state, err := st.GetBrowserState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.BrowserDesiredRunning, state.Desired, "debounce timer hasn't fired yet")

	time.Sleep(150 * time.Millisecond)

	state, err = st.GetBrowserState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.BrowserDesiredStopped, state.Desired)
}

func TestOrchestrator_UnsubscribeCancelledByResubscribe(t *testing.T) {
	ctrl := &fakeController{status: &daemon.Status{Running: true, Ready: true}}
	o, _ := newTestOrchestrator(t, ctrl)
	ctx := context.Background()

	require.NoError(t, o.Subscribe(ctx, "sess-1"))
	o.Unsubscribe(ctx, "sess-1")
	require.NoError(t, o.Subscribe(ctx, "sess-1")) // cancels the pending cleanup timer

	o.mu.Lock()
	_, stillArmed := o.cleanupTimer["sess-1"]
	o.mu.Unlock()
	assert.False(t, stillArmed)
}

func TestOrchestrator_ForceStopReleasesPortAndDeletesState(t *testing.T) {
	ctrl := &fakeController{status: &daemon.Status{Running: true, Ready: true}}
	o, st := newTestOrchestrator(t, ctrl)
	ctx := context.Background()

	require.NoError(t, o.Subscribe(ctx, "sess-1"))
	state, err := st.GetBrowserState(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, state.StreamPort)
	port := *state.StreamPort

	require.NoError(t, o.ForceStop(ctx, "sess-1"))

	got, err := st.GetBrowserState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	p2, err := o.ports.Allocate(ctx, "sess-2", models.PortKindStream)
	require.NoError(t, err)
	assert.Equal(t, port, p2, "force stop should have released the stream port")
}

func TestOrchestrator_CacheFrameRoundTrip(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeController{})

	assert.Nil(t, o.LastFrame("sess-1"))
	o.CacheFrame("sess-1", []byte("frame-bytes"))
	assert.Equal(t, []byte("frame-bytes"), o.LastFrame("sess-1"))
}

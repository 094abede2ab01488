// Package browserorch is the Browser Orchestrator: a state reconciler that
// drives each session's BrowserSessionState.actual toward .desired through
// the Daemon Controller. It is the most subtle component in the subsystem,
// since every transition in the action table is encoded explicitly rather
// than inferred.
package browserorch

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/labrun/orchestrator/browserorch/daemon"
	"github.com/labrun/orchestrator/logger"
	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/portalloc"
	"github.com/labrun/orchestrator/store"
)

const defaultMaxRetries = 3

// Orchestrator reconciles browser state for every session.
type Orchestrator struct {
	store      *store.Store
	controller daemon.Controller
	ports      *portalloc.Allocator

	// startLimiter caps how many StartDaemon calls can fire per second,
	// smoothing thundering-herd reconnects after a daemon restart.
	startLimiter *rate.Limiter

	cleanupDelay time.Duration
	maxRetries   int

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
	refCounts    map[string]int
	cleanupTimer map[string]*time.Timer
	frameCache   map[string][]byte

	onErrorMu sync.Mutex
	onError   []func(sessionID string, err error)
}

// New constructs a Browser Orchestrator.
func New(st *store.Store, controller daemon.Controller, ports *portalloc.Allocator, cleanupDelay time.Duration, maxRetries int) *Orchestrator {
	if cleanupDelay <= 0 {
		cleanupDelay = 10 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Orchestrator{
		store:        st,
		controller:   controller,
		ports:        ports,
		startLimiter: rate.NewLimiter(rate.Limit(5), 10),
		cleanupDelay: cleanupDelay,
		maxRetries:   maxRetries,
		sessionLocks: make(map[string]*sync.Mutex),
		refCounts:    make(map[string]int),
		cleanupTimer: make(map[string]*time.Timer),
		frameCache:   make(map[string][]byte),
	}
}

// OnError registers a listener invoked with per-session reconcile failures;
// it never stops the loop.
func (o *Orchestrator) OnError(fn func(sessionID string, err error)) {
	o.onErrorMu.Lock()
	defer o.onErrorMu.Unlock()
	o.onError = append(o.onError, fn)
}

func (o *Orchestrator) reportError(sessionID string, err error) {
	o.onErrorMu.Lock()
	listeners := append([]func(string, error){}, o.onError...)
	o.onErrorMu.Unlock()
	for _, fn := range listeners {
		fn(sessionID, err)
	}
}

func (o *Orchestrator) lockFor(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		o.sessionLocks[sessionID] = l
	}
	return l
}

// Subscribe registers a viewer join, setting desired=running and cancelling
// any pending cleanup timer.
func (o *Orchestrator) Subscribe(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	o.refCounts[sessionID]++
	if t, ok := o.cleanupTimer[sessionID]; ok {
		t.Stop()
		delete(o.cleanupTimer, sessionID)
	}
	o.mu.Unlock()

	return o.setDesired(ctx, sessionID, models.BrowserDesiredRunning)
}

// Unsubscribe registers a viewer leave, arming a debounce timer that sets
// desired=stopped if the refcount is still zero after cleanupDelayMs.
func (o *Orchestrator) Unsubscribe(ctx context.Context, sessionID string) {
	o.mu.Lock()
	if o.refCounts[sessionID] > 0 {
		o.refCounts[sessionID]--
	}
	stillZero := o.refCounts[sessionID] == 0
	o.mu.Unlock()

	if !stillZero {
		return
	}

	timer := time.AfterFunc(o.cleanupDelay, func() {
		o.mu.Lock()
		count := o.refCounts[sessionID]
		delete(o.cleanupTimer, sessionID)
		o.mu.Unlock()
		if count != 0 {
			return
		}
		if err := o.setDesired(context.Background(), sessionID, models.BrowserDesiredStopped); err != nil {
			logger.Warn("browser cleanup debounce failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	})

	o.mu.Lock()
	o.cleanupTimer[sessionID] = timer
	o.mu.Unlock()
}

func (o *Orchestrator) setDesired(ctx context.Context, sessionID string, desired models.BrowserDesired) error {
	state, err := o.loadOrInit(ctx, sessionID)
	if err != nil {
		return err
	}
	state.Desired = desired
	if err := o.store.UpsertBrowserState(ctx, *state); err != nil {
		return err
	}
	return o.Reconcile(ctx, sessionID)
}

func (o *Orchestrator) loadOrInit(ctx context.Context, sessionID string) (*models.BrowserSessionState, error) {
	state, err := o.store.GetBrowserState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &models.BrowserSessionState{
			SessionID:       sessionID,
			Desired:         models.BrowserDesiredStopped,
			Actual:          models.BrowserActualStopped,
			LastHeartbeatAt: time.Now(),
		}
	}
	return state, nil
}

// ReconcileAll ticks every session's reconcile loop; called on a timer at
// reconcileIntervalMs.
func (o *Orchestrator) ReconcileAll(ctx context.Context) {
	states, err := o.store.ListBrowserStates(ctx)
	if err != nil {
		logger.Error("reconcileAll: list states failed", zap.Error(err))
		return
	}
	for _, st := range states {
		if err := o.Reconcile(ctx, st.SessionID); err != nil {
			o.reportError(st.SessionID, err)
			logger.Warn("reconcile failed", zap.String("session_id", st.SessionID), zap.Error(err))
		}
	}
}

// Run starts the ticking ReconcileAll loop, returning a stop function.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				o.ReconcileAll(ctx)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

// Reconcile drives one session's actual state toward desired, serialized
// per session.
func (o *Orchestrator) Reconcile(ctx context.Context, sessionID string) error {
	lock := o.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	state, err := o.loadOrInit(ctx, sessionID)
	if err != nil {
		return err
	}

	action := selectAction(state.Desired, state.Actual, state.RetryCount, o.maxRetries)
	switch action {
	case actionNoop:
		return nil
	case actionStartDaemon:
		return o.startDaemon(ctx, sessionID, state)
	case actionWaitForReady:
		return o.waitForReady(ctx, sessionID, state)
	case actionCheckAlive:
		return o.checkAlive(ctx, sessionID, state)
	case actionResetToStopped:
		state.Actual = models.BrowserActualStopped
		state.ErrorMessage = nil
		return o.store.UpsertBrowserState(ctx, *state)
	case actionStopDaemon:
		return o.stopDaemon(ctx, sessionID, state)
	case actionWaitForStopped:
		return o.waitForStopped(ctx, sessionID, state)
	}
	return nil
}

type action int

const (
	actionNoop action = iota
	actionStartDaemon
	actionWaitForReady
	actionCheckAlive
	actionResetToStopped
	actionStopDaemon
	actionWaitForStopped
)

// selectAction is the pure function mapping (desired, actual, retry state)
// onto the next reconciliation action.
func selectAction(desired models.BrowserDesired, actual models.BrowserActual, retryCount, maxRetries int) action {
	if actual == models.BrowserActualError {
		if retryCount < maxRetries {
			return actionResetToStopped
		}
		return actionNoop
	}

	switch desired {
	case models.BrowserDesiredRunning:
		switch actual {
		case models.BrowserActualStopped:
			return actionStartDaemon
		case models.BrowserActualStarting:
			return actionWaitForReady
		case models.BrowserActualRunning:
			return actionCheckAlive
		}
	case models.BrowserDesiredStopped:
		switch actual {
		case models.BrowserActualRunning:
			return actionStopDaemon
		case models.BrowserActualStarting:
			return actionStopDaemon
		case models.BrowserActualStopping:
			return actionWaitForStopped
		case models.BrowserActualStopped:
			return actionNoop
		}
	}
	return actionNoop
}

func (o *Orchestrator) startDaemon(ctx context.Context, sessionID string, state *models.BrowserSessionState) error {
	if err := o.startLimiter.Wait(ctx); err != nil {
		return err
	}
	state.RetryCount++

	var port int
	var err error
	if state.StreamPort != nil {
		port = *state.StreamPort
	} else {
		port, err = o.ports.Allocate(ctx, sessionID, models.PortKindStream)
		if err != nil {
			return err
		}
		state.StreamPort = &port
	}

	state.Actual = models.BrowserActualStarting
	if err := o.store.UpsertBrowserState(ctx, *state); err != nil {
		return err
	}

	if _, err := o.controller.Start(ctx, sessionID, state.LastURL); err != nil {
		state.Actual = models.BrowserActualError
		msg := err.Error()
		state.ErrorMessage = &msg
		return o.store.UpsertBrowserState(ctx, *state)
	}
	return nil
}

func (o *Orchestrator) waitForReady(ctx context.Context, sessionID string, state *models.BrowserSessionState) error {
	status, err := o.controller.GetStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if status == nil {
		// Daemon no longer exists; reconciler will re-issue Start if still desired.
		state.Actual = models.BrowserActualStopped
		return o.store.UpsertBrowserState(ctx, *state)
	}
	if status.Ready {
		state.Actual = models.BrowserActualRunning
		state.LastHeartbeatAt = time.Now()
		return o.store.UpsertBrowserState(ctx, *state)
	}
	return nil
}

func (o *Orchestrator) checkAlive(ctx context.Context, sessionID string, state *models.BrowserSessionState) error {
	status, err := o.controller.GetStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if status == nil || !status.Running {
		state.Actual = models.BrowserActualStopped
		return o.store.UpsertBrowserState(ctx, *state)
	}
	state.LastHeartbeatAt = time.Now()
	return o.store.UpsertBrowserState(ctx, *state)
}

func (o *Orchestrator) stopDaemon(ctx context.Context, sessionID string, state *models.BrowserSessionState) error {
	if url, err := o.controller.GetCurrentURL(ctx, sessionID); err == nil && strings.TrimSpace(url) != "" {
		state.LastURL = &url
	}
	state.Actual = models.BrowserActualStopping
	if err := o.store.UpsertBrowserState(ctx, *state); err != nil {
		return err
	}

	if err := o.controller.Stop(ctx, sessionID); err != nil {
		return err
	}

	if state.StreamPort != nil {
		if err := o.ports.Release(ctx, *state.StreamPort, models.PortKindStream); err != nil {
			logger.Warn("release stream port failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		state.StreamPort = nil
	}
	state.Actual = models.BrowserActualStopped
	state.RetryCount = 0
	state.ErrorMessage = nil
	return o.store.UpsertBrowserState(ctx, *state)
}

func (o *Orchestrator) waitForStopped(ctx context.Context, sessionID string, state *models.BrowserSessionState) error {
	status, err := o.controller.GetStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if status == nil || !status.Running {
		if state.StreamPort != nil {
			if err := o.ports.Release(ctx, *state.StreamPort, models.PortKindStream); err != nil {
				logger.Warn("release stream port failed", zap.String("session_id", sessionID), zap.Error(err))
			}
			state.StreamPort = nil
		}
		state.Actual = models.BrowserActualStopped
		return o.store.UpsertBrowserState(ctx, *state)
	}
	return nil
}

// ForceStop stops a session's daemon unconditionally, used by the Session
// Orchestrator's destroy path regardless of current state.
func (o *Orchestrator) ForceStop(ctx context.Context, sessionID string) error {
	lock := o.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.controller.Stop(ctx, sessionID); err != nil {
		logger.Warn("force stop daemon failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	state, err := o.store.GetBrowserState(ctx, sessionID)
	if err != nil {
		return err
	}
	if state != nil && state.StreamPort != nil {
		if err := o.ports.Release(ctx, *state.StreamPort, models.PortKindStream); err != nil {
			logger.Warn("release stream port on force stop failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return o.store.DeleteBrowserState(ctx, sessionID)
}

// CacheFrame memoizes the last frame payload for a session so new
// subscribers are never shown a blank viewer while the daemon warms.
func (o *Orchestrator) CacheFrame(sessionID string, frame []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frameCache[sessionID] = frame
}

// LastFrame returns the last cached frame for a session, or nil.
func (o *Orchestrator) LastFrame(sessionID string) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frameCache[sessionID]
}

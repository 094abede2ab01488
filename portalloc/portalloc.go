// Package portalloc hands out ports within a configured range, guaranteeing
// at-most-one live holder per (port, kind) and surviving restarts by
// rehydrating from the State Store.
package portalloc

import (
	"context"
	"strconv"
	"sync"

	"github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/store"
)

// Allocator serializes port allocation over a single in-memory bitset keyed
// by kind, backed by the store for durability. Scans are O(range), which is
// acceptable at the stream/cdp port counts this subsystem manages.
type Allocator struct {
	mu    sync.Mutex
	lo    int
	hi    int
	store *store.Store
	// busy[kind][port] marks a port held; rebuilt from the store on boot.
	busy map[models.PortKind]map[int]bool
}

// New constructs an Allocator over [lo, hi] and rehydrates busy ports from
// every PortReservation row currently in the store.
func New(ctx context.Context, st *store.Store, lo, hi int) (*Allocator, error) {
	a := &Allocator{
		lo:    lo,
		hi:    hi,
		store: st,
		busy:  make(map[models.PortKind]map[int]bool),
	}

	reservations, err := st.ListAllPortReservations(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range reservations {
		a.markBusyLocked(r.Kind, r.Port)
	}
	return a, nil
}

func (a *Allocator) markBusyLocked(kind models.PortKind, port int) {
	set, ok := a.busy[kind]
	if !ok {
		set = make(map[int]bool)
		a.busy[kind] = set
	}
	set[port] = true
}

// Allocate returns the lowest free port of kind in [lo, hi], persisting the
// reservation. Fails with NoPortsAvailable when the range is exhausted.
func (a *Allocator) Allocate(ctx context.Context, sessionID string, kind models.PortKind) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set := a.busy[kind]
	for port := a.lo; port <= a.hi; port++ {
		if set != nil && set[port] {
			continue
		}
		if err := a.store.InsertPortReservation(ctx, models.PortReservation{
			ID:        sessionID + ":" + string(kind) + ":" + strconv.Itoa(port),
			SessionID: sessionID,
			Port:      port,
			Kind:      kind,
		}); err != nil {
			return 0, err
		}
		a.markBusyLocked(kind, port)
		return port, nil
	}
	return 0, errors.NoPortsAvailable(string(kind))
}

// Release frees a port; idempotent.
func (a *Allocator) Release(ctx context.Context, port int, kind models.PortKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if set, ok := a.busy[kind]; ok {
		delete(set, port)
	}
	return a.store.DeletePortReservation(ctx, port, kind)
}

// Reserve marks an externally-known port busy without assigning it a
// session (startup rehydration of out-of-band reservations).
func (a *Allocator) Reserve(ctx context.Context, port int, kind models.PortKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.markBusyLocked(kind, port)
	return a.store.InsertPortReservation(ctx, models.PortReservation{
		ID:   "reserved:" + string(kind) + ":" + strconv.Itoa(port),
		Port: port,
		Kind: kind,
	})
}

// IsAllocated reports whether a port is currently held.
func (a *Allocator) IsAllocated(port int, kind models.PortKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.busy[kind][port]
}

// Package containermon is the Container Event Monitor: a single
// long-running task that consumes the Sandbox Provider's event stream and
// maps provider actions onto SessionContainer.status, publishing deltas to
// the bus. Reconnects with exponential backoff so a provider hiccup never
// crash-loops the service.
package containermon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/labrun/orchestrator/eventexport"
	"github.com/labrun/orchestrator/logger"
	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/sandbox"
	"github.com/labrun/orchestrator/store"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// Bus is the subset of bus.Bus the monitor publishes through.
type Bus interface {
	PublishDelta(channelName string, params map[string]string, delta interface{})
}

// Monitor runs the event-consumption loop.
type Monitor struct {
	provider sandbox.Provider
	store    *store.Store
	bus      Bus
	export   *eventexport.Exporter // nil when KAFKA_BROKERS is unset
}

// New constructs a Monitor. export may be nil to disable Kafka mirroring.
func New(provider sandbox.Provider, st *store.Store, bus Bus, export *eventexport.Exporter) *Monitor {
	return &Monitor{provider: provider, store: st, bus: bus, export: export}
}

var statusByAction = map[string]models.ContainerStatus{
	"start":   models.ContainerRunning,
	"stop":    models.ContainerStopped,
	"die":     models.ContainerStopped,
	"kill":    models.ContainerStopped,
	"restart": models.ContainerStarting,
	"oom":     models.ContainerError,
}

// Run blocks, consuming events until ctx is cancelled, reconnecting with
// exponential backoff on stream failure.
func (m *Monitor) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		events, errs := m.provider.StreamContainerEvents(ctx, "lab.session")
		streamErr := m.consume(ctx, events, errs)
		if ctx.Err() != nil {
			return
		}
		if streamErr == nil {
			backoff = initialBackoff
			continue
		}

		logger.Warn("container event stream failed, reconnecting", zap.Duration("backoff", backoff), zap.Error(streamErr))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (m *Monitor) consume(ctx context.Context, events <-chan sandbox.ContainerEvent, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			return err
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, ev sandbox.ContainerEvent) {
	status, ok := statusByAction[ev.Action]
	if ev.Action == "health_status" && ev.Attributes["health_status"] == "unhealthy" {
		status, ok = models.ContainerError, true
	}
	if !ok {
		return // other actions carry no status transition and are ignored
	}

	sessionID := ev.Attributes["lab.session"]
	if sessionID == "" {
		return
	}

	container, err := m.store.GetContainerByRuntimeID(ctx, ev.RuntimeID)
	if err != nil {
		logger.Warn("container monitor: lookup failed", zap.String("runtime_id", ev.RuntimeID), zap.Error(err))
		return
	}
	if container == nil {
		return
	}

	if err := m.store.UpdateContainerStatusByRuntimeID(ctx, ev.RuntimeID, status); err != nil {
		logger.Warn("container monitor: update status failed", zap.String("runtime_id", ev.RuntimeID), zap.Error(err))
		return
	}

	container.Status = status
	m.bus.PublishDelta("sessionContainers", map[string]string{"uuid": sessionID}, map[string]interface{}{"type": "update", "container": container})
	m.export.Add(eventexport.Record{SessionID: sessionID, Kind: "container_status", Payload: container})
}

package sessionorch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
	"github.com/labrun/orchestrator/models"
)

// CleanupSession tears a session down: every step is idempotent so a
// crash-recovery sweep may re-run any of them safely.
func (o *Orchestrator) CleanupSession(ctx context.Context, sessionID string) error {
	lock := o.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.store.UpdateSessionStatus(ctx, sessionID, models.SessionDeleting); err != nil {
		logger.Warn("cleanup: mark deleting failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	o.bus.PublishDelta("sessions", nil, map[string]interface{}{"type": "remove", "id": sessionID})

	containers, err := o.store.ListContainersForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.RuntimeID == nil {
			continue
		}
		if err := o.provider.StopContainer(ctx, *c.RuntimeID, 10*time.Second); err != nil {
			logger.Warn("cleanup: stop container failed", zap.String("container_id", c.ID), zap.Error(err))
		}
		if err := o.provider.RemoveContainer(ctx, *c.RuntimeID, true); err != nil {
			logger.Warn("cleanup: remove container failed", zap.String("container_id", c.ID), zap.Error(err))
		}
		if exists, err := o.provider.ContainerExists(ctx, *c.RuntimeID); err != nil {
			logger.Warn("cleanup: verify removal failed", zap.String("container_id", c.ID), zap.Error(err))
		} else if exists {
			logger.Warn("cleanup: container still exists after removal", zap.String("container_id", c.ID))
		}
	}

	if err := o.browser.ForceStop(ctx, sessionID); err != nil {
		logger.Warn("cleanup: force stop browser daemon failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	o.router.UnregisterCluster(sessionID)

	networkName := "lab-" + sessionID
	if err := o.provider.RemoveNetwork(ctx, networkName); err != nil {
		logger.Warn("cleanup: remove network failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	if err := o.store.OrphanVolumesForSession(ctx, sessionID); err != nil {
		logger.Warn("cleanup: orphan volumes failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	return o.store.DeleteSession(ctx, sessionID)
}

package sessionorch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
	"github.com/labrun/orchestrator/models"
)

// ensurePoolReconciler starts a background loop topping up projectID's pool
// to poolSize, idempotently; at most one loop runs per project.
func (o *Orchestrator) ensurePoolReconciler(projectID string) {
	o.poolMu.Lock()
	if o.poolRuns[projectID] {
		o.poolMu.Unlock()
		return
	}
	o.poolRuns[projectID] = true
	o.poolMu.Unlock()

	go o.reconcilePoolLoop(projectID)
}

func (o *Orchestrator) reconcilePoolLoop(projectID string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	o.reconcilePoolOnce(context.Background(), projectID)
	for range ticker.C {
		o.reconcilePoolOnce(context.Background(), projectID)
	}
}

// reconcilePoolOnce creates sessions in status=pooled for projectID until
// poolSize of them exist; surplus pooled sessions are not removed.
func (o *Orchestrator) reconcilePoolOnce(ctx context.Context, projectID string) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		logger.Error("pool reconcile: load project failed", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	if project.PoolSize <= 0 {
		return
	}

	sessions, err := o.store.ListSessions(ctx)
	if err != nil {
		logger.Error("pool reconcile: list sessions failed", zap.Error(err))
		return
	}

	pooledCount := 0
	for _, s := range sessions {
		if s.ProjectID == projectID && s.Status == models.SessionPooled {
			pooledCount++
		}
	}

	for pooledCount < project.PoolSize {
		if err := o.spawnPooledSession(ctx, *project); err != nil {
			logger.Error("pool reconcile: spawn pooled session failed", zap.String("project_id", projectID), zap.Error(err))
			return
		}
		pooledCount++
	}
}

func (o *Orchestrator) spawnPooledSession(ctx context.Context, project models.Project) error {
	if len(project.ContainerDefinitions) == 0 {
		return nil
	}

	now := time.Now()
	sess := models.Session{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    models.SessionPooled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.InsertSession(ctx, sess); err != nil {
		return err
	}

	sessShort := shortID(sess.ID)
	containers := make([]models.SessionContainer, 0, len(project.ContainerDefinitions))
	for _, def := range project.ContainerDefinitions {
		c := models.SessionContainer{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			ContainerID: def.ID,
			Status:      models.ContainerStarting,
			Hostname:    "s-" + sessShort + "-" + shortID(def.ID),
		}
		if err := o.store.InsertContainer(ctx, c); err != nil {
			return err
		}
		containers = append(containers, c)
	}

	go o.initializeCluster(context.Background(), sess, &project, containers)
	return nil
}

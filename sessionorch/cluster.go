package sessionorch

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/sandbox"
)

// initializeCluster brings up a session's container cluster: network,
// volumes, then per-container create/start/attach, then registering every
// container that came up with the proxy in one call. Failures mark only the
// affected container errored; the session shows partial state rather than
// rolling back entirely.
func (o *Orchestrator) initializeCluster(ctx context.Context, sess models.Session, project *models.Project, containers []models.SessionContainer) {
	networkName := fmt.Sprintf("lab-%s", sess.ID)
	if err := o.provider.CreateNetwork(ctx, networkName); err != nil {
		logger.Error("cluster init: create network failed", zap.String("session_id", sess.ID), zap.Error(err))
	}

	for _, vol := range []string{sharedVolumeWorkspaces, sharedVolumeAuth, sharedVolumeBrowser} {
		if err := o.ensureVolume(ctx, vol); err != nil {
			logger.Error("cluster init: ensure volume failed", zap.String("volume", vol), zap.Error(err))
		}
	}

	defByID := lo.KeyBy(project.ContainerDefinitions, func(d models.ContainerDefinition) string { return d.ID })

	specs := make([]models.ClusterContainerSpec, 0, len(containers))
	for i := range containers {
		c := &containers[i]
		def, ok := defByID[c.ContainerID]
		if !ok {
			o.markContainerError(ctx, c, "unknown container definition")
			continue
		}

		runtimeID, ports, err := o.startContainer(ctx, sess, def, *c)
		if err != nil {
			o.markContainerError(ctx, c, err.Error())
			continue
		}

		if err := o.store.UpdateContainerRuntimeID(ctx, c.ID, runtimeID); err != nil {
			logger.Error("cluster init: persist runtime id failed", zap.String("container_id", c.ID), zap.Error(err))
		}

		aliases := lo.Map(def.Ports, func(port int, _ int) string { return fmt.Sprintf("%s--%d", sess.ID, port) })
		if err := o.provider.Disconnect(ctx, runtimeID, "bridge"); err != nil {
			logger.Debug("cluster init: disconnect from default network skipped", zap.String("container_id", c.ID), zap.Error(err))
		}
		if err := o.provider.Connect(ctx, runtimeID, networkName, aliases); err != nil {
			o.markContainerError(ctx, c, err.Error())
			continue
		}

		if err := o.store.UpdateContainerStatus(ctx, c.ID, models.ContainerRunning, nil); err != nil {
			logger.Error("cluster init: update status failed", zap.String("container_id", c.ID), zap.Error(err))
		}
		c.Status = models.ContainerRunning

		specs = append(specs, models.ClusterContainerSpec{
			ContainerID: runtimeID,
			Hostname:    c.Hostname,
			Ports:       ports,
		})

		o.bus.PublishDelta("sessionContainers", map[string]string{"uuid": sess.ID}, map[string]interface{}{"type": "update", "container": c})
	}

	if _, err := o.router.RegisterCluster(sess.ID, networkName, specs); err != nil {
		logger.Error("cluster init: register with router failed", zap.String("session_id", sess.ID), zap.Error(err))
	}

	if sess.Status != models.SessionPooled {
		if err := o.store.UpdateSessionStatus(ctx, sess.ID, models.SessionRunning); err != nil {
			logger.Error("cluster init: update session status failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
		o.bus.PublishDelta("sessions", nil, map[string]interface{}{"type": "update", "session": map[string]interface{}{"id": sess.ID, "status": models.SessionRunning}})
	}

	o.ensurePoolReconciler(project.ID)
}

func (o *Orchestrator) ensureVolume(ctx context.Context, name string) error {
	existing, err := o.store.GetVolume(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return o.store.EnsureVolume(ctx, name, "shared", nil)
	}
	if err := o.provider.CreateVolume(ctx, name); err != nil {
		return err
	}
	return o.store.EnsureVolume(ctx, name, "shared", nil)
}

func (o *Orchestrator) startContainer(ctx context.Context, sess models.Session, def models.ContainerDefinition, c models.SessionContainer) (string, map[int]int, error) {
	env := make([]string, 0, len(def.EnvTemplate))
	for k, v := range def.EnvTemplate {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	spec := sandbox.ContainerSpec{
		Name:       fmt.Sprintf("lab-%s-%s", sess.ID, def.ID),
		Image:      def.Image,
		Labels:     map[string]string{"lab.session": sess.ID, "lab.project": sess.ProjectID, "lab.container": def.ID},
		Env:        env,
		Hostname:   c.Hostname,
		WorkingDir: fmt.Sprintf("/workspaces/%s", sess.ID),
		Mounts: []sandbox.Mount{
			{VolumeName: sharedVolumeWorkspaces, Target: "/workspaces"},
			{VolumeName: sharedVolumeAuth, Target: "/opencode-auth"},
			{VolumeName: sharedVolumeBrowser, Target: "/browser-socket"},
		},
		Ports:   def.Ports,
		Restart: sandbox.RestartPolicy{Name: "on-failure", MaxRetryCount: 3},
	}

	runtimeID, err := o.provider.CreateContainer(ctx, spec)
	if err != nil {
		return "", nil, err
	}
	if err := o.provider.StartContainer(ctx, runtimeID); err != nil {
		return runtimeID, nil, err
	}

	inspect, err := o.provider.Inspect(ctx, runtimeID)
	if err != nil {
		return runtimeID, nil, err
	}
	return runtimeID, inspect.Ports, nil
}

func (o *Orchestrator) markContainerError(ctx context.Context, c *models.SessionContainer, detail string) {
	c.Status = models.ContainerError
	c.ErrorMessage = &detail
	if err := o.store.UpdateContainerStatus(ctx, c.ID, models.ContainerError, &detail); err != nil {
		logger.Error("mark container error: persist failed", zap.String("container_id", c.ID), zap.Error(err))
	}
	o.bus.PublishDelta("sessionContainers", map[string]string{"uuid": c.SessionID}, map[string]interface{}{"type": "update", "container": c})
}

package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/logger"
	"github.com/labrun/orchestrator/utils/recovery"
)

// DockerProvider is the production Sandbox Provider, backed by the Docker
// Engine API. Calls go through a circuit breaker so a wedged daemon
// degrades the orchestrator instead of hanging it; ContainerExists,
// IsConnected and StreamContainerEvents call the client directly.
type DockerProvider struct {
	cli     *client.Client
	breaker *gobreaker.CircuitBreaker
}

// NewDockerProvider dials the local Docker daemon: FromEnv plus API version
// negotiation.
func NewDockerProvider() (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("new docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	retrier := recovery.NewRetrier(&recovery.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Strategy:     recovery.ExponentialBackoff,
		Jitter:       true,
		JitterFactor: 0.2,
	})
	if err := retrier.Do(pingCtx, func() error {
		_, pingErr := cli.Ping(pingCtx)
		return pingErr
	}); err != nil {
		cli.Close()
		return nil, errors.ProviderError("docker_unreachable", err.Error())
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sandbox.docker",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sandbox circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &DockerProvider{cli: cli, breaker: breaker}, nil
}

func (p *DockerProvider) call(fn func() (interface{}, error)) (interface{}, error) {
	result, err := p.breaker.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errors.ProviderError("docker_unavailable", err.Error())
		}
		return nil, err
	}
	return result, nil
}

func toPortSet(ports []int) nat.PortSet {
	set := nat.PortSet{}
	for _, port := range ports {
		set[nat.Port(fmt.Sprintf("%d/tcp", port))] = struct{}{}
	}
	return set
}

func toPortBindings(ports []int) nat.PortMap {
	bindings := nat.PortMap{}
	for _, port := range ports {
		p := nat.Port(fmt.Sprintf("%d/tcp", port))
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}}
	}
	return bindings
}

func toRestartPolicy(rp RestartPolicy) container.RestartPolicy {
	if rp.Name == "" {
		return container.RestartPolicy{}
	}
	return container.RestartPolicy{Name: container.RestartPolicyMode(rp.Name), MaximumRetryCount: rp.MaxRetryCount}
}

func toEnvSlice(env []string) []string {
	if env == nil {
		return []string{}
	}
	return env
}

// CreateContainer creates (but does not start) a container from spec.
func (p *DockerProvider) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	var binds []string
	for _, m := range spec.Mounts {
		binds = append(binds, fmt.Sprintf("%s:%s", m.VolumeName, m.Target))
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Labels:       spec.Labels,
		Env:          toEnvSlice(spec.Env),
		Hostname:     spec.Hostname,
		WorkingDir:   spec.WorkingDir,
		ExposedPorts: toPortSet(spec.Ports),
	}
	hostCfg := &container.HostConfig{
		Binds:         binds,
		PortBindings:  toPortBindings(spec.Ports),
		RestartPolicy: toRestartPolicy(spec.Restart),
	}

	result, err := p.call(func() (interface{}, error) {
		return p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	})
	if err != nil {
		return "", errors.ProviderError("container_create_failed", err.Error())
	}
	resp := result.(container.CreateResponse)
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (p *DockerProvider) StartContainer(ctx context.Context, runtimeID string) error {
	_, err := p.call(func() (interface{}, error) {
		return nil, p.cli.ContainerStart(ctx, runtimeID, container.StartOptions{})
	})
	if err != nil {
		return errors.ProviderError("container_start_failed", err.Error())
	}
	return nil
}

// StopContainer stops a running container, waiting up to timeout for a
// graceful exit before the daemon sends SIGKILL.
func (p *DockerProvider) StopContainer(ctx context.Context, runtimeID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	_, err := p.call(func() (interface{}, error) {
		return nil, p.cli.ContainerStop(ctx, runtimeID, container.StopOptions{Timeout: &secs})
	})
	if err != nil {
		return errors.ProviderError("container_stop_failed", err.Error())
	}
	return nil
}

// RemoveContainer removes a container, optionally force-killing it first.
func (p *DockerProvider) RemoveContainer(ctx context.Context, runtimeID string, force bool) error {
	_, err := p.call(func() (interface{}, error) {
		return nil, p.cli.ContainerRemove(ctx, runtimeID, container.RemoveOptions{Force: force, RemoveVolumes: false})
	})
	if err != nil {
		return errors.ProviderError("container_remove_failed", err.Error())
	}
	return nil
}

// Inspect returns the running state and resolved host port mappings.
func (p *DockerProvider) Inspect(ctx context.Context, runtimeID string) (InspectResult, error) {
	result, err := p.call(func() (interface{}, error) {
		return p.cli.ContainerInspect(ctx, runtimeID)
	})
	if err != nil {
		return InspectResult{}, errors.ProviderError("container_inspect_failed", err.Error())
	}
	inspect := result.(container.InspectResponse)

	ports := map[int]int{}
	if inspect.NetworkSettings != nil {
		for containerPort, bindings := range inspect.NetworkSettings.Ports {
			if len(bindings) == 0 {
				continue
			}
			var hostPort, cport int
			fmt.Sscanf(bindings[0].HostPort, "%d", &hostPort)
			fmt.Sscanf(containerPort.Port(), "%d", &cport)
			ports[cport] = hostPort
		}
	}

	running := inspect.State != nil && inspect.State.Running
	return InspectResult{Running: running, Ports: ports}, nil
}

// ContainerExists reports whether the runtime still knows about the id.
func (p *DockerProvider) ContainerExists(ctx context.Context, runtimeID string) (bool, error) {
	_, err := p.cli.ContainerInspect(ctx, runtimeID)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, errors.ProviderError("container_inspect_failed", err.Error())
}

// CreateNetwork creates a bridge network for a session's container cluster.
func (p *DockerProvider) CreateNetwork(ctx context.Context, name string) error {
	_, err := p.call(func() (interface{}, error) {
		return p.cli.NetworkCreate(ctx, name, networktypes.CreateOptions{Driver: "bridge"})
	})
	if err != nil {
		return errors.ProviderError("network_create_failed", err.Error())
	}
	return nil
}

// RemoveNetwork deletes a session's network.
func (p *DockerProvider) RemoveNetwork(ctx context.Context, name string) error {
	_, err := p.call(func() (interface{}, error) {
		return nil, p.cli.NetworkRemove(ctx, name)
	})
	if err != nil {
		return errors.ProviderError("network_remove_failed", err.Error())
	}
	return nil
}

// Connect attaches a container to a network with the given DNS aliases, so
// the proxy router can resolve it by <sessionId>--<port> hostnames.
func (p *DockerProvider) Connect(ctx context.Context, runtimeID, network string, aliases []string) error {
	_, err := p.call(func() (interface{}, error) {
		return nil, p.cli.NetworkConnect(ctx, network, runtimeID, &networktypes.EndpointSettings{
			Aliases: aliases,
		})
	})
	if err != nil {
		return errors.ProviderError("network_connect_failed", err.Error())
	}
	return nil
}

// Disconnect detaches a container from a network.
func (p *DockerProvider) Disconnect(ctx context.Context, runtimeID, network string) error {
	_, err := p.call(func() (interface{}, error) {
		return nil, p.cli.NetworkDisconnect(ctx, network, runtimeID, true)
	})
	if err != nil {
		return errors.ProviderError("network_disconnect_failed", err.Error())
	}
	return nil
}

// IsConnected reports whether a container currently has an endpoint on
// the named network.
func (p *DockerProvider) IsConnected(ctx context.Context, runtimeID, network string) (bool, error) {
	inspect, err := p.cli.ContainerInspect(ctx, runtimeID)
	if err != nil {
		return false, errors.ProviderError("container_inspect_failed", err.Error())
	}
	if inspect.NetworkSettings == nil {
		return false, nil
	}
	_, ok := inspect.NetworkSettings.Networks[network]
	return ok, nil
}

// CreateVolume creates a named Docker volume.
func (p *DockerProvider) CreateVolume(ctx context.Context, name string) error {
	_, err := p.call(func() (interface{}, error) {
		return p.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	})
	if err != nil {
		return errors.ProviderError("volume_create_failed", err.Error())
	}
	return nil
}

// RemoveVolume removes a named Docker volume.
func (p *DockerProvider) RemoveVolume(ctx context.Context, name string) error {
	_, err := p.call(func() (interface{}, error) {
		return nil, p.cli.VolumeRemove(ctx, name, false)
	})
	if err != nil {
		return errors.ProviderError("volume_remove_failed", err.Error())
	}
	return nil
}

// mapAction reduces the Docker event action vocabulary to the smaller set
// the container monitor maps onto container status transitions.
func mapAction(msg events.Message) string {
	if msg.Action == events.ActionHealthStatusUnhealthy {
		return "health_status"
	}
	return string(msg.Action)
}

// StreamContainerEvents subscribes to the Docker event stream filtered by
// labelFilter (e.g. "lab.session"), translating each message into a
// ContainerEvent. Reconnect-with-backoff is the caller's (containermon's)
// responsibility.
func (p *DockerProvider) StreamContainerEvents(ctx context.Context, labelFilter string) (<-chan ContainerEvent, <-chan error) {
	out := make(chan ContainerEvent, 64)
	errs := make(chan error, 1)

	filterArgs := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("label", labelFilter),
	)
	msgs, errCh := p.cli.Events(ctx, events.ListOptions{Filters: filterArgs})

	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errCh:
				if !ok {
					return
				}
				if err != nil && err != io.EOF {
					errs <- err
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				attrs := msg.Actor.Attributes
				if msg.Action == events.ActionHealthStatusUnhealthy {
					attrs = make(map[string]string, len(msg.Actor.Attributes)+1)
					for k, v := range msg.Actor.Attributes {
						attrs[k] = v
					}
					attrs["health_status"] = "unhealthy"
				}
				out <- ContainerEvent{
					Action:     mapAction(msg),
					RuntimeID:  msg.Actor.ID,
					Attributes: attrs,
				}
			}
		}
	}()

	return out, errs
}

// Close releases the underlying Docker client connection.
func (p *DockerProvider) Close() error {
	return p.cli.Close()
}

var _ Provider = (*DockerProvider)(nil)

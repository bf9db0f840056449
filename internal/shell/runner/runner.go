// Package runner drives the lifecycle of a stack run against the container
// engine: bring services up in plan order behind their readiness gates, take
// them down, and report on them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/upstack-io/upstack/internal/core/envfile"
	"github.com/upstack-io/upstack/internal/core/plan"
	"github.com/upstack-io/upstack/internal/core/probe"
	"github.com/upstack-io/upstack/internal/core/run"
	"github.com/upstack-io/upstack/internal/core/stack"
	"github.com/upstack-io/upstack/internal/shell/docker"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrGateFailed    = errors.New("readiness gate failed")
	ErrImageRequired = errors.New("service image not available")
)

// =============================================================================
// Runner
// =============================================================================

// Runner manages the lifecycle of stack runs using the container engine.
type Runner struct {
	docker      docker.Client
	logger      *slog.Logger
	workDir     string // Directory the descriptor was loaded from
	stopTimeout time.Duration
}

// NewRunner creates a new runner. workDir is the directory relative paths in
// the descriptor (env files, bind mounts) resolve against.
func NewRunner(dockerClient docker.Client, logger *slog.Logger, workDir string) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if workDir == "" {
		workDir = "."
	}
	return &Runner{
		docker:      dockerClient,
		logger:      logger,
		workDir:     workDir,
		stopTimeout: 10 * time.Second,
	}
}

// =============================================================================
// Up
// =============================================================================

// Up brings a stack up: network, named volumes, images, then one container
// per plan step. A step whose gates do not clear is never started; the run
// transitions to failed with the gate failure recorded, and resources created
// so far are torn down.
func (rn *Runner) Up(ctx context.Context, st *stack.Stack, startPlan *plan.StartPlan, r *run.Run) error {
	rn.logger.Info("starting run",
		"run_id", r.ID,
		"stack", r.StackName,
		"services", len(startPlan.Steps),
	)

	if err := r.Transition(run.StatusStarting); err != nil {
		return err
	}

	networkName := NetworkName(r.ID)
	networkID, err := rn.createRunNetwork(r.ID, networkName)
	if err != nil {
		return rn.failRun(r, fmt.Errorf("create network: %w", err))
	}
	rn.logger.Debug("created network", "network", networkName)

	for _, vol := range st.Volumes {
		if vol.External {
			continue
		}
		volumeName := VolumeName(r.ID, vol.Name)
		if err := rn.createRunVolume(r.ID, volumeName); err != nil {
			_ = rn.docker.RemoveNetwork(networkID)
			return rn.failRun(r, fmt.Errorf("create volume %s: %w", vol.Name, err))
		}
		rn.logger.Debug("created volume", "volume", volumeName)
	}

	if err := rn.ensureImages(st); err != nil {
		_ = rn.docker.RemoveNetwork(networkID)
		return rn.failRun(r, err)
	}

	started := make(map[string]string) // service name -> container ID

	for _, step := range startPlan.Steps {
		svc := step.Service

		// Gates clear before the container is even created: a dependent of
		// an unhealthy service must never start.
		for _, gate := range step.Gates {
			depID, ok := started[gate.Service]
			if !ok {
				rn.teardown(r.ID, started, networkID, st)
				return rn.failRun(r, fmt.Errorf("service %s: dependency %s was not started", svc.Name, gate.Service))
			}
			if err := rn.waitForGate(ctx, gate, depID); err != nil {
				r.SetService(run.ServiceState{Name: svc.Name, Error: err.Error()})
				rn.teardown(r.ID, started, networkID, st)
				return rn.failRun(r, fmt.Errorf("service %s: %w", svc.Name, err))
			}
		}

		containerID, err := rn.startService(ctx, r, svc, networkName)
		if err != nil {
			r.SetService(run.ServiceState{Name: svc.Name, Error: err.Error()})
			rn.teardown(r.ID, started, networkID, st)
			return rn.failRun(r, fmt.Errorf("service %s: %w", svc.Name, err))
		}
		started[svc.Name] = containerID

		info, err := rn.docker.InspectContainer(containerID)
		if err != nil {
			rn.teardown(r.ID, started, networkID, st)
			return rn.failRun(r, fmt.Errorf("inspect %s: %w", svc.Name, err))
		}
		r.SetService(serviceState(svc.Name, info))
		rn.logger.Info("service started", "run_id", r.ID, "service", svc.Name, "container_id", shortID(containerID))
	}

	if err := r.Transition(run.StatusRunning); err != nil {
		return err
	}

	rn.logger.Info("run started", "run_id", r.ID, "services", len(started))
	return nil
}

// startService creates and starts the container for one service.
func (rn *Runner) startService(ctx context.Context, r *run.Run, svc stack.Service, networkName string) (string, error) {
	spec, err := rn.buildContainerSpec(r, svc, networkName)
	if err != nil {
		return "", err
	}

	containerID, err := rn.docker.CreateContainer(spec)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	rn.logger.Debug("created container", "service", svc.Name, "container_id", shortID(containerID))

	if err := rn.docker.StartContainer(containerID); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return containerID, nil
}

// ensureImages makes every service image available locally. Services that
// declare a build context must have been built under the local tag already;
// the runner does not build.
func (rn *Runner) ensureImages(st *stack.Stack) error {
	for _, svc := range st.Services {
		img := serviceImage(st.Name, svc)

		exists, _ := rn.docker.ImageExists(img)
		if exists {
			continue
		}

		if svc.Image == "" {
			return fmt.Errorf("%w: service %s builds from %s, expected local image %s",
				ErrImageRequired, svc.Name, svc.Build.Context, img)
		}

		rn.logger.Info("pulling image", "image", img)
		if err := rn.docker.PullImage(img, docker.PullOptions{}); err != nil {
			return fmt.Errorf("pull image %s: %w", img, err)
		}
	}
	return nil
}

// =============================================================================
// Readiness Gates
// =============================================================================

// waitForGate blocks until the dependency reaches the gated condition.
//
// service_healthy and service_completed_successfully are bounded by the
// dependency's probe policy budget: the engine runs the probe itself, and
// the gate observes the reported state until the condition is met, the
// dependency fails, or the budget runs out.
func (rn *Runner) waitForGate(ctx context.Context, gate plan.Gate, containerID string) error {
	switch gate.Condition {
	case stack.ConditionHealthy:
		return rn.waitHealthy(ctx, gate, containerID)
	case stack.ConditionCompleted:
		return rn.waitCompleted(ctx, gate, containerID)
	default: // service_started
		info, err := rn.docker.InspectContainer(containerID)
		if err != nil {
			return err
		}
		if info.Status != docker.ContainerStatusRunning {
			return fmt.Errorf("%w: %s is %s, expected running", ErrGateFailed, gate.Service, info.Status)
		}
		return nil
	}
}

func (rn *Runner) waitHealthy(ctx context.Context, gate plan.Gate, containerID string) error {
	policy := gate.Policy
	deadline := time.Now().Add(policy.Budget())

	if policy.StartPeriod > 0 {
		if err := sleepCtx(ctx, policy.StartPeriod); err != nil {
			return err
		}
	}

	attempts := 0
	for {
		info, err := rn.docker.InspectContainer(containerID)
		if err != nil {
			return err
		}
		attempts++

		if info.Health == "" {
			// No probe on the dependency. Lint flags this; the gate degrades
			// to service_started rather than waiting forever.
			if info.Status == docker.ContainerStatusRunning {
				rn.logger.Warn("healthy gate on service without probe, treating as started", "service", gate.Service)
				return nil
			}
			return fmt.Errorf("%w: %s has no probe and is %s", ErrGateFailed, gate.Service, info.Status)
		}

		// The engine reports the probe outcome; the gate judges it against
		// the policy so an exhausted failure streak fails fast even while
		// the engine still says "starting".
		switch probe.Evaluate(policy, info.HealthStreak, info.Health == docker.HealthHealthy) {
		case probe.HealthHealthy:
			rn.logger.Debug("gate cleared", "service", gate.Service, "attempts", attempts)
			return nil
		case probe.HealthUnhealthy:
			return fmt.Errorf("%w: %s is unhealthy after %d consecutive probe failures", ErrGateFailed, gate.Service, info.HealthStreak)
		}
		if info.Health == docker.HealthUnhealthy {
			return fmt.Errorf("%w: %s is unhealthy after %d observations", ErrGateFailed, gate.Service, attempts)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s still %s after %s (retries=%d, interval=%s, timeout=%s)",
				ErrGateFailed, gate.Service, info.Health, policy.Budget(), policy.Retries, policy.Interval, policy.Timeout)
		}
		if err := sleepCtx(ctx, policy.Interval); err != nil {
			return err
		}
	}
}

func (rn *Runner) waitCompleted(ctx context.Context, gate plan.Gate, containerID string) error {
	policy := gate.Policy
	if policy.Budget() <= 0 {
		policy = probe.DefaultPolicy()
	}
	deadline := time.Now().Add(policy.Budget())

	for {
		info, err := rn.docker.InspectContainer(containerID)
		if err != nil {
			return err
		}
		if info.Status == docker.ContainerStatusExited {
			if info.ExitCode != 0 {
				return fmt.Errorf("%w: %s exited with code %d", ErrGateFailed, gate.Service, info.ExitCode)
			}
			return nil
		}
		if info.Status == docker.ContainerStatusDead {
			return fmt.Errorf("%w: %s is dead", ErrGateFailed, gate.Service)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s still %s after %s, expected it to exit",
				ErrGateFailed, gate.Service, info.Status, policy.Budget())
		}
		if err := sleepCtx(ctx, policy.Interval); err != nil {
			return err
		}
	}
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// Down
// =============================================================================

// Down stops and removes a run's containers, network and named volumes.
// st may be nil when the descriptor is no longer at hand; named volumes are
// then left in place.
func (rn *Runner) Down(ctx context.Context, r *run.Run, st *stack.Stack) error {
	rn.logger.Info("stopping run", "run_id", r.ID)

	if err := r.Transition(run.StatusStopping); err != nil {
		return err
	}

	containers, err := rn.docker.ListContainers(docker.ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", docker.LabelRun, r.ID)},
	})
	if err != nil {
		return rn.failRun(r, fmt.Errorf("list containers: %w", err))
	}

	timeout := rn.stopTimeout
	for _, c := range containers {
		if c.Status == docker.ContainerStatusRunning {
			if err := rn.docker.StopContainer(c.ID, &timeout); err != nil {
				rn.logger.Warn("failed to stop container", "container_id", shortID(c.ID), "error", err)
			}
		}
		if err := rn.docker.RemoveContainer(c.ID, docker.RemoveOptions{Force: true}); err != nil {
			rn.logger.Warn("failed to remove container", "container_id", shortID(c.ID), "error", err)
		}
	}

	networkName := NetworkName(r.ID)
	if err := rn.docker.RemoveNetwork(networkName); err != nil && !errors.Is(err, docker.ErrNetworkNotFound) {
		rn.logger.Warn("failed to remove network", "network", networkName, "error", err)
	}

	if st != nil {
		for _, vol := range st.Volumes {
			if vol.External {
				continue
			}
			volumeName := VolumeName(r.ID, vol.Name)
			if err := rn.docker.RemoveVolume(volumeName, false); err != nil && !errors.Is(err, docker.ErrVolumeNotFound) {
				rn.logger.Warn("failed to remove volume", "volume", volumeName, "error", err)
			}
		}
	}

	if err := r.Transition(run.StatusStopped); err != nil {
		return err
	}

	rn.logger.Info("run stopped", "run_id", r.ID, "containers", len(containers))
	return nil
}

// =============================================================================
// Ps / Logs
// =============================================================================

// Ps returns the observed state of every container in a run.
func (rn *Runner) Ps(ctx context.Context, runID string) ([]run.ServiceState, error) {
	containers, err := rn.docker.ListContainers(docker.ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", docker.LabelRun, runID)},
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	states := make([]run.ServiceState, 0, len(containers))
	for _, c := range containers {
		info, err := rn.docker.InspectContainer(c.ID)
		if err != nil {
			states = append(states, run.ServiceState{
				Name:        c.Labels[docker.LabelService],
				ContainerID: c.ID,
				Status:      string(c.Status),
				Error:       err.Error(),
			})
			continue
		}
		states = append(states, serviceState(c.Labels[docker.LabelService], info))
	}
	return states, nil
}

// Logs returns up to tail lines of a container's logs.
func (rn *Runner) Logs(ctx context.Context, containerID, tail string) (string, error) {
	reader, err := rn.docker.ContainerLogs(containerID, docker.LogOptions{
		Tail:       tail,
		Timestamps: true,
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	buf := make([]byte, 64*1024)
	n, _ := reader.Read(buf)
	return string(buf[:n]), nil
}

// =============================================================================
// Container Spec Construction
// =============================================================================

// buildContainerSpec maps one descriptor service onto an engine container
// spec: resolved environment, run-scoped naming and labels, port bindings,
// mounts, and the health probe rendered against the resolved environment.
func (rn *Runner) buildContainerSpec(r *run.Run, svc stack.Service, networkName string) (docker.ContainerSpec, error) {
	env, err := rn.resolveEnvironment(svc)
	if err != nil {
		return docker.ContainerSpec{}, err
	}

	spec := docker.ContainerSpec{
		Name:       ContainerName(r.ID, svc.Name),
		Image:      serviceImage(r.StackName, svc),
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        env,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelRun:     r.ID,
			docker.LabelStack:   r.StackName,
			docker.LabelService: svc.Name,
		},
		Networks: []string{networkName},
		Aliases:  map[string][]string{networkName: {svc.Name}},
	}

	for k, v := range svc.Labels {
		spec.Labels[k] = v
	}

	for _, p := range svc.Ports {
		spec.Ports = append(spec.Ports, docker.PortBinding{
			ContainerPort: int(p.Target),
			HostPort:      int(p.Published),
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, v := range svc.Volumes {
		source := v.Source
		switch v.Type {
		case stack.VolumeMountTypeVolume:
			source = VolumeName(r.ID, v.Source)
		case stack.VolumeMountTypeBind:
			// The engine requires absolute bind sources
			if !filepath.IsAbs(source) {
				abs, err := filepath.Abs(filepath.Join(rn.workDir, source))
				if err != nil {
					return docker.ContainerSpec{}, fmt.Errorf("resolve bind mount %s: %w", v.Source, err)
				}
				source = abs
			}
		}
		spec.Mounts = append(spec.Mounts, docker.Mount{
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	switch svc.Restart {
	case stack.RestartAlways, stack.RestartOnFailure, stack.RestartUnlessStopped:
		spec.Restart = docker.RestartPolicy{Name: string(svc.Restart)}
	default:
		spec.Restart = docker.RestartPolicy{Name: "no"}
	}

	if svc.HealthCheck != nil {
		hc, err := renderHealthCheck(svc.HealthCheck, env)
		if err != nil {
			return docker.ContainerSpec{}, fmt.Errorf("health check for %s: %w", svc.Name, err)
		}
		spec.HealthCheck = hc
	}

	return spec, nil
}

// renderHealthCheck turns a descriptor health check into an engine health
// config, interpolating credential placeholders from the resolved environment
// so that e.g. `mysqladmin ping -h localhost -u ${MYSQL_USER}` reaches the
// engine fully rendered.
func renderHealthCheck(hc *stack.HealthCheck, env map[string]string) (*docker.HealthConfig, error) {
	policy := probe.PolicyFrom(hc)

	argv, err := probe.Render(hc.Test, env)
	if err != nil {
		if errors.Is(err, probe.ErrTestDisabled) {
			return &docker.HealthConfig{Test: []string{"NONE"}}, nil
		}
		return nil, err
	}

	return &docker.HealthConfig{
		Test:        append([]string{"CMD"}, argv...),
		Interval:    policy.Interval,
		Timeout:     policy.Timeout,
		Retries:     policy.Retries,
		StartPeriod: policy.StartPeriod,
	}, nil
}

// resolveEnvironment computes a service's effective environment: env files in
// declaration order, overridden by inline environment.
func (rn *Runner) resolveEnvironment(svc stack.Service) (map[string]string, error) {
	fromFiles := make(map[string]string)
	for _, path := range svc.EnvFiles {
		full := path
		if !filepath.IsAbs(full) {
			full = filepath.Join(rn.workDir, path)
		}
		content, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		vars, err := envfile.Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", path, err)
		}
		for k, v := range vars {
			fromFiles[k] = v
		}
	}
	return envfile.Resolve(svc.Environment, fromFiles), nil
}

// =============================================================================
// Helpers
// =============================================================================

// serviceImage returns the image a service runs: its declared image, or the
// local tag for build-context services.
func serviceImage(stackName string, svc stack.Service) string {
	if svc.Image != "" {
		return svc.Image
	}
	return LocalImageName(stackName, svc.Name)
}

func (rn *Runner) createRunNetwork(runID, networkName string) (string, error) {
	networkID, err := rn.docker.CreateNetwork(docker.NetworkSpec{
		Name:   networkName,
		Driver: "bridge",
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelRun:     runID,
		},
	})
	if err != nil {
		if errors.Is(err, docker.ErrNetworkAlreadyExists) {
			rn.logger.Debug("network already exists, reusing", "network", networkName)
			return networkName, nil
		}
		return "", err
	}
	return networkID, nil
}

func (rn *Runner) createRunVolume(runID, volumeName string) error {
	_, err := rn.docker.CreateVolume(docker.VolumeSpec{
		Name: volumeName,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelRun:     runID,
		},
	})
	return err
}

// teardown removes everything created so far after a failed Up.
func (rn *Runner) teardown(runID string, containers map[string]string, networkID string, st *stack.Stack) {
	timeout := 5 * time.Second
	for name, id := range containers {
		_ = rn.docker.StopContainer(id, &timeout)
		_ = rn.docker.RemoveContainer(id, docker.RemoveOptions{Force: true})
		rn.logger.Debug("cleaned up container", "service", name, "container_id", shortID(id))
	}
	for _, vol := range st.Volumes {
		if vol.External {
			continue
		}
		_ = rn.docker.RemoveVolume(VolumeName(runID, vol.Name), false)
	}
	_ = rn.docker.RemoveNetwork(networkID)
}

// failRun records a failure on the run and returns the cause.
func (rn *Runner) failRun(r *run.Run, cause error) error {
	rn.logger.Error("run failed", "run_id", r.ID, "error", cause)
	if err := r.Fail(cause.Error()); err != nil {
		rn.logger.Warn("could not record run failure", "run_id", r.ID, "error", err)
	}
	return cause
}

// serviceState maps inspect output to run service state.
func serviceState(name string, info *docker.ContainerInfo) run.ServiceState {
	return run.ServiceState{
		Name:        name,
		ContainerID: info.ID,
		Status:      string(info.Status),
		Health:      probe.Health(info.Health),
		ExitCode:    info.ExitCode,
	}
}

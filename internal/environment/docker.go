package environment

import (
	"ciengine/internal/step/types"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	managedByLabel = "managed-by"
	managedBy      = "ciengine"
	workspaceMount = "/workspace"
)

// DockerShell runs each command in a fresh container with the workspace
// bind-mounted at /workspace.
type DockerShell struct {
	client       *client.Client
	defaultImage string
	cpus         float64
	memoryMB     int
	network      string
	extraHosts   []string
	state        *containerRepo
	logger       *slog.Logger
}

// NewDockerShell connects to the daemon from the environment and removes
// step containers left over by a previous engine process.
func NewDockerShell(ctx context.Context, cfg Config) (*DockerShell, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	s := &DockerShell{
		client:       dockerClient,
		defaultImage: cfg.DefaultImage,
		cpus:         cfg.CPUs,
		memoryMB:     cfg.MemoryMB,
		network:      cfg.Network,
		extraHosts:   cfg.ExtraHosts,
		state:        newContainerRepo(),
		logger:       slog.With("component", "docker"),
	}

	if err := s.reconcile(ctx); err != nil {
		s.logger.Warn("Failed to remove leftover containers", "error", err)
	}
	return s, nil
}

// reconcile removes containers of steps that were running when a previous
// engine process died. Their runs are already lost.
func (s *DockerShell) reconcile(ctx context.Context) error {
	containers, err := s.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel+"="+managedBy)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		s.removeContainer(ctx, c.ID)
	}
	if len(containers) > 0 {
		s.logger.Info("Removed leftover step containers", "count", len(containers))
	}
	return nil
}

// Exec runs cmd in a container and streams its output to cmd.Stdout and
// cmd.Stderr. The container is removed afterwards, also on cancellation.
func (s *DockerShell) Exec(ctx context.Context, cmd types.Command) (int, error) {
	img := cmd.Image
	if img == "" {
		img = s.defaultImage
	}
	if img == "" {
		return -1, fmt.Errorf("no image for containerized step and no default image configured")
	}
	if err := s.pullImageIfNeeded(ctx, img); err != nil {
		return -1, fmt.Errorf("failed to pull image %s: %w", img, err)
	}

	name := "ciengine-step-" + uuid.NewString()
	if err := s.state.reserve(name); err != nil {
		return -1, err
	}
	logger := s.logger.With("container", name, "image", img)

	id, err := s.createContainer(ctx, name, img, cmd)
	if err != nil {
		s.state.release(name)
		return -1, fmt.Errorf("failed to create container: %w", err)
	}
	s.state.commit(name, id)
	defer func() {
		s.state.release(name)
		s.removeContainer(context.WithoutCancel(ctx), id)
	}()

	if err := s.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start container: %w", err)
	}
	logger.Debug("Step container started")

	var logsDone sync.WaitGroup
	logsDone.Add(1)
	go func() {
		defer logsDone.Done()
		s.copyLogs(ctx, logger, id, cmd.Stdout, cmd.Stderr)
	}()

	exitCode, err := s.waitForExit(ctx, id)
	if err != nil {
		// ends the log stream of a container still running
		s.removeContainer(context.WithoutCancel(ctx), id)
	}
	logsDone.Wait()
	if err != nil {
		return -1, err
	}
	return exitCode, nil
}

func (s *DockerShell) createContainer(ctx context.Context, name, img string, cmd types.Command) (string, error) {
	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, cmd.Env[k]))
	}

	containerConfig := &container.Config{
		Image:      img,
		Cmd:        []string{"/bin/sh", "-c", cmd.Script},
		Env:        env,
		WorkingDir: path.Join(workspaceMount, cmd.Dir),
		Labels: map[string]string{
			managedByLabel: managedBy,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: cmd.Workspace,
				Target: workspaceMount,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(s.cpus * 1e9),
			Memory:   int64(s.memoryMB) * 1024 * 1024,
		},
		ExtraHosts: s.extraHosts,
	}
	if s.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(s.network)
	}

	resp, err := s.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// copyLogs demultiplexes the container's output streams until it exits.
func (s *DockerShell) copyLogs(ctx context.Context, logger *slog.Logger, id string, stdout, stderr io.Writer) {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	logs, err := s.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && ctx.Err() == nil {
		logger.Debug("Log stream ended", "error", err)
	}
}

func (s *DockerShell) waitForExit(ctx context.Context, id string) (int, error) {
	statusCh, errCh := s.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (s *DockerShell) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := s.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	s.logger.Info("Pulling image", "image", imageName)
	reader, err := s.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (s *DockerShell) removeContainer(ctx context.Context, id string) {
	if id == "" {
		return
	}
	stopTimeout := 5
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_ = s.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &stopTimeout})
	_ = s.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// Running returns the number of live step containers.
func (s *DockerShell) Running() int { return s.state.len() }

// Ready checks if the Docker daemon is reachable and responsive.
func (s *DockerShell) Ready(ctx context.Context) error {
	_, err := s.client.Ping(ctx)
	return err
}

// Close removes live step containers and closes the client.
func (s *DockerShell) Close() error {
	ctx := context.Background()
	for name, id := range s.state.list() {
		s.state.release(name)
		s.removeContainer(ctx, id)
	}
	return s.client.Close()
}

var _ types.Shell = (*DockerShell)(nil)

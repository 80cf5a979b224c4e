package environment

import (
	"ciengine/internal/config"
	"ciengine/internal/step/types"
	"context"
	"fmt"
	"time"
)

// Executor kinds
const (
	ExecutorLocal  = "local"
	ExecutorDocker = "docker"
)

// Config holds configuration for step execution environments.
type Config struct {
	Executor       string   // local (default) or docker
	InheritEnv     bool     // local: pass the engine's environment to steps
	DefaultImage   string   // docker: image for steps that name none
	CPUs           float64  // docker: CPU limit per step container, 0 is unlimited
	MemoryMB       int      // docker: memory limit per step container, 0 is unlimited
	Network        string   // docker: network mode
	ExtraHosts     []string // docker: extra /etc/hosts entries
	SSHDialTimeout time.Duration
	// SSHRequireHostKey refuses file transfer targets without a hostKey.
	SSHRequireHostKey bool
}

// LoadConfigFromEnv loads environment configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Executor:       config.GetEnv("EXECUTOR", ExecutorLocal),
		InheritEnv:     config.GetBoolEnv("EXECUTOR_INHERIT_ENV", false),
		DefaultImage:   config.GetEnv("STEP_DEFAULT_IMAGE", "alpine:3.20"),
		CPUs:           float64(config.GetIntEnv("STEP_CPUS", 0)),
		MemoryMB:       config.GetIntEnv("STEP_MEMORY_MB", 0),
		Network:        config.GetEnv("STEP_NETWORK", ""),
		ExtraHosts:     config.GetListEnv("EXTRA_HOSTS"),
		SSHDialTimeout: config.GetDurationEnv("SSH_DIAL_TIMEOUT", 30*time.Second),

		SSHRequireHostKey: config.GetBoolEnv("SSH_REQUIRE_HOST_KEY", false),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Executor == "" {
		c.Executor = ExecutorLocal
	}
	if c.SSHDialTimeout <= 0 {
		c.SSHDialTimeout = 30 * time.Second
	}
	return c
}

// Runtime bundles the shell and remote transport steps run against.
type Runtime struct {
	Shell  types.Shell
	Remote types.Remote
	docker *DockerShell
}

// New builds the configured runtime.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()
	rt := &Runtime{Remote: NewSSHRemote(cfg.SSHDialTimeout, cfg.SSHRequireHostKey)}

	switch cfg.Executor {
	case ExecutorLocal:
		rt.Shell = NewLocalShell(cfg.InheritEnv)
	case ExecutorDocker:
		d, err := NewDockerShell(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rt.Shell = d
		rt.docker = d
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
	return rt, nil
}

// UsesDocker reports whether steps run in containers.
func (r *Runtime) UsesDocker() bool { return r.docker != nil }

// Ready checks the container runtime; a local runtime is always ready.
func (r *Runtime) Ready(ctx context.Context) error {
	if r.docker == nil {
		return nil
	}
	return r.docker.Ready(ctx)
}

// Close releases the container runtime.
func (r *Runtime) Close() error {
	if r.docker == nil {
		return nil
	}
	return r.docker.Close()
}

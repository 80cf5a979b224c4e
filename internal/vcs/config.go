package vcs

import (
	"ciengine/internal/config"
	"time"
)

// Config holds configuration for the repository poller.
type Config struct {
	RepoPath     string        // local clone; empty disables polling
	Remote       string        // remote to fetch before each poll; empty polls local branches
	PollInterval time.Duration // default 30s
	MaxCommits   int           // commits reported per branch and poll, default 50
	Root         string        // root name stamped on changes; empty is the default root
}

// LoadConfigFromEnv loads VCS configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		RepoPath:     config.GetEnv("VCS_REPO_PATH", ""),
		Remote:       config.GetEnv("VCS_REMOTE", ""),
		PollInterval: config.GetDurationEnv("VCS_POLL_INTERVAL", 30*time.Second),
		MaxCommits:   config.GetIntEnv("VCS_MAX_COMMITS", 50),
		Root:         config.GetEnv("VCS_ROOT", ""),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MaxCommits <= 0 {
		c.MaxCommits = 50
	}
	return c
}

// Enabled reports whether a repository is configured.
func (c Config) Enabled() bool { return c.RepoPath != "" }

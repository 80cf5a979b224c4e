// Package config provides configuration loading from environment variables.
package config

import (
	"path/filepath"
	"time"
)

// ServiceConfig holds configuration for the ciengine service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	ShutdownRunWait   time.Duration // Time to let running builds finish before they are aborted

	DefinitionsPath string // YAML file or directory of build definitions
	WorkspaceRoot   string // Per-run workspaces are created below this directory

	LockTimeout         time.Duration // Bounded wait for resource locks
	DependencyWait      time.Duration // Bounded wait for upstream runs
	BatchWindow         time.Duration // Default committer batching window
	RunRetention        time.Duration // How long terminal runs and their artifacts are kept
	MaintenanceInterval time.Duration // How often retention cleanup runs

	Executor string // "local" or "docker"
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:                GetEnv("PORT", "8080"),
		MetricsPort:         GetEnv("METRICS_PORT", "9090"),
		APIKey:              GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait:   GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		ShutdownRunWait:     GetDurationEnv("SHUTDOWN_RUN_WAIT", 30*time.Second),
		DefinitionsPath:     GetEnv("DEFINITIONS_PATH", "pipelines"),
		WorkspaceRoot:       GetEnv("WORKSPACE_ROOT", filepath.Join(".ciengine", "workspaces")),
		LockTimeout:         GetDurationEnv("LOCK_TIMEOUT", 30*time.Minute),
		DependencyWait:      GetDurationEnv("DEPENDENCY_WAIT", 2*time.Hour),
		BatchWindow:         GetDurationEnv("BATCH_WINDOW", 60*time.Second),
		RunRetention:        GetDurationEnv("RUN_RETENTION", 7*24*time.Hour),
		MaintenanceInterval: GetDurationEnv("MAINTENANCE_INTERVAL", 10*time.Minute),
		Executor:            GetEnv("EXECUTOR", "local"),
	}
}

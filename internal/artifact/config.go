package artifact

import (
	"ciengine/internal/config"
	"context"
	"fmt"
	"path/filepath"
)

// Config selects and configures the artifact backend.
type Config struct {
	Backend  string // "fs" (default) or "s3"
	Root     string // fs: root directory
	Bucket   string // s3: bucket name
	Prefix   string // s3: key prefix
	Region   string // s3: AWS region, empty uses the default chain
	Endpoint string // s3: custom endpoint (MinIO, LocalStack)
}

// LoadConfigFromEnv loads artifact configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Backend:  config.GetEnv("ARTIFACT_BACKEND", "fs"),
		Root:     config.GetEnv("ARTIFACT_ROOT", ""),
		Bucket:   config.GetEnv("ARTIFACT_S3_BUCKET", ""),
		Prefix:   config.GetEnv("ARTIFACT_S3_PREFIX", "artifacts"),
		Region:   config.GetEnv("AWS_REGION", ""),
		Endpoint: config.GetEnv("AWS_ENDPOINT_URL", ""),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = "fs"
	}
	if c.Root == "" {
		c.Root = filepath.Join(".ciengine", "artifacts")
	}
	return c
}

// NewBackend builds the configured backend.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case "fs":
		return NewFSBackend(cfg.Root)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for the s3 artifact backend")
		}
		return NewS3BackendFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

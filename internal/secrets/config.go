package secrets

import (
	"ciengine/internal/config"
	"context"
)

// Config selects the providers registered with the resolver.
type Config struct {
	FileRoot   string // confines file: references; empty allows any path
	AWSEnabled bool
	Region     string
	Endpoint   string
}

// LoadConfigFromEnv loads secrets configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		FileRoot:   config.GetEnv("SECRETS_FILE_ROOT", ""),
		AWSEnabled: config.GetBoolEnv("SECRETS_AWS_ENABLED", false),
		Region:     config.GetEnv("AWS_REGION", ""),
		Endpoint:   config.GetEnv("AWS_ENDPOINT_URL", ""),
	}
}

// New builds a resolver with env: and file: always registered and aws:
// when enabled.
func New(ctx context.Context, cfg Config) (*Resolver, error) {
	providers := []Provider{NewEnvProvider(), NewFileProvider(cfg.FileRoot)}
	if cfg.AWSEnabled {
		p, err := NewAWSProviderFromConfig(ctx, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return NewResolver(providers...), nil
}

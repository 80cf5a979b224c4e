package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvProvider reads environment variables of the engine process.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider returns a provider over os.LookupEnv.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, key string) (string, error) {
	value, ok := p.lookup(key)
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// FileProvider reads secret files, as mounted by Docker or Kubernetes.
// A non-empty root confines references to that directory.
type FileProvider struct {
	root string
}

// NewFileProvider creates a file provider confined to root (empty: any path).
func NewFileProvider(root string) *FileProvider {
	return &FileProvider{root: root}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, key string) (string, error) {
	path := filepath.Clean(key)
	if p.root != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(p.root, path)
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside %s", key, p.root)
		}
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

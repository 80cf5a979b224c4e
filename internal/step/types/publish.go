package types

import (
	"ciengine/internal/artifact"
	"ciengine/pkg/backoff"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

const defaultUploadRetries = 3

// Publish runs a build command that must leave a non-empty output directory,
// and optionally uploads that directory as a tar.gz.
type Publish struct {
	Base       `yaml:",inline"`
	Command    string            `yaml:"command" json:"command"`
	Output     string            `yaml:"output" json:"output"`
	UploadURL  string            `yaml:"uploadUrl,omitempty" json:"uploadUrl,omitempty"`
	MaxRetries int               `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Secrets    map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

func (p *Publish) StepType() string { return "publish" }

func (p *Publish) Expand(params map[string]string) Step {
	c := *p
	c.Command = ExpandParams(p.Command, params)
	c.Output = ExpandParams(p.Output, params)
	c.UploadURL = ExpandParams(p.UploadURL, params)
	c.Env = expandValues(p.Env, params)
	return &c
}

func (p *Publish) Validate(field string) error {
	if err := required(field+".command", p.Command); err != nil {
		return err
	}
	if err := required(field+".output", p.Output); err != nil {
		return err
	}
	if err := relativePath(field+".output", p.Output); err != nil {
		return err
	}
	return secretNames(field, p.Secrets)
}

// Run builds, checks the output directory and uploads it when configured.
func (p *Publish) Run(ctx context.Context, env *Env) *Result {
	vars, err := env.commandEnv(ctx, p.Env, p.Secrets)
	if err != nil {
		return failed(-1, err)
	}

	code, err := env.exec(ctx, p.Command, "", "", vars)
	if err != nil {
		return failed(code, err)
	}
	if code != 0 {
		return failed(code, exitError("publish command", code))
	}

	outDir := filepath.Join(env.Workspace, filepath.FromSlash(p.Output))
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return failed(0, fmt.Errorf("output directory %s not found: %w", p.Output, err))
	}
	if len(entries) == 0 {
		return failed(0, fmt.Errorf("output directory %s is empty", p.Output))
	}

	if p.UploadURL != "" {
		if err := p.upload(ctx, env, outDir); err != nil {
			return failed(0, err)
		}
		fmt.Fprintf(env.logWriter(), "uploaded %s\n", p.Output)
	}
	return succeeded()
}

func (p *Publish) upload(ctx context.Context, env *Env, outDir string) error {
	tmp, err := os.CreateTemp("", "ciengine-publish-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := artifact.PackDir(tmp, outDir); err != nil {
		return fmt.Errorf("failed to pack %s: %w", p.Output, err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	client := env.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	retries := p.MaxRetries
	if retries <= 0 {
		retries = defaultUploadRetries
	}

	attempt := 0
	err = backoff.Retry(ctx, retries, nil, func(err error) bool {
		var se *statusError
		return !errors.As(err, &se) || se.statusCode >= 500
	}, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			slog.Debug("Retrying upload", "attempt", attempt, "step", p.ID)
		}
		return p.put(ctx, client, tmp, info.Size())
	})
	if err != nil {
		return fmt.Errorf("upload failed after %d attempts: %w", attempt, err)
	}
	return nil
}

func (p *Publish) put(ctx context.Context, client *http.Client, f *os.File, size int64) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.UploadURL, io.NopCloser(f))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &statusError{statusCode: resp.StatusCode, message: string(body)}
}

type statusError struct {
	statusCode int
	message    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.statusCode, e.message)
}

// Package environment provides the shells steps run commands in (a local
// process or a Docker container) and the SSH transport for remote targets.
package environment

import (
	"ciengine/internal/step/types"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"
)

// LocalShell runs commands with /bin/sh on the engine host.
type LocalShell struct {
	shell string
	// inherit passes the engine's environment to commands.
	inherit bool
	// waitDelay bounds how long output is drained after a cancelled
	// command is killed.
	waitDelay time.Duration
}

// NewLocalShell creates a local shell. When inherit is false commands see
// only PATH, HOME and the variables of the command.
func NewLocalShell(inherit bool) *LocalShell {
	return &LocalShell{shell: "/bin/sh", inherit: inherit, waitDelay: 5 * time.Second}
}

// Exec runs cmd.Script in cmd.Workspace/cmd.Dir.
func (s *LocalShell) Exec(ctx context.Context, cmd types.Command) (int, error) {
	if cmd.Image != "" {
		return -1, fmt.Errorf("image %s requested but the local executor has no container runtime", cmd.Image)
	}

	c := exec.CommandContext(ctx, s.shell, "-c", cmd.Script)
	c.Dir = filepath.Join(cmd.Workspace, filepath.FromSlash(cmd.Dir))
	c.Env = s.environ(cmd.Env)
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		// kill the whole process group so children of the script go too
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = s.waitDelay

	err := c.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("failed to run command: %w", err)
	}
	return 0, nil
}

func (s *LocalShell) environ(vars map[string]string) []string {
	var env []string
	if s.inherit {
		env = os.Environ()
	} else {
		for _, k := range []string{"PATH", "HOME"} {
			if v, ok := os.LookupEnv(k); ok {
				env = append(env, k+"="+v)
			}
		}
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

var _ types.Shell = (*LocalShell)(nil)

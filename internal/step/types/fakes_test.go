package types

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// fakeShell records commands and runs fn for their effect.
type fakeShell struct {
	mu   sync.Mutex
	cmds []Command
	fn   func(cmd Command) (int, error)
}

func (s *fakeShell) Exec(ctx context.Context, cmd Command) (int, error) {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	if s.fn == nil {
		return 0, nil
	}
	return s.fn(cmd)
}

type mapSecrets map[string]string

func (m mapSecrets) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := m[ref]
	if !ok {
		return "", fmt.Errorf("unknown credential %s", ref)
	}
	return v, nil
}

type fakeRemote struct {
	mu       sync.Mutex
	target   Target
	uploads  map[string]string
	commands []string
	exitCode int
	dialErr  error
	closed   bool
}

func (r *fakeRemote) Dial(_ context.Context, target Target) (Session, error) {
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
	if r.uploads == nil {
		r.uploads = make(map[string]string)
	}
	return &fakeSession{remote: r}, nil
}

type fakeSession struct{ remote *fakeRemote }

func (s *fakeSession) Run(_ context.Context, command string, stdout, _ io.Writer) (int, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.remote.commands = append(s.remote.commands, command)
	fmt.Fprintf(stdout, "ran %s\n", command)
	return s.remote.exitCode, nil
}

func (s *fakeSession) Upload(_ context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.remote.uploads[remotePath] = string(data)
	return nil
}

func (s *fakeSession) Close() error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.remote.closed = true
	return nil
}

func newEnv(workspace string, shell Shell) (*Env, *strings.Builder) {
	var log strings.Builder
	return &Env{
		Workspace: workspace,
		Vars:      map[string]string{"CI_RUN_ID": "run-1"},
		Shell:     shell,
		Log:       &log,
	}, &log
}

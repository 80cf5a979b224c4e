package types

import (
	"context"
	"io"
	"net/http"
	"sort"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Step is the interface for all step types.
type Step interface {
	Common() *Base
	StepType() string
	// Validate checks the type-specific parameters. field prefixes the
	// reported field names (e.g. "steps[2]").
	Validate(field string) error
	// Expand returns a copy of the step with %name% references in its
	// parameters replaced from params.
	Expand(params map[string]string) Step
	Run(ctx context.Context, env *Env) *Result
}

// Base holds the fields every step carries.
type Base struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	NonFatal bool   `yaml:"nonFatal,omitempty" json:"nonFatal,omitempty"`
}

// Common returns the shared fields.
func (b *Base) Common() *Base { return b }

// DisplayName is the name, falling back to the id.
func (b *Base) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.ID
}

// Result represents the outcome of running a step. Log is filled in by the
// executor from what the step wrote to Env.Log.
type Result struct {
	Status   string
	ExitCode int
	Log      string
	Error    error
}

func succeeded() *Result { return &Result{Status: StatusSuccess} }

func failed(exitCode int, err error) *Result {
	return &Result{Status: StatusFailed, ExitCode: exitCode, Error: err}
}

// Command is one shell invocation.
type Command struct {
	Script string
	// Workspace is the host directory the command runs against; Dir is
	// relative to it.
	Workspace string
	Dir       string
	Env       map[string]string
	// Image requests a container; empty runs on the executor's default.
	Image  string
	Stdout io.Writer
	Stderr io.Writer
}

// Shell executes commands. A non-zero exit is reported through the exit
// code with a nil error; err is for commands that could not be run.
type Shell interface {
	Exec(ctx context.Context, cmd Command) (int, error)
}

// Target addresses a remote host.
type Target struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
	// HostKey is an authorized_keys line; empty skips verification.
	HostKey string
}

// Session is an open connection to a remote target.
type Session interface {
	Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error)
	// Upload copies a local file to remotePath, creating parent directories.
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// Remote opens sessions to remote targets.
type Remote interface {
	Dial(ctx context.Context, target Target) (Session, error)
}

// SecretResolver resolves credential references at execution time.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Env is what a step runs against.
type Env struct {
	Workspace  string
	Vars       map[string]string
	Shell      Shell
	Remote     Remote
	Secrets    SecretResolver
	HTTPClient *http.Client
	Log        io.Writer
}

func (e *Env) logWriter() io.Writer {
	if e.Log == nil {
		return io.Discard
	}
	return e.Log
}

// commandEnv merges run variables, step variables and resolved secrets, in
// increasing precedence.
func (e *Env) commandEnv(ctx context.Context, vars, secrets map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(e.Vars)+len(vars)+len(secrets))
	for k, v := range e.Vars {
		out[k] = v
	}
	for k, v := range vars {
		out[k] = v
	}
	if len(secrets) == 0 {
		return out, nil
	}
	if e.Secrets == nil {
		return nil, errNoSecrets
	}

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := e.Secrets.Resolve(ctx, secrets[name])
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// exec runs script through the shell with the step's log as output.
func (e *Env) exec(ctx context.Context, script, dir, image string, vars map[string]string) (int, error) {
	if e.Shell == nil {
		return -1, errNoShell
	}
	w := e.logWriter()
	return e.Shell.Exec(ctx, Command{
		Script:    script,
		Workspace: e.Workspace,
		Dir:       dir,
		Env:       vars,
		Image:     image,
		Stdout:    w,
		Stderr:    w,
	})
}

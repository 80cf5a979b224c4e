package types

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/artifact"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const defaultSSHPort = 22

// FileTransfer copies workspace files to a remote host over SSH and then runs
// remote commands there.
type FileTransfer struct {
	Base        `yaml:",inline"`
	Host        string   `yaml:"host" json:"host"`
	Port        int      `yaml:"port,omitempty" json:"port,omitempty"`
	User        string   `yaml:"user" json:"user"`
	Credential  string   `yaml:"credential" json:"credential"`
	HostKey     string   `yaml:"hostKey,omitempty" json:"hostKey,omitempty"`
	Sources     []string `yaml:"sources" json:"sources"`
	Destination string   `yaml:"destination" json:"destination"`
	Commands    []string `yaml:"commands,omitempty" json:"commands,omitempty"`
}

func (f *FileTransfer) StepType() string { return "fileTransfer" }

// Expand resolves references in the connection, paths and commands. The
// credential stays a reference to the secret store.
func (f *FileTransfer) Expand(params map[string]string) Step {
	c := *f
	c.Host = ExpandParams(f.Host, params)
	c.User = ExpandParams(f.User, params)
	c.Destination = ExpandParams(f.Destination, params)
	c.Sources = expandAll(f.Sources, params)
	c.Commands = expandAll(f.Commands, params)
	return &c
}

func (f *FileTransfer) Validate(field string) error {
	for _, kv := range [][2]string{
		{"host", f.Host},
		{"user", f.User},
		{"credential", f.Credential},
		{"destination", f.Destination},
	} {
		if err := required(field+"."+kv[0], kv[1]); err != nil {
			return err
		}
	}
	if f.Port < 0 || f.Port > 65535 {
		return apperrors.Validation(field+".port", "port must be between 1 and 65535")
	}
	if len(f.Sources) == 0 && len(f.Commands) == 0 {
		return apperrors.Validation(field+".sources", "sources or commands are required")
	}
	for i, src := range f.Sources {
		rule, err := artifact.ParseRule(src)
		if err != nil {
			return apperrors.Validation(fmt.Sprintf("%s.sources[%d]", field, i), err.Error())
		}
		if rule.Inner != "" || rule.Target != "" || rule.Exclude {
			return apperrors.Validation(fmt.Sprintf("%s.sources[%d]", field, i), "source must be a plain workspace glob")
		}
	}
	return nil
}

func (f *FileTransfer) target(privateKey string) Target {
	port := f.Port
	if port == 0 {
		port = defaultSSHPort
	}
	return Target{
		Host:       f.Host,
		Port:       port,
		User:       f.User,
		PrivateKey: []byte(privateKey),
		HostKey:    strings.TrimSpace(f.HostKey),
	}
}

// Run uploads every matched source, keeping paths below the pattern's static
// prefix, then runs the commands in order. A source matching nothing fails
// the step before anything is transferred.
func (f *FileTransfer) Run(ctx context.Context, env *Env) *Result {
	if env.Remote == nil {
		return failed(-1, errNoRemote)
	}
	if env.Secrets == nil {
		return failed(-1, errNoSecrets)
	}
	for _, kv := range [][2]string{{"host", f.Host}, {"user", f.User}, {"destination", f.Destination}} {
		if names := Unresolved(kv[1], nil); len(names) > 0 {
			return failed(-1, fmt.Errorf("%s refers to undefined parameter %%%s%%", kv[0], names[0]))
		}
	}

	type upload struct{ local, remote string }
	var uploads []upload
	for _, spec := range f.Sources {
		rule, err := artifact.ParseRule(spec)
		if err != nil {
			return failed(-1, err)
		}
		src := artifact.DirPattern(env.Workspace, rule.Pattern)
		files, err := artifact.Collect(env.Workspace, src)
		if err != nil {
			return failed(-1, err)
		}
		if len(files) == 0 {
			return failed(-1, fmt.Errorf("source %s matches no files", src))
		}
		for _, file := range files {
			uploads = append(uploads, upload{
				local:  filepath.Join(env.Workspace, filepath.FromSlash(file)),
				remote: path.Join(f.Destination, artifact.RelativeTo(src, file)),
			})
		}
	}

	key, err := env.Secrets.Resolve(ctx, f.Credential)
	if err != nil {
		return failed(-1, err)
	}
	session, err := env.Remote.Dial(ctx, f.target(key))
	if err != nil {
		return failed(-1, fmt.Errorf("failed to connect to %s: %w", f.Host, err))
	}
	defer session.Close()

	log := env.logWriter()
	for _, u := range uploads {
		if err := session.Upload(ctx, u.local, u.remote); err != nil {
			return failed(-1, fmt.Errorf("failed to upload %s: %w", u.remote, err))
		}
		fmt.Fprintf(log, "uploaded %s\n", u.remote)
	}

	for i, cmd := range f.Commands {
		fmt.Fprintf(log, "$ %s\n", cmd)
		code, err := session.Run(ctx, cmd, log, log)
		if err != nil {
			return failed(code, fmt.Errorf("remote command %d: %w", i+1, err))
		}
		if code != 0 {
			return failed(code, exitError(fmt.Sprintf("remote command %d", i+1), code))
		}
	}
	return succeeded()
}

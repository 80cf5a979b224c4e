package types

import (
	"context"
)

// Script runs a shell script in the workspace, or in a container when Image
// is set.
type Script struct {
	Base       `yaml:",inline"`
	Script     string            `yaml:"script" json:"script"`
	WorkingDir string            `yaml:"workingDir,omitempty" json:"workingDir,omitempty"`
	Image      string            `yaml:"image,omitempty" json:"image,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Secrets    map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

func (s *Script) StepType() string { return "script" }

func (s *Script) Expand(params map[string]string) Step {
	c := *s
	c.Script = ExpandParams(s.Script, params)
	c.WorkingDir = ExpandParams(s.WorkingDir, params)
	c.Image = ExpandParams(s.Image, params)
	c.Env = expandValues(s.Env, params)
	return &c
}

func (s *Script) Validate(field string) error {
	if err := required(field+".script", s.Script); err != nil {
		return err
	}
	if err := relativePath(field+".workingDir", s.WorkingDir); err != nil {
		return err
	}
	return secretNames(field, s.Secrets)
}

// Run executes the script. A non-zero exit fails the step.
func (s *Script) Run(ctx context.Context, env *Env) *Result {
	vars, err := env.commandEnv(ctx, s.Env, s.Secrets)
	if err != nil {
		return failed(-1, err)
	}

	code, err := env.exec(ctx, s.Script, s.WorkingDir, s.Image, vars)
	if err != nil {
		return failed(code, err)
	}
	if code != 0 {
		return failed(code, exitError("script", code))
	}
	return &Result{Status: StatusSuccess, ExitCode: code}
}

// Package step decodes typed build steps and executes them in order.
package step

import (
	"bytes"
	"ciengine/internal/apperrors"
	"ciengine/internal/step/types"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Re-export types for convenience.
type (
	Step           = types.Step
	Base           = types.Base
	Result         = types.Result
	Env            = types.Env
	Command        = types.Command
	Shell          = types.Shell
	Remote         = types.Remote
	Session        = types.Session
	Target         = types.Target
	SecretResolver = types.SecretResolver
	Script         = types.Script
	Publish        = types.Publish
	Test           = types.Test
	FileTransfer   = types.FileTransfer
)

// Type names as they appear in definition files.
const (
	TypeScript       = "script"
	TypePublish      = "publish"
	TypeTest         = "test"
	TypeFileTransfer = "fileTransfer"
)

func newStep(typ string) (Step, bool) {
	switch typ {
	case TypeScript:
		return &types.Script{}, true
	case TypePublish:
		return &types.Publish{}, true
	case TypeTest:
		return &types.Test{}, true
	case TypeFileTransfer:
		return &types.FileTransfer{}, true
	}
	return nil, false
}

// Decode decodes one step mapping, dispatching on its "type" key. Keys the
// step type does not know are rejected.
func Decode(node *yaml.Node) (Step, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: step must be a mapping", node.Line)
	}

	body := &yaml.Node{Kind: yaml.MappingNode, Tag: node.Tag, Line: node.Line, Column: node.Column}
	typ := ""
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if key.Value == "type" {
			typ = value.Value
			continue
		}
		body.Content = append(body.Content, key, value)
	}
	if typ == "" {
		return nil, fmt.Errorf("line %d: step type is required", node.Line)
	}

	s, ok := newStep(typ)
	if !ok {
		return nil, fmt.Errorf("line %d: unknown step type %q", node.Line, typ)
	}

	raw, err := yaml.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", node.Line, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("line %d: %s step: %w", node.Line, typ, err)
	}
	return s, nil
}

// List is an ordered step list that decodes from YAML and encodes to JSON
// with the type key restored.
type List []Step

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *List) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: steps must be a list", node.Line)
	}
	out := make(List, 0, len(node.Content))
	for _, item := range node.Content {
		s, err := Decode(item)
		if err != nil {
			return err
		}
		out = append(out, s)
	}
	*l = out
	return nil
}

// Expand returns the list with %name% references of every step resolved
// from params. The receiver is not modified.
func (l List) Expand(params map[string]string) List {
	out := make(List, len(l))
	for i, s := range l {
		out[i] = s.Expand(params)
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (l List) MarshalJSON() ([]byte, error) {
	items := make([]map[string]any, 0, len(l))
	for _, s := range l {
		data, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		m["type"] = s.StepType()
		items = append(items, m)
	}
	return json.Marshal(items)
}

// Validate checks ids are present and unique and every step's parameters.
func Validate(field string, steps []Step) error {
	if len(steps) == 0 {
		return apperrors.Validation(field, "at least one step is required")
	}
	seen := make(map[string]int, len(steps))
	for i, s := range steps {
		f := fmt.Sprintf("%s[%d]", field, i)
		id := s.Common().ID
		if id == "" {
			return apperrors.Validation(f+".id", "step id is required")
		}
		if prev, dup := seen[id]; dup {
			return apperrors.Validation(f+".id", fmt.Sprintf("duplicate step id %q (also %s[%d])", id, field, prev))
		}
		seen[id] = i
		if err := s.Validate(f); err != nil {
			return err
		}
	}
	return nil
}

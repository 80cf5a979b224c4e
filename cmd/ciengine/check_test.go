package main

import (
	"bytes"
	"ciengine/internal/apperrors"
	"ciengine/internal/testutil"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const libYAML = `
id: lib
steps:
  - id: build
    type: script
    script: make
artifactRules: ["out/** => lib.tar.gz"]
`

const appYAML = `
id: app
dependencies:
  - on: lib
    kind: artifact
    rules: ["lib.tar.gz!**"]
    destination: vendor
locks:
  - name: staging
triggers:
  - branchFilter: ["+:*", "-:develop"]
steps:
  - id: build
    type: script
    script: make app
`

func TestValidate(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"lib.yaml":       libYAML,
		"nested/app.yml": appYAML,
		".hidden/x.yaml": "not: [valid",
		"README.md":      "ignored",
	})

	var out bytes.Buffer
	require.NoError(t, validate(&out, root))
	assert.Contains(t, out.String(), "2 definitions OK")
	assert.Contains(t, out.String(), filepath.Join(root, "nested", "app.yml"))
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		files    map[string]string
		sentinel error
	}{
		{
			name: "cycle",
			files: map[string]string{
				"a.yaml": "id: a\ndependencies: [{on: b}]\nsteps: [{id: s, type: script, script: x}]\n",
				"b.yaml": "id: b\ndependencies: [{on: a}]\nsteps: [{id: s, type: script, script: x}]\n",
			},
			sentinel: apperrors.ErrCyclicDependency,
		},
		{
			name: "malformed filter",
			files: map[string]string{
				"a.yaml": "id: a\ntriggers: [{branchFilter: [\"main\"]}]\nsteps: [{id: s, type: script, script: x}]\n",
			},
			sentinel: apperrors.ErrTriggerFilter,
		},
		{
			name: "unknown upstream",
			files: map[string]string{
				"a.yaml": "id: a\ndependencies: [{on: ghost}]\nsteps: [{id: s, type: script, script: x}]\n",
			},
			sentinel: apperrors.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			root := t.TempDir()
			testutil.WriteTree(t, root, tt.files)

			var out bytes.Buffer
			err := validate(&out, root)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), "got %v", err)
			assert.Empty(t, out.String())
		})
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"pipelines.yaml": libYAML + "---\n" + appYAML})

	var out bytes.Buffer
	require.NoError(t, plan(&out, root, "app"))
	assert.Equal(t, "1. lib\n2. app (after [lib]) locks [staging:write]\n", out.String())

	out.Reset()
	require.NoError(t, plan(&out, root, "lib"))
	assert.Equal(t, "1. lib\n", out.String())

	err := plan(&out, root, "ghost")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestRootCommand_Wiring(t *testing.T) {
	t.Parallel()
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "validate", "plan"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

package definition

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/step"
	"ciengine/internal/testutil"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineYAML = `
id: lib
name: Library
steps:
  - id: build
    type: script
    script: make lib
artifactRules:
  - "out/** => lib.tar.gz"
---
id: app
vcs:
  root: app-repo
  defaultBranch: trunk
  branchFilter: ["+:<default>"]
params:
  GOFLAGS: -mod=mod
steps:
  - id: test
    type: test
    command: make test
    report: reports/*.xml
  - id: package
    type: publish
    command: make dist
    output: dist
dependencies:
  - on: lib
    kind: artifact
    rules: ["lib.tar.gz!** => vendor"]
    cleanDestination: true
    destination: third_party
    reuseBuilds: any
locks:
  - name: staging-db
  - name: docs
    mode: read
triggers:
  - branchFilter: ["+:<default>", "+:release/*"]
    batching: per-committer
    window: 45s
    watchChangesInDependencies: true
maxRunningBuilds: 1
notifications:
  - url: https://hooks.example.com/ci
    events: [finished]
`

func TestParse(t *testing.T) {
	t.Parallel()
	defs, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	lib, app := defs[0], defs[1]
	assert.Equal(t, "Library", lib.DisplayName())
	assert.Equal(t, "main", lib.VCS.DefaultBranch)
	require.Len(t, lib.PublishRules(), 1)
	assert.True(t, lib.PublishRules()[0].Packs())

	assert.Equal(t, "app", app.DisplayName())
	assert.Equal(t, "trunk", app.VCS.DefaultBranch)
	assert.Equal(t, "app-repo", app.VCS.Root)
	assert.Equal(t, []string{"+:<default>"}, app.VCS.BranchFilter)
	require.Len(t, app.Steps, 2)
	_, isTest := app.Steps[0].(*step.Test)
	assert.True(t, isTest)

	require.Len(t, app.Dependencies, 1)
	dep := app.Dependencies[0]
	assert.Equal(t, KindArtifact, dep.Kind)
	assert.Equal(t, OnFailureFailToStart, dep.OnFailure)
	assert.Equal(t, ReuseAny, dep.ReuseBuilds)
	require.Len(t, dep.FetchRules(), 1)
	assert.Equal(t, "vendor", dep.FetchRules()[0].Target)

	assert.Equal(t, []Lock{{Name: "staging-db", Mode: LockWrite}, {Name: "docs", Mode: LockRead}}, app.Locks)

	require.Len(t, app.Triggers, 1)
	tr := app.Triggers[0]
	assert.Equal(t, BatchPerCommitter, tr.Batching)
	assert.Equal(t, 45*time.Second, tr.Window)
	assert.True(t, tr.IsEnabled())
	assert.Equal(t, "app-trigger-0", tr.Name)
	assert.True(t, tr.WatchDependencies)

	assert.Equal(t, 1, app.MaxRunningBuilds)
	require.Len(t, app.Notifications, 1)
	assert.True(t, app.Notifications[0].Wants("finished"))
	assert.False(t, app.Notifications[0].Wants("queued"))
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		doc   string
		field string
		kind  error
	}{
		{
			name: "unknown key",
			doc:  "id: a\nstepz: []\n",
			kind: apperrors.ErrValidation,
		},
		{
			name:  "no steps",
			doc:   "id: a\nsteps: []\n",
			field: "a.steps",
			kind:  apperrors.ErrValidation,
		},
		{
			name: "bad id",
			doc:  "id: 'has space'\nsteps: [{id: s, type: script, script: x}]\n",
			kind: apperrors.ErrValidation,
		},
		{
			name: "self dependency",
			doc:  "id: a\nsteps: [{id: s, type: script, script: x}]\ndependencies: [{on: a}]\n",
			kind: apperrors.ErrCyclicDependency,
		},
		{
			name:  "artifact dependency without rules",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\ndependencies: [{on: b, kind: artifact}]\n",
			field: "a.dependencies[0].rules",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "snapshot with rules",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\ndependencies: [{on: b, rules: ['**']}]\n",
			field: "a.dependencies[0]",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "unknown policy",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\ndependencies: [{on: b, onFailure: retry}]\n",
			field: "a.dependencies[0].onFailure",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "escaping destination",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\ndependencies: [{on: b, kind: artifact, rules: ['**'], destination: ../x}]\n",
			field: "a.dependencies[0].destination",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "unknown reuse policy",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\ndependencies: [{on: b, reuseBuilds: always}]\n",
			field: "a.dependencies[0].reuseBuilds",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "exclude-only artifact rules",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\nartifactRules: ['-:**/*.map']\n",
			field: "a.artifactRules",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "bad lock mode",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\nlocks: [{name: db, mode: exclusive}]\n",
			field: "a.locks[0].mode",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "duplicate lock",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\nlocks: [{name: db}, {name: db, mode: read}]\n",
			field: "a.locks[1].name",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "bad batching",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\ntriggers: [{batching: hourly}]\n",
			field: "a.triggers[0].batching",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "negative cap",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\nmaxRunningBuilds: -1\n",
			field: "a.maxRunningBuilds",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "bad artifact rule",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\nartifactRules: ['/etc/**']\n",
			field: "a.artifactRules[0]",
			kind:  apperrors.ErrValidation,
		},
		{
			name:  "relative notification url",
			doc:   "id: a\nsteps: [{id: s, type: script, script: x}]\nnotifications: [{url: /hook}]\n",
			field: "a.notifications[0].url",
			kind:  apperrors.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			if tt.field != "" {
				var appErr *apperrors.Error
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, tt.field, appErr.Field)
			}
		})
	}
}

func TestLoad_Directory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"pipelines/all.yaml":   pipelineYAML,
		"web.yml":              "id: web\nsteps: [{id: s, type: script, script: x}]\n",
		"README.md":            "ignored",
		".hidden/broken.yaml":  "not: [valid",
		"pipelines/empty.yaml": "---\n",
	})

	catalog, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, catalog.Len())

	ids := make([]string, 0, catalog.Len())
	for _, d := range catalog.All() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"app", "lib", "web"}, ids)

	app, ok := catalog.Get("app")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "pipelines", "all.yaml"), app.Source)

	_, ok = catalog.Get("missing")
	assert.False(t, ok)
}

func TestNewCatalog_Errors(t *testing.T) {
	t.Parallel()

	dup, err := Parse([]byte("id: a\nsteps: [{id: s, type: script, script: x}]\n---\nid: a\nsteps: [{id: s, type: script, script: y}]\n"))
	require.NoError(t, err)
	_, err = NewCatalog(dup)
	assert.ErrorContains(t, err, "defined twice")

	dangling, err := Parse([]byte("id: a\nsteps: [{id: s, type: script, script: x}]\ndependencies: [{on: ghost}]\n"))
	require.NoError(t, err)
	_, err = NewCatalog(dangling)
	assert.ErrorContains(t, err, "unknown definition ghost")
}

// Package definition loads build definitions from YAML into immutable
// records and checks their structure.
package definition

import (
	"ciengine/internal/artifact"
	"ciengine/internal/step"
	"time"
)

// Dependency kinds.
const (
	KindSnapshot = "snapshot"
	KindArtifact = "artifact"
)

// Failure policies for an unsuccessful upstream run.
const (
	OnFailureFailToStart = "fail-to-start"
	OnFailureIgnore      = "ignore"
	OnFailureRunAnyway   = "run-anyway"
)

// Lock modes.
const (
	LockWrite = "write"
	LockRead  = "read"
)

// Reuse policies for upstream runs of a build chain.
const (
	ReuseRunning    = "running"
	ReuseSuccessful = "successful"
	ReuseAny        = "any"
)

// Trigger batching modes.
const (
	BatchPerCommit    = "per-commit"
	BatchPerCommitter = "per-committer"
)

// BuildDefinition is the declarative description of a build. It is not
// modified after loading; a reload replaces it.
type BuildDefinition struct {
	ID               string            `yaml:"id" json:"id"`
	Name             string            `yaml:"name,omitempty" json:"name,omitempty"`
	Description      string            `yaml:"description,omitempty" json:"description,omitempty"`
	VCS              VCS               `yaml:"vcs,omitempty" json:"vcs"`
	Params           map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Steps            step.List         `yaml:"steps" json:"steps"`
	Triggers         []Trigger         `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Dependencies     []Dependency      `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Locks            []Lock            `yaml:"locks,omitempty" json:"locks,omitempty"`
	ArtifactRules    []string          `yaml:"artifactRules,omitempty" json:"artifactRules,omitempty"`
	MaxRunningBuilds int               `yaml:"maxRunningBuilds,omitempty" json:"maxRunningBuilds"`
	Notifications    []Notification    `yaml:"notifications,omitempty" json:"notifications,omitempty"`

	// Source is the file the definition was loaded from.
	Source string `yaml:"-" json:"source,omitempty"`

	artifactRules []artifact.Rule
}

// PublishRules returns the parsed artifact rules.
func (d *BuildDefinition) PublishRules() []artifact.Rule { return d.artifactRules }

// DisplayName is the name, falling back to the id.
func (d *BuildDefinition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// VCS references the version-control root a definition builds from.
type VCS struct {
	// Root names the root whose changes concern this definition; empty is
	// the default root.
	Root string `yaml:"root,omitempty" json:"root,omitempty"`
	// DefaultBranch is what <default> in branch filters stands for.
	DefaultBranch string `yaml:"defaultBranch,omitempty" json:"defaultBranch,omitempty"`
	// BranchFilter limits the branches runs are created for, in trigger
	// branch filter syntax. Empty allows every branch.
	BranchFilter []string `yaml:"branchFilter,omitempty" json:"branchFilter,omitempty"`
	// Checkout clones the revision into the workspace before the steps run.
	Checkout bool `yaml:"checkout,omitempty" json:"checkout,omitempty"`
}

// Dependency is an edge to an upstream definition.
type Dependency struct {
	On               string   `yaml:"on" json:"on"`
	Kind             string   `yaml:"kind,omitempty" json:"kind"`
	OnFailure        string   `yaml:"onFailure,omitempty" json:"onFailure"`
	Rules            []string `yaml:"rules,omitempty" json:"rules,omitempty"`
	CleanDestination bool     `yaml:"cleanDestination,omitempty" json:"cleanDestination,omitempty"`
	Destination      string   `yaml:"destination,omitempty" json:"destination,omitempty"`
	// ReuseBuilds decides which existing upstream runs a chain reuses for
	// the same revision: running (queued or running, the default),
	// successful (also finished successful runs) or any (also finished
	// failed runs).
	ReuseBuilds string `yaml:"reuseBuilds,omitempty" json:"reuseBuilds"`

	rules []artifact.Rule
}

// FetchRules returns the parsed artifact rules of an artifact dependency.
func (d Dependency) FetchRules() []artifact.Rule { return d.rules }

// Lock names a shared resource a run must hold.
type Lock struct {
	Name string `yaml:"name" json:"name"`
	Mode string `yaml:"mode,omitempty" json:"mode"`
}

// Trigger enqueues runs for matching VCS changes.
type Trigger struct {
	Name         string        `yaml:"name,omitempty" json:"name,omitempty"`
	BranchFilter []string      `yaml:"branchFilter,omitempty" json:"branchFilter,omitempty"`
	Batching     string        `yaml:"batching,omitempty" json:"batching"`
	Window       time.Duration `yaml:"window,omitempty" json:"window,omitempty"`
	Enabled      *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// WatchDependencies also reacts to changes in the roots of the
	// definition's upstream closure.
	WatchDependencies bool `yaml:"watchChangesInDependencies,omitempty" json:"watchChangesInDependencies,omitempty"`
}

// IsEnabled reports whether the trigger reacts to changes; it defaults to on.
func (t Trigger) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// Notification subscribes a webhook to run lifecycle events.
type Notification struct {
	URL string `yaml:"url" json:"url"`
	// Events limits delivery to these states (queued, started, finished).
	// Empty means all.
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`
	// SigningKey is a credential reference for the HMAC key.
	SigningKey string `yaml:"signingKey,omitempty" json:"-"`
}

// Wants reports whether the notification subscribes to event.
func (n Notification) Wants(event string) bool {
	if len(n.Events) == 0 {
		return true
	}
	for _, e := range n.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Package run defines the Run record, its lifecycle states and events.
package run

import (
	"maps"
	"slices"
	"time"
)

// State is the lifecycle state of a run.
type State string

// State constants
const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Wait reasons recorded on a queued run.
const (
	WaitDependencies = "dependencies"
	WaitSlot         = "slot"
	WaitLocks        = "locks"
)

// Step statuses
const (
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
	StepDisabled  = "disabled"
)

// Change is one VCS change carried by a run.
type Change struct {
	// Root names the VCS root the change belongs to; empty is the default
	// root.
	Root     string    `json:"root,omitempty"`
	Revision string    `json:"revision"`
	Branch   string    `json:"branch"`
	Author   string    `json:"author"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time,omitzero"`
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Log        string `json:"log,omitempty"` // redacted tail
	Error      string `json:"error,omitempty"`
}

// Run is one execution instance of a build definition.
// It references its definition by id and never owns it.
type Run struct {
	ID           string            `json:"id"`
	DefinitionID string            `json:"definitionId"`
	Number       int64             `json:"number"`
	State        State             `json:"state"`
	WaitReason   string            `json:"waitReason,omitempty"`
	Revision     string            `json:"revision,omitempty"`
	Branch       string            `json:"branch,omitempty"`
	Cause        string            `json:"cause,omitempty"`
	Changes      []Change          `json:"changes,omitempty"`
	Upstream     map[string]string `json:"upstream,omitempty"` // definition id -> run id
	Steps        []StepResult      `json:"steps,omitempty"`
	Problems     []string          `json:"problems,omitempty"`
	Artifacts    int               `json:"artifacts"`
	Error        string            `json:"error,omitempty"`
	ErrorKind    string            `json:"errorKind,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	FinishedAt   *time.Time        `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Changes = slices.Clone(r.Changes)
	c.Upstream = maps.Clone(r.Upstream)
	c.Steps = slices.Clone(r.Steps)
	c.Problems = slices.Clone(r.Problems)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Duration returns the running time, or zero if the run never started.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	return end.Sub(*r.StartedAt)
}

// Filter selects runs in a listing. Zero fields match everything.
type Filter struct {
	DefinitionID string
	State        State
	Limit        int
}

// Matches reports whether r passes the filter (Limit is not considered).
func (f Filter) Matches(r *Run) bool {
	if f.DefinitionID != "" && r.DefinitionID != f.DefinitionID {
		return false
	}
	if f.State != "" && r.State != f.State {
		return false
	}
	return true
}

// ListResponse represents the response for listing runs
type ListResponse struct {
	Runs []*Run `json:"runs"`
}

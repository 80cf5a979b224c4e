package trigger

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/definition"
	"ciengine/internal/run"
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Set holds the evaluators of every trigger in a catalog.
type Set struct {
	evaluators []*Evaluator
	cancel     context.CancelFunc
	logger     *slog.Logger
}

// Verify parses every branch filter of the catalog.
func Verify(catalog *definition.Catalog) error {
	for _, def := range catalog.All() {
		if _, err := ParseFilter(def.ID+".vcs.branchFilter", def.VCS.BranchFilter); err != nil {
			return err
		}
		for i, t := range def.Triggers {
			if _, err := ParseFilter(fmt.Sprintf("%s.triggers[%d].branchFilter", def.ID, i), t.BranchFilter); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewSet builds an evaluator per trigger. A malformed branch filter fails
// the whole set. Triggers without a window use defaultWindow.
func NewSet(catalog *definition.Catalog, enqueuer Enqueuer, defaultWindow time.Duration, metrics MetricsRecorder) (*Set, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Set{cancel: cancel, logger: slog.With("component", "triggers")}

	for _, def := range catalog.All() {
		if len(def.Triggers) == 0 {
			continue
		}
		vcsFilter, err := ParseFilter(def.ID+".vcs.branchFilter", def.VCS.BranchFilter)
		if err != nil {
			cancel()
			return nil, err
		}
		for i, t := range def.Triggers {
			filter, err := ParseFilter(fmt.Sprintf("%s.triggers[%d].branchFilter", def.ID, i), t.BranchFilter)
			if err != nil {
				cancel()
				return nil, err
			}
			e := newEvaluator(ctx, def, t, filter, defaultWindow, enqueuer, metrics)
			e.vcsFilter = vcsFilter
			e.roots = watchedRoots(catalog, def, t.WatchDependencies)
			s.evaluators = append(s.evaluators, e)
		}
	}
	return s, nil
}

// watchedRoots is the VCS root of def, plus the roots of its upstream
// closure when the trigger watches dependencies.
func watchedRoots(catalog *definition.Catalog, def *definition.BuildDefinition, dependencies bool) map[string]bool {
	roots := map[string]bool{def.VCS.Root: true}
	if !dependencies {
		return roots
	}
	seen := map[string]bool{def.ID: true}
	queue := []*definition.BuildDefinition{def}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		for _, dep := range d.Dependencies {
			if seen[dep.On] {
				continue
			}
			seen[dep.On] = true
			if up, ok := catalog.Get(dep.On); ok {
				roots[up.VCS.Root] = true
				queue = append(queue, up)
			}
		}
	}
	return roots
}

// BranchAllowed checks branch against the VCS branch filter of def.
func BranchAllowed(def *definition.BuildDefinition, branch string) error {
	filter, err := ParseFilter(def.ID+".vcs.branchFilter", def.VCS.BranchFilter)
	if err != nil {
		return err
	}
	if !filter.Match(branch, def.VCS.DefaultBranch) {
		return apperrors.Validation("branch", fmt.Sprintf("branch %s is excluded by the branch filter of %s", branch, def.ID))
	}
	return nil
}

// Dispatch offers a change to every trigger and returns the outcome per
// trigger, keyed "definitionId/trigger".
func (s *Set) Dispatch(ctx context.Context, change run.Change) map[string]string {
	outcomes := make(map[string]string, len(s.evaluators))
	for _, e := range s.evaluators {
		outcomes[e.definitionID+"/"+e.name] = e.Observe(ctx, change)
	}
	s.logger.Debug("Change dispatched", "branch", change.Branch, "revision", change.Revision, "author", change.Author, "triggers", len(s.evaluators))
	return outcomes
}

// Evaluators returns the evaluators in catalog order.
func (s *Set) Evaluators() []*Evaluator { return s.evaluators }

// Pending returns the number of batched changes not yet enqueued.
func (s *Set) Pending() int {
	n := 0
	for _, e := range s.evaluators {
		n += e.pending()
	}
	return n
}

// Stop cancels pending batches. Batched changes not yet enqueued are dropped.
func (s *Set) Stop() {
	s.cancel()
	dropped := 0
	for _, e := range s.evaluators {
		dropped += e.stop()
	}
	if dropped > 0 {
		s.logger.Warn("Dropped batched changes on stop", "changes", dropped)
	}
}

// DefinitionID returns the definition the evaluator belongs to.
func (e *Evaluator) DefinitionID() string { return e.definitionID }

// Name returns the trigger name.
func (e *Evaluator) Name() string { return e.name }

package engine

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/definition"
	"ciengine/internal/run"
	"ciengine/internal/trigger"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request asks for a run of a definition.
type Request struct {
	DefinitionID string       `json:"definitionId"`
	Revision     string       `json:"revision,omitempty"`
	Branch       string       `json:"branch,omitempty"`
	Cause        string       `json:"cause,omitempty"`
	Changes      []run.Change `json:"changes,omitempty"`
}

// Enqueue creates a run of req.DefinitionID together with runs of its
// upstream closure, upstream first. An upstream definition reuses an
// existing run for the same revision as its dependents' reuseBuilds policy
// allows; the upstreams of a reused run are not enqueued. Every definition
// that gets a new run must accept the branch. The returned run is the
// requested one; its Upstream field names the chain.
func (e *Engine) Enqueue(ctx context.Context, req Request) (*run.Run, error) {
	if req.DefinitionID == "" {
		return nil, apperrors.Validation("definitionId", "definition id is required")
	}
	catalog, graph := e.snapshot()
	if _, ok := catalog.Get(req.DefinitionID); !ok {
		return nil, apperrors.NotFound("definition", req.DefinitionID)
	}
	order, err := graph.Chain(req.DefinitionID)
	if err != nil {
		return nil, err
	}
	if req.Cause == "" {
		req.Cause = "manual"
	}

	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()

	chain, needed, err := e.planChain(ctx, catalog, req, order)
	if err != nil {
		return nil, err
	}

	var target *run.Run
	for _, id := range order {
		if _, reused := chain[id]; reused || !needed[id] {
			continue
		}
		def, _ := catalog.Get(id)
		r := e.newRun(def, req, chain)
		if id != req.DefinitionID {
			r.Cause = fmt.Sprintf("upstream of %s (%s)", req.DefinitionID, req.Cause)
			r.Changes = nil
		}
		if err := e.start(ctx, def, r); err != nil {
			return nil, err
		}
		chain[id] = r.ID
		target = r
	}
	return target, nil
}

var reuseRank = map[string]int{
	definition.ReuseRunning:    0,
	definition.ReuseSuccessful: 1,
	definition.ReuseAny:        2,
}

// planChain walks the chain downstream first. It returns the runs reused
// per definition id and the ids that need a new run. An upstream is reused
// under the strictest policy of the edges leading to it.
func (e *Engine) planChain(ctx context.Context, catalog *definition.Catalog, req Request, order []string) (map[string]string, map[string]bool, error) {
	reused := make(map[string]string, len(order))
	needed := map[string]bool{req.DefinitionID: true}
	policy := make(map[string]string, len(order))

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if !needed[id] {
			continue
		}
		def, _ := catalog.Get(id)
		if id != req.DefinitionID {
			runID, err := e.findReusable(ctx, id, req.Revision, policy[id])
			if err != nil {
				return nil, nil, err
			}
			if runID != "" {
				reused[id] = runID
				delete(needed, id)
				continue
			}
		}

		branch := req.Branch
		if branch == "" {
			branch = def.VCS.DefaultBranch
		}
		if err := trigger.BranchAllowed(def, branch); err != nil {
			return nil, nil, err
		}
		for _, dep := range def.Dependencies {
			needed[dep.On] = true
			if prev, ok := policy[dep.On]; !ok || reuseRank[dep.ReuseBuilds] < reuseRank[prev] {
				policy[dep.On] = dep.ReuseBuilds
			}
		}
	}
	return reused, needed, nil
}

// findReusable returns an existing run of definitionID for revision: an
// active one, or under the successful and any policies the newest finished
// one. Cancelled runs are never reused; finished runs only for a known
// revision.
func (e *Engine) findReusable(ctx context.Context, definitionID, revision, policy string) (string, error) {
	if id := e.findActive(definitionID, revision); id != "" {
		return id, nil
	}
	if revision == "" || (policy != definition.ReuseSuccessful && policy != definition.ReuseAny) {
		return "", nil
	}
	runs, err := e.store.List(ctx, run.Filter{DefinitionID: definitionID})
	if err != nil {
		return "", err
	}
	for _, r := range runs {
		if r.Revision != revision {
			continue
		}
		if r.State == run.StateSucceeded || (policy == definition.ReuseAny && r.State == run.StateFailed) {
			e.logger.Info("Reusing finished run", "runId", r.ID, "definitionId", definitionID, "state", r.State, "revision", revision)
			return r.ID, nil
		}
	}
	return "", nil
}

// EnqueueTriggered enqueues a run for the changes a trigger accepted. The
// newest change decides revision and branch.
func (e *Engine) EnqueueTriggered(ctx context.Context, definitionID, triggerName string, changes []run.Change) error {
	req := Request{
		DefinitionID: definitionID,
		Cause:        "trigger " + triggerName,
		Changes:      changes,
	}
	if n := len(changes); n > 0 {
		req.Revision = changes[n-1].Revision
		req.Branch = changes[n-1].Branch
	}
	_, err := e.Enqueue(ctx, req)
	return err
}

// Observe offers a VCS change to every trigger and returns each trigger's
// outcome keyed "definitionId/trigger".
func (e *Engine) Observe(ctx context.Context, change run.Change) (map[string]string, error) {
	if change.Branch == "" {
		return nil, apperrors.Validation("branch", "branch is required")
	}
	if change.Revision == "" {
		return nil, apperrors.Validation("revision", "revision is required")
	}
	if change.Time.IsZero() {
		change.Time = time.Now()
	}
	e.catalogMu.RLock()
	triggers := e.triggers
	e.catalogMu.RUnlock()
	return triggers.Dispatch(ctx, change), nil
}

// OnChange receives changes from the VCS poller.
func (e *Engine) OnChange(ctx context.Context, change run.Change) {
	if _, err := e.Observe(ctx, change); err != nil {
		e.logger.Warn("Ignoring VCS change", "branch", change.Branch, "revision", change.Revision, "error", err)
	}
}

func (e *Engine) newRun(def *definition.BuildDefinition, req Request, chain map[string]string) *run.Run {
	r := &run.Run{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		State:        run.StateQueued,
		Revision:     req.Revision,
		Branch:       req.Branch,
		Cause:        req.Cause,
		Changes:      req.Changes,
		CreatedAt:    time.Now(),
	}
	if r.Branch == "" {
		r.Branch = def.VCS.DefaultBranch
	}
	if len(def.Dependencies) > 0 {
		r.Upstream = make(map[string]string, len(def.Dependencies))
		for _, dep := range def.Dependencies {
			r.Upstream[dep.On] = chain[dep.On]
		}
		r.WaitReason = run.WaitDependencies
	}
	return r
}

// findActive returns a queued or running run of definitionID for revision.
func (e *Engine) findActive(definitionID, revision string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var found *activeRun
	for _, ar := range e.active {
		if ar.def.ID != definitionID || ar.revision != revision || ar.cancelled.Load() {
			continue
		}
		if found == nil || ar.created.After(found.created) {
			found = ar
		}
	}
	if found == nil {
		return ""
	}
	return found.id
}

// start records r and launches its goroutine.
func (e *Engine) start(ctx context.Context, def *definition.BuildDefinition, r *run.Run) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.runWg.Add(1)
	e.mu.Unlock()

	if err := e.store.Create(ctx, r); err != nil {
		e.runWg.Done()
		return err
	}

	runCtx, cancel := context.WithCancel(e.runCtx)
	ar := &activeRun{
		id:       r.ID,
		def:      def,
		revision: r.Revision,
		created:  r.CreatedAt,
		run:      r.Clone(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	e.active[r.ID] = ar
	e.mu.Unlock()

	e.logger.Info("Run queued", "runId", r.ID, "definitionId", def.ID, "number", r.Number, "cause", r.Cause, "upstream", r.Upstream)
	if e.metrics != nil {
		e.metrics.RecordRunQueued(ctx, def.ID)
	}
	e.notify(ctx, def, run.EventTypeQueued, r)

	go e.execute(runCtx, ar)
	return nil
}

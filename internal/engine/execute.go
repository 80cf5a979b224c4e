package engine

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/definition"
	"ciengine/internal/lock"
	"ciengine/internal/run"
	"ciengine/internal/secrets"
	"ciengine/internal/step"
	"ciengine/internal/vcs"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// activeRun is a run that has not reached a terminal state.
type activeRun struct {
	id       string
	def      *definition.BuildDefinition
	revision string
	created  time.Time
	cancel   context.CancelFunc
	// cancelled is set by Cancel; the run ends cancelled whatever phase it
	// is in.
	cancelled atomic.Bool
	done      chan struct{}
	// slot is the maxRunningBuilds slot held, set by the run goroutine.
	slot *semaphore.Weighted

	mu  sync.Mutex
	run *run.Run
}

func (ar *activeRun) snapshot() *run.Run {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.run.Clone()
}

// update applies mutate to the run and persists the result.
func (e *Engine) update(ctx context.Context, ar *activeRun, mutate func(r *run.Run)) *run.Run {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	mutate(ar.run)
	snap := ar.run.Clone()
	if err := e.store.Update(context.WithoutCancel(ctx), snap); err != nil {
		e.logger.Error("Failed to persist run", "runId", ar.id, "state", snap.State, "error", err)
	}
	return snap
}

func (e *Engine) execute(ctx context.Context, ar *activeRun) {
	defer e.runWg.Done()
	defer ar.cancel()
	logger := slog.With("runId", ar.id, "definitionId", ar.def.ID)

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = apperrors.Internal("engine.execute", fmt.Errorf("panic: %v", p))
			}
		}()
		return e.runPhases(ctx, ar, logger)
	}()

	final := e.finish(ctx, ar, err, logger)

	e.locks.ReleaseAll(ar.id)
	if ar.slot != nil {
		ar.slot.Release(1)
	}
	e.mu.Lock()
	delete(e.active, ar.id)
	e.mu.Unlock()
	close(ar.done)

	e.notify(context.WithoutCancel(ctx), ar.def, run.EventTypeFinished, final)
}

// runPhases takes a queued run through dependencies, slot and locks, then
// runs its steps and publishes its artifacts.
func (e *Engine) runPhases(ctx context.Context, ar *activeRun, logger *slog.Logger) error {
	def := ar.def
	upstream := ar.snapshot().Upstream

	if len(def.Dependencies) > 0 {
		problems, err := e.resolver.Await(ctx, def.Dependencies, upstream)
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			e.update(ctx, ar, func(r *run.Run) { r.Problems = append(r.Problems, problems...) })
		}
	}

	if sem := e.slotFor(def); sem != nil {
		e.update(ctx, ar, func(r *run.Run) { r.WaitReason = run.WaitSlot })
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		ar.slot = sem
	}

	if len(def.Locks) > 0 {
		e.update(ctx, ar, func(r *run.Run) { r.WaitReason = run.WaitLocks })
		if err := e.locks.AcquireAll(ctx, ar.id, lockRequests(def.Locks)); err != nil {
			return err
		}
	}

	started := e.update(ctx, ar, func(r *run.Run) {
		now := time.Now()
		r.State = run.StateRunning
		r.WaitReason = ""
		r.StartedAt = &now
	})
	logger.Info("Run started", "number", started.Number, "revision", started.Revision, "branch", started.Branch)
	if e.metrics != nil {
		e.metrics.RecordRunStarted(ctx, def.ID)
	}
	e.notify(ctx, def, run.EventTypeStarted, started)

	workspace := e.workspace(ar.id)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return apperrors.Internal("workspace.create", err)
	}

	if def.VCS.Checkout {
		hash, err := e.checkout(ctx, started, workspace, logger)
		if err != nil {
			return err
		}
		if started.Revision == "" {
			started = e.update(ctx, ar, func(r *run.Run) { r.Revision = hash })
		}
	}

	fetched, err := e.resolver.FetchArtifacts(ctx, def.Dependencies, upstream, e.artifacts, workspace)
	if err != nil {
		return err
	}
	if fetched > 0 {
		logger.Info("Upstream artifacts fetched", "entries", fetched)
	}

	scope := secrets.NewScope(e.secrets)
	env := step.Env{
		Workspace:  workspace,
		Vars:       stepVars(def, started, workspace),
		Shell:      e.shell,
		Remote:     e.remote,
		Secrets:    scope,
		HTTPClient: e.httpClient,
	}
	report := e.executor.Execute(ctx, def.Steps.Expand(runParams(def, started, workspace)), env, step.ExecuteOptions{
		Redactor: scope,
		OnStep: func(sr run.StepResult) {
			e.update(ctx, ar, func(r *run.Run) { r.Steps = append(r.Steps, sr) })
		},
	})
	if len(report.Problems) > 0 {
		e.update(ctx, ar, func(r *run.Run) { r.Problems = append(r.Problems, report.Problems...) })
	}
	if report.Err != nil {
		return report.Err
	}

	if rules := def.PublishRules(); len(rules) > 0 {
		entries, err := e.artifacts.Publish(ctx, ar.id, rules, workspace)
		if err != nil {
			return err
		}
		e.update(ctx, ar, func(r *run.Run) { r.Artifacts = len(entries) })
		logger.Info("Artifacts published", "entries", len(entries))
	}
	return nil
}

// finish records the terminal state for err.
func (e *Engine) finish(ctx context.Context, ar *activeRun, err error, logger *slog.Logger) *run.Run {
	state := run.StateSucceeded
	switch {
	case err == nil:
	case ar.cancelled.Load():
		state = run.StateCancelled
		err = apperrors.Cancelled(ar.id)
	case errors.Is(err, apperrors.ErrCancelled), errors.Is(err, context.Canceled):
		state = run.StateCancelled
		err = fmt.Errorf("run aborted: %w", apperrors.Cancelled(ar.id))
	default:
		state = run.StateFailed
	}

	final := e.update(ctx, ar, func(r *run.Run) {
		now := time.Now()
		r.State = state
		r.WaitReason = ""
		r.FinishedAt = &now
		if err != nil {
			r.Error = err.Error()
			r.ErrorKind = apperrors.Kind(err)
		}
	})

	logger = logger.With("number", final.Number, "state", final.State, "duration", final.Duration())
	switch state {
	case run.StateSucceeded:
		logger.Info("Run finished")
	case run.StateCancelled:
		logger.Info("Run cancelled")
	default:
		logger.Warn("Run failed", "errorKind", final.ErrorKind, "error", final.Error)
	}
	if e.metrics != nil {
		e.metrics.RecordRunFinished(context.WithoutCancel(ctx), ar.def.ID, string(state), final.Duration().Seconds())
	}
	return final
}

// Wait blocks until runID is terminal and returns it.
func (e *Engine) Wait(ctx context.Context, runID string) (*run.Run, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return e.store.Get(ctx, runID)
	}
	select {
	case <-ar.done:
		return ar.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws a queued run or aborts a running one. Its locks are
// released at once; Cancel returns once the run is recorded as cancelled.
func (e *Engine) Cancel(ctx context.Context, runID string) (*run.Run, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		r, err := e.store.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.Conflict("run", runID, "run already "+string(r.State))
	}

	if ar.cancelled.CompareAndSwap(false, true) {
		state := ar.snapshot().State
		ar.cancel()
		released := e.locks.ReleaseAll(runID)
		slog.With("runId", runID, "definitionId", ar.def.ID).Info("Run cancellation requested", "state", state, "releasedLocks", released)
	}

	select {
	case <-ar.done:
		return ar.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// slotFor returns the semaphore gating def, or nil when unlimited. A
// changed maxRunningBuilds starts a new semaphore; runs holding the old one
// keep it until they finish.
func (e *Engine) slotFor(def *definition.BuildDefinition) *semaphore.Weighted {
	if def.MaxRunningBuilds <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[def.ID]
	if !ok || s.capacity != def.MaxRunningBuilds {
		s = &slot{capacity: def.MaxRunningBuilds, sem: semaphore.NewWeighted(int64(def.MaxRunningBuilds))}
		e.slots[def.ID] = s
	}
	return s.sem
}

func (e *Engine) workspace(runID string) string {
	return filepath.Join(e.workspaceRoot, runID)
}

func (e *Engine) checkout(ctx context.Context, r *run.Run, workspace string, logger *slog.Logger) (string, error) {
	if e.repoPath == "" {
		return "", apperrors.Validation("vcs.checkout", "no repository configured (VCS_REPO_PATH)")
	}
	revision := r.Revision
	if revision == "" {
		revision = r.Branch
	}
	if revision == "" {
		revision = "HEAD"
	}
	hash, files, err := vcs.Checkout(ctx, e.repoPath, revision, workspace)
	if err != nil {
		return "", apperrors.Internal("vcs.checkout", err)
	}
	logger.Info("Revision checked out", "revision", hash, "files", files)
	return hash, nil
}

func lockRequests(locks []definition.Lock) []lock.Request {
	reqs := make([]lock.Request, 0, len(locks))
	for _, l := range locks {
		reqs = append(reqs, lock.Request{Name: l.Name, Mode: lock.Mode(l.Mode)})
	}
	return reqs
}

// runParams are the values %name% references in step parameters resolve
// to: the definition's params and the build.* values of the run.
func runParams(def *definition.BuildDefinition, r *run.Run, workspace string) map[string]string {
	params := make(map[string]string, len(def.Params)+6)
	maps.Copy(params, def.Params)
	params["build.id"] = r.ID
	params["build.number"] = strconv.FormatInt(r.Number, 10)
	params["build.branch"] = r.Branch
	params["build.revision"] = r.Revision
	params["build.workspace"] = workspace
	params["definition.id"] = def.ID
	return params
}

// stepVars is the environment every step of a run sees.
func stepVars(def *definition.BuildDefinition, r *run.Run, workspace string) map[string]string {
	vars := make(map[string]string, len(def.Params)+8)
	maps.Copy(vars, def.Params)
	vars["CI"] = "true"
	vars["CI_RUN_ID"] = r.ID
	vars["CI_RUN_NUMBER"] = strconv.FormatInt(r.Number, 10)
	vars["CI_DEFINITION_ID"] = def.ID
	vars["CI_REVISION"] = r.Revision
	vars["CI_BRANCH"] = r.Branch
	vars["CI_CAUSE"] = r.Cause
	vars["CI_WORKSPACE"] = workspace
	return vars
}

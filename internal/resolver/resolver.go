package resolver

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/artifact"
	"ciengine/internal/definition"
	"ciengine/internal/run"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// Tracker waits for runs to finish.
type Tracker interface {
	// Wait blocks until runID is terminal and returns it. An unknown run is
	// a NotFound error.
	Wait(ctx context.Context, runID string) (*run.Run, error)
}

// Fetcher copies an upstream run's artifacts into a directory.
type Fetcher interface {
	Fetch(ctx context.Context, runID string, rules []artifact.Rule, dest string, opts artifact.FetchOptions) ([]artifact.Entry, error)
}

// Resolver applies dependency policies for runs about to start.
type Resolver struct {
	tracker Tracker
	wait    time.Duration
	logger  *slog.Logger
}

// New creates a resolver. Each upstream wait is bounded by wait; zero means
// only the caller's context bounds it.
func New(tracker Tracker, wait time.Duration) *Resolver {
	return &Resolver{
		tracker: tracker,
		wait:    wait,
		logger:  slog.With("component", "resolver"),
	}
}

// Await waits for the upstream run of every dependency and evaluates its
// failure policy. upstream maps definition ids to run ids. It returns the
// problems to record on the dependent run; an error means the run must not
// start.
func (r *Resolver) Await(ctx context.Context, deps []definition.Dependency, upstream map[string]string) ([]string, error) {
	var problems []string
	for _, dep := range deps {
		runID := upstream[dep.On]
		if runID == "" {
			return nil, apperrors.DependencyUnsatisfied(dep.On, "no upstream run")
		}

		up, err := r.waitFor(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, apperrors.DependencyUnsatisfied(dep.On, fmt.Sprintf("run %s not finished within %s", runID, r.wait))
			}
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.DependencyUnsatisfied(dep.On, fmt.Sprintf("run %s not found", runID))
			}
			return nil, err
		}

		if up.State == run.StateSucceeded {
			continue
		}
		switch dep.OnFailure {
		case definition.OnFailureIgnore:
			r.logger.Debug("Ignoring upstream outcome", "upstream", dep.On, "runId", runID, "state", up.State)
		case definition.OnFailureRunAnyway:
			problems = append(problems, fmt.Sprintf("upstream %s run #%d %s", dep.On, up.Number, up.State))
		default:
			return nil, apperrors.DependencyUnsatisfied(dep.On, fmt.Sprintf("run #%d %s", up.Number, up.State))
		}
	}
	return problems, nil
}

func (r *Resolver) waitFor(ctx context.Context, runID string) (*run.Run, error) {
	if r.wait <= 0 {
		return r.tracker.Wait(ctx, runID)
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()
	return r.tracker.Wait(waitCtx, runID)
}

// FetchArtifacts copies the artifacts of every artifact dependency into the
// workspace. It returns the number of entries fetched.
func (r *Resolver) FetchArtifacts(ctx context.Context, deps []definition.Dependency, upstream map[string]string, fetcher Fetcher, workspace string) (int, error) {
	total := 0
	for _, dep := range deps {
		if dep.Kind != definition.KindArtifact {
			continue
		}
		runID := upstream[dep.On]
		if runID == "" {
			return total, apperrors.DependencyUnsatisfied(dep.On, "no upstream run")
		}
		dest := filepath.Join(workspace, filepath.FromSlash(dep.Destination))
		entries, err := fetcher.Fetch(ctx, runID, dep.FetchRules(), dest, artifact.FetchOptions{CleanDestination: dep.CleanDestination})
		if err != nil {
			return total, err
		}
		total += len(entries)
		r.logger.Debug("Fetched upstream artifacts", "upstream", dep.On, "runId", runID, "entries", len(entries), "dest", dest)
	}
	return total, nil
}

package engine

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/definition"
	"ciengine/internal/dispatcher"
	"ciengine/internal/run"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// notify dispatches a lifecycle event to the bus and to the definition's
// subscribed webhooks.
func (e *Engine) notify(ctx context.Context, def *definition.BuildDefinition, eventType string, r *run.Run) {
	if e.bus == nil && (e.dispatcher == nil || len(def.Notifications) == 0) {
		return
	}
	logger := slog.With("runId", r.ID, "definitionId", def.ID, "event", eventType)
	event := e.events.Build(eventType, r)

	if e.bus != nil {
		if err := e.bus.Dispatch(&dispatcher.Event{Payload: event}); err != nil {
			logger.Warn("Failed to publish event", "error", err)
		}
	}
	if e.dispatcher == nil {
		return
	}

	name := run.EventName(eventType)
	for _, n := range def.Notifications {
		if !n.Wants(name) {
			continue
		}
		var key string
		if n.SigningKey != "" {
			var err error
			if key, err = e.secrets.Resolve(ctx, n.SigningKey); err != nil {
				logger.Warn("Skipping notification, signing key unavailable", "url", n.URL, "error", err)
				continue
			}
		}
		if err := e.dispatcher.Dispatch(&dispatcher.Event{
			Payload:     event,
			Destination: n.URL,
			SigningKey:  key,
		}); err != nil {
			logger.Warn("Failed to dispatch notification", "url", n.URL, "error", err)
		}
	}
}

// runMaintenance periodically removes expired runs.
func (e *Engine) runMaintenance(ctx context.Context, interval time.Duration) {
	defer close(e.maintenanceDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanupExpiredRuns(ctx)
		}
	}
}

// cleanupExpiredRuns deletes terminal runs that finished more than the
// retention period ago, with their artifacts and workspaces. It returns the
// number of runs removed.
func (e *Engine) cleanupExpiredRuns(ctx context.Context) int {
	if e.retention <= 0 {
		return 0
	}
	logger := slog.With("component", "maintenance")

	ids, err := e.store.DeleteFinishedBefore(ctx, time.Now().Add(-e.retention))
	if err != nil {
		logger.Error("Failed to delete expired runs", "error", err)
		return 0
	}
	for _, id := range ids {
		if err := e.artifacts.Delete(ctx, id); err != nil {
			logger.Warn("Failed to delete artifacts", "runId", id, "error", err)
		}
		if err := os.RemoveAll(e.workspace(id)); err != nil {
			logger.Warn("Failed to remove workspace", "runId", id, "error", err)
		}
	}
	if len(ids) > 0 {
		logger.Info("Expired runs removed", "runs", len(ids), "retention", e.retention)
	}
	return len(ids)
}

// reconcile fails runs a previous process left queued or running: their
// goroutines, locks and slots died with it.
func (e *Engine) reconcile(ctx context.Context) error {
	logger := slog.With("component", "reconcile")
	for _, state := range []run.State{run.StateQueued, run.StateRunning} {
		runs, err := e.store.List(ctx, run.Filter{State: state})
		if err != nil {
			return fmt.Errorf("failed to list %s runs: %w", state, err)
		}
		for _, r := range runs {
			now := time.Now()
			r.State = run.StateFailed
			r.WaitReason = ""
			r.FinishedAt = &now
			r.Error = "interrupted by engine restart"
			r.ErrorKind = apperrors.Kind(apperrors.ErrInternal)
			if err := e.store.Update(ctx, r); err != nil {
				return fmt.Errorf("failed to fail interrupted run %s: %w", r.ID, err)
			}
			logger.Warn("Run interrupted by restart", "runId", r.ID, "definitionId", r.DefinitionID, "number", r.Number, "previousState", state)
		}
	}
	return nil
}

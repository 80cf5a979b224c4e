package trigger

import (
	"ciengine/internal/definition"
	"ciengine/internal/run"
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the state of one trigger.
type State string

// Trigger states
const (
	Idle     State = "idle"
	Matched  State = "matched"
	Enqueued State = "enqueued"
)

// Outcome of offering a change to a trigger.
const (
	OutcomeDisabled = "disabled"
	OutcomeFiltered = "filtered"
	OutcomeBatched  = "batched"
	OutcomeEnqueued = "enqueued"
	OutcomeFailed   = "failed"
)

// Enqueuer receives the runs triggers decide to start.
type Enqueuer interface {
	EnqueueTriggered(ctx context.Context, definitionID, trigger string, changes []run.Change) error
}

// MetricsRecorder is an optional interface for recording trigger metrics.
type MetricsRecorder interface {
	RecordTriggerEvent(ctx context.Context, definitionID, outcome string)
}

// Evaluator runs the state machine of one trigger of one definition.
type Evaluator struct {
	definitionID  string
	name          string
	defaultBranch string
	filter        Filter
	vcsFilter     Filter
	roots         map[string]bool // VCS roots whose changes the trigger sees
	perCommitter  bool
	window        time.Duration
	enabled       bool

	enqueuer Enqueuer
	metrics  MetricsRecorder
	logger   *slog.Logger
	baseCtx  context.Context

	mu      sync.Mutex
	state   State
	batches map[batchKey]*batch
	// onTransition observes state changes; used by tests.
	onTransition func(from, to State)
}

type batchKey struct {
	author string
	branch string
}

type batch struct {
	changes []run.Change
	timer   *time.Timer
	dropped bool
}

func newEvaluator(ctx context.Context, def *definition.BuildDefinition, t definition.Trigger, filter Filter, defaultWindow time.Duration, enqueuer Enqueuer, metrics MetricsRecorder) *Evaluator {
	window := t.Window
	if window == 0 {
		window = defaultWindow
	}
	return &Evaluator{
		definitionID:  def.ID,
		name:          t.Name,
		defaultBranch: def.VCS.DefaultBranch,
		filter:        filter,
		perCommitter:  t.Batching == definition.BatchPerCommitter,
		window:        window,
		enabled:       t.IsEnabled(),
		enqueuer:      enqueuer,
		metrics:       metrics,
		logger:        slog.With("component", "trigger", "definitionId", def.ID, "trigger", t.Name),
		baseCtx:       ctx,
		state:         Idle,
		batches:       make(map[batchKey]*batch),
	}
}

// State returns the current state.
func (e *Evaluator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// setState must be called with mu held.
func (e *Evaluator) setState(to State) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	if e.onTransition != nil {
		e.onTransition(from, to)
	}
}

// Observe offers a change to the trigger and returns what happened to it.
func (e *Evaluator) Observe(ctx context.Context, change run.Change) string {
	outcome := e.observe(ctx, change)
	if e.metrics != nil {
		e.metrics.RecordTriggerEvent(ctx, e.definitionID, outcome)
	}
	return outcome
}

func (e *Evaluator) observe(ctx context.Context, change run.Change) string {
	if !e.enabled {
		return OutcomeDisabled
	}
	if e.roots != nil && !e.roots[change.Root] {
		e.logger.Debug("Change from unwatched root", "root", change.Root, "revision", change.Revision)
		return OutcomeFiltered
	}
	if !e.filter.Match(change.Branch, e.defaultBranch) || !e.vcsFilter.Match(change.Branch, e.defaultBranch) {
		e.logger.Debug("Change filtered out", "branch", change.Branch, "revision", change.Revision)
		return OutcomeFiltered
	}

	e.mu.Lock()
	e.setState(Matched)
	if !e.perCommitter || e.window <= 0 {
		e.mu.Unlock()
		return e.enqueue(ctx, []run.Change{change})
	}

	key := batchKey{author: change.Author, branch: change.Branch}
	b, ok := e.batches[key]
	if ok && !b.timer.Stop() {
		// b's flush is already under way and enqueues b as it is
		ok = false
	}
	if !ok {
		b = &batch{}
		e.batches[key] = b
	}
	b.changes = append(b.changes, change)
	b.timer = time.AfterFunc(e.window, func() { e.flush(key, b) })
	pending := len(b.changes)
	e.mu.Unlock()

	e.logger.Debug("Change batched", "author", change.Author, "branch", change.Branch, "pending", pending)
	return OutcomeBatched
}

// flush enqueues the changes of b once its window has passed quietly.
func (e *Evaluator) flush(key batchKey, b *batch) {
	e.mu.Lock()
	if b.dropped {
		e.mu.Unlock()
		return
	}
	if e.batches[key] == b {
		delete(e.batches, key)
	}
	changes := b.changes
	e.mu.Unlock()

	if e.baseCtx.Err() != nil {
		return
	}
	outcome := e.enqueue(e.baseCtx, changes)
	if e.metrics != nil {
		e.metrics.RecordTriggerEvent(e.baseCtx, e.definitionID, outcome)
	}
}

func (e *Evaluator) enqueue(ctx context.Context, changes []run.Change) string {
	err := e.enqueuer.EnqueueTriggered(ctx, e.definitionID, e.name, changes)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.logger.Error("Failed to enqueue triggered run", "changes", len(changes), "error", err)
	} else {
		e.setState(Enqueued)
		e.logger.Info("Run triggered", "changes", len(changes), "revision", changes[len(changes)-1].Revision)
	}
	if len(e.batches) > 0 {
		e.setState(Matched)
	} else {
		e.setState(Idle)
	}
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeEnqueued
}

// pending returns the number of batched changes awaiting their window.
func (e *Evaluator) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, b := range e.batches {
		n += len(b.changes)
	}
	return n
}

// stop drops pending batches.
func (e *Evaluator) stop() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := 0
	for key, b := range e.batches {
		b.timer.Stop()
		b.dropped = true
		dropped += len(b.changes)
		delete(e.batches, key)
	}
	e.setState(Idle)
	return dropped
}

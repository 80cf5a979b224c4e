// Package engine drives runs from enqueue to a terminal state: build
// chains, dependency waits, maxRunningBuilds slots, resource locks, steps,
// artifacts and notifications.
package engine

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/artifact"
	"ciengine/internal/definition"
	"ciengine/internal/dispatcher"
	"ciengine/internal/lock"
	"ciengine/internal/observability"
	"ciengine/internal/resolver"
	"ciengine/internal/run"
	"ciengine/internal/secrets"
	"ciengine/internal/step"
	"ciengine/internal/store"
	"ciengine/internal/trigger"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("engine is shutting down")

// Config holds the engine's collaborators and tunables.
type Config struct {
	Catalog   *definition.Catalog // Build definitions (required)
	Store     store.Store         // Run records (required)
	Artifacts *artifact.Store     // Artifact store (required)
	Shell     step.Shell          // Executes step commands (required)
	Remote    step.Remote         // SSH targets for file transfers
	Secrets   *secrets.Resolver   // Credential references; nil resolves nothing

	Dispatcher dispatcher.Dispatcher // Webhook notifications
	Bus        dispatcher.Dispatcher // Receives every lifecycle event (e.g. Kafka)
	Metrics    *observability.Metrics
	HTTPClient *http.Client // Used by publish steps

	WorkspaceRoot       string        // Per-run workspaces (required)
	RepoPath            string        // Git repository for checkouts
	LockTimeout         time.Duration // Bounded lock wait (0 = wait until cancelled)
	DependencyWait      time.Duration // Bounded upstream wait (0 = wait until cancelled)
	BatchWindow         time.Duration // Default committer batching window
	RunRetention        time.Duration // Terminal runs older than this are deleted (0 = keep)
	MaintenanceInterval time.Duration // How often retention runs (default 1m)
	LogTail             int           // Bytes of step log kept per step
	EventSource         string        // CloudEvents source attribute
}

// Engine owns the run lifecycle.
type Engine struct {
	store      store.Store
	artifacts  *artifact.Store
	locks      *lock.Manager
	resolver   *resolver.Resolver
	executor   *step.Executor
	shell      step.Shell
	remote     step.Remote
	secrets    *secrets.Resolver
	dispatcher dispatcher.Dispatcher
	bus        dispatcher.Dispatcher
	metrics    *observability.Metrics
	httpClient *http.Client
	events     *run.EventBuilder
	logger     *slog.Logger

	workspaceRoot string
	repoPath      string
	batchWindow   time.Duration
	retention     time.Duration

	catalogMu sync.RWMutex
	catalog   *definition.Catalog
	graph     *resolver.Graph
	triggers  *trigger.Set

	// enqueueMu serialises chain creation so concurrent enqueues reuse each
	// other's upstream runs.
	enqueueMu sync.Mutex

	mu     sync.Mutex
	active map[string]*activeRun
	slots  map[string]*slot
	closed bool

	runCtx            context.Context
	cancelRuns        context.CancelFunc
	runWg             sync.WaitGroup
	cancelMaintenance context.CancelFunc
	maintenanceDone   chan struct{}
}

// slot gates the concurrently running builds of one definition.
type slot struct {
	capacity int
	sem      *semaphore.Weighted
}

// New validates the catalog, marks runs left over from a previous process
// as failed and starts the maintenance loop.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if cfg.Shell == nil {
		return nil, fmt.Errorf("shell is required")
	}
	if cfg.WorkspaceRoot == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if cfg.Secrets == nil {
		cfg.Secrets = secrets.NewResolver()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.EventSource == "" {
		cfg.EventSource = "ciengine/engine"
	}
	interval := cfg.MaintenanceInterval
	if interval <= 0 {
		interval = time.Minute
	}

	graph, err := Verify(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	var (
		lockMetrics lock.MetricsRecorder
		stepMetrics step.MetricsRecorder
	)
	if cfg.Metrics != nil {
		lockMetrics = cfg.Metrics
		stepMetrics = cfg.Metrics
	}

	runCtx, cancelRuns := context.WithCancel(context.Background())
	e := &Engine{
		store:         cfg.Store,
		artifacts:     cfg.Artifacts,
		locks:         lock.NewManager(cfg.LockTimeout, lockMetrics),
		executor:      step.NewExecutor(cfg.LogTail, stepMetrics),
		shell:         cfg.Shell,
		remote:        cfg.Remote,
		secrets:       cfg.Secrets,
		dispatcher:    cfg.Dispatcher,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		httpClient:    cfg.HTTPClient,
		events:        run.NewEventBuilder(cfg.EventSource),
		logger:        slog.With("component", "engine"),
		workspaceRoot: cfg.WorkspaceRoot,
		repoPath:      cfg.RepoPath,
		batchWindow:   cfg.BatchWindow,
		retention:     cfg.RunRetention,
		catalog:       cfg.Catalog,
		graph:         graph,
		active:        make(map[string]*activeRun),
		slots:         make(map[string]*slot),
		runCtx:        runCtx,
		cancelRuns:    cancelRuns,
	}
	e.resolver = resolver.New(e, cfg.DependencyWait)

	triggers, err := e.newTriggerSet(cfg.Catalog)
	if err != nil {
		cancelRuns()
		return nil, err
	}
	e.triggers = triggers

	if err := e.reconcile(ctx); err != nil {
		triggers.Stop()
		cancelRuns()
		return nil, err
	}

	maintenanceCtx, cancel := context.WithCancel(context.Background())
	e.cancelMaintenance = cancel
	e.maintenanceDone = make(chan struct{})
	go e.runMaintenance(maintenanceCtx, interval)

	e.logger.Info("Engine started", "definitions", cfg.Catalog.Len(), "triggers", len(triggers.Evaluators()))
	return e, nil
}

// Verify runs the configuration-time checks on a catalog: dependency
// cycles and branch filters. It returns the dependency graph.
func Verify(catalog *definition.Catalog) (*resolver.Graph, error) {
	graph, err := resolver.NewGraph(catalog.All())
	if err != nil {
		return nil, err
	}
	if err := graph.DetectCycles(); err != nil {
		return nil, err
	}
	if err := trigger.Verify(catalog); err != nil {
		return nil, err
	}
	return graph, nil
}

func (e *Engine) newTriggerSet(catalog *definition.Catalog) (*trigger.Set, error) {
	var metrics trigger.MetricsRecorder
	if e.metrics != nil {
		metrics = e.metrics
	}
	return trigger.NewSet(catalog, e, e.batchWindow, metrics)
}

// Reload swaps in a new catalog after the configuration-time checks. Runs
// already enqueued keep the definition they were created with. Pending
// trigger batches of the old catalog are dropped.
func (e *Engine) Reload(catalog *definition.Catalog) error {
	graph, err := Verify(catalog)
	if err != nil {
		return err
	}
	triggers, err := e.newTriggerSet(catalog)
	if err != nil {
		return err
	}

	e.catalogMu.Lock()
	old := e.triggers
	e.catalog, e.graph, e.triggers = catalog, graph, triggers
	e.catalogMu.Unlock()

	old.Stop()
	e.logger.Info("Definitions reloaded", "definitions", catalog.Len(), "triggers", len(triggers.Evaluators()))
	return nil
}

func (e *Engine) snapshot() (*definition.Catalog, *resolver.Graph) {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	return e.catalog, e.graph
}

// Definitions returns the loaded definitions ordered by id.
func (e *Engine) Definitions() []*definition.BuildDefinition {
	catalog, _ := e.snapshot()
	return catalog.All()
}

// Definition returns one definition.
func (e *Engine) Definition(id string) (*definition.BuildDefinition, error) {
	catalog, _ := e.snapshot()
	def, ok := catalog.Get(id)
	if !ok {
		return nil, apperrors.NotFound("definition", id)
	}
	return def, nil
}

// Chain returns the definition ids a run of id enqueues, upstream first.
func (e *Engine) Chain(id string) ([]string, error) {
	catalog, graph := e.snapshot()
	if _, ok := catalog.Get(id); !ok {
		return nil, apperrors.NotFound("definition", id)
	}
	return graph.Chain(id)
}

// Get returns a run.
func (e *Engine) Get(ctx context.Context, runID string) (*run.Run, error) {
	return e.store.Get(ctx, runID)
}

// List returns runs matching f, newest first.
func (e *Engine) List(ctx context.Context, f run.Filter) (*run.ListResponse, error) {
	runs, err := e.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*run.Run{}
	}
	return &run.ListResponse{Runs: runs}, nil
}

// Artifacts returns the artifact entries a run published.
func (e *Engine) Artifacts(ctx context.Context, runID string) ([]artifact.Entry, error) {
	if _, err := e.store.Get(ctx, runID); err != nil {
		return nil, err
	}
	entries, err := e.artifacts.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []artifact.Entry{}
	}
	return entries, nil
}

// Locks returns the current lock table.
func (e *Engine) Locks() []lock.Info {
	return e.locks.Snapshot()
}

// Triggers returns the evaluators of the current catalog.
func (e *Engine) Triggers() []*trigger.Evaluator {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	return e.triggers.Evaluators()
}

// Active returns the number of runs not yet terminal.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Close stops triggers and maintenance, then waits for active runs. When
// ctx expires first, the remaining runs are aborted and marked cancelled.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.catalogMu.RLock()
	triggers := e.triggers
	e.catalogMu.RUnlock()
	triggers.Stop()

	e.cancelMaintenance()
	<-e.maintenanceDone

	done := make(chan struct{})
	go func() {
		e.runWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	e.logger.Warn("Aborting active runs", "runs", e.Active())
	e.cancelRuns()
	<-done
	return ctx.Err()
}

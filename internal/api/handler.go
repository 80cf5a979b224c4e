// Package api provides the HTTP API handlers and routing for the CI engine.
package api

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/artifact"
	"ciengine/internal/definition"
	"ciengine/internal/engine"
	"ciengine/internal/health"
	"ciengine/internal/lock"
	"ciengine/internal/observability"
	"ciengine/internal/run"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Engine is the part of *engine.Engine the API serves.
type Engine interface {
	Definitions() []*definition.BuildDefinition
	Definition(id string) (*definition.BuildDefinition, error)
	Chain(id string) ([]string, error)
	Enqueue(ctx context.Context, req engine.Request) (*run.Run, error)
	Get(ctx context.Context, runID string) (*run.Run, error)
	List(ctx context.Context, f run.Filter) (*run.ListResponse, error)
	Cancel(ctx context.Context, runID string) (*run.Run, error)
	Artifacts(ctx context.Context, runID string) ([]artifact.Entry, error)
	Locks() []lock.Info
	Observe(ctx context.Context, change run.Change) (map[string]string, error)
}

// Handler contains HTTP handlers for the CI API
type Handler struct {
	engine  Engine
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(e Engine, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		engine:  e,
		metrics: metrics,
		health:  healthChecker,
	}
}

// DefinitionsResponse lists the catalog.
type DefinitionsResponse struct {
	Definitions []*definition.BuildDefinition `json:"definitions"`
}

// DefinitionResponse is one definition with the chain a run of it enqueues.
type DefinitionResponse struct {
	*definition.BuildDefinition
	Chain []string `json:"chain"`
}

// ArtifactsResponse lists the artifact entries of a run.
type ArtifactsResponse struct {
	RunID   string           `json:"runId"`
	Entries []artifact.Entry `json:"entries"`
}

// LocksResponse is the lock table.
type LocksResponse struct {
	Locks []lock.Info `json:"locks"`
}

// ChangeResponse reports what each trigger did with a pushed change.
type ChangeResponse struct {
	Outcomes map[string]string `json:"outcomes"`
}

// ListDefinitions handles GET /v1/definitions
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, DefinitionsResponse{Definitions: h.engine.Definitions()})
}

// GetDefinition handles GET /v1/definitions/{definitionId}
func (h *Handler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("definitionId")
	def, err := h.engine.Definition(id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	chain, err := h.engine.Chain(id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DefinitionResponse{BuildDefinition: def, Chain: chain})
}

// CreateRun handles POST /v1/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.engine.Enqueue(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListRuns handles GET /v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := run.Filter{
		DefinitionID: q.Get("definitionId"),
		State:        run.State(q.Get("state")),
	}
	if f.State != "" && !f.State.Valid() {
		h.writeError(w, http.StatusBadRequest, "Unknown state "+string(f.State))
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	resp, err := h.engine.List(r.Context(), f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	resp, err := h.engine.Get(r.Context(), runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// CancelRun handles DELETE /v1/runs/{runId}. It answers once the run is
// recorded as cancelled.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	resp, err := h.engine.Cancel(r.Context(), runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ListArtifacts handles GET /v1/runs/{runId}/artifacts
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	entries, err := h.engine.Artifacts(r.Context(), runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []artifact.Entry{}
	}
	h.writeJSON(w, http.StatusOK, ArtifactsResponse{RunID: runID, Entries: entries})
}

// ListLocks handles GET /v1/locks
func (h *Handler) ListLocks(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, LocksResponse{Locks: h.engine.Locks()})
}

// PushChange handles POST /v1/changes - a VCS change pushed by a hook.
func (h *Handler) PushChange(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var change run.Change
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	outcomes, err := h.engine.Observe(r.Context(), change)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, ChangeResponse{Outcomes: outcomes})
}

// Livez handles GET /livez - liveness check.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness check.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies (run store, Docker) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the engine with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if errors.Is(err, engine.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path, "requestId", RequestID(r.Context()))
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status, "requestId", RequestID(r.Context()))
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error(), "kind": apperrors.Kind(err)})
}

package api

import (
	"ciengine/internal/health"
	"ciengine/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Engine        Engine
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Engine, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	authMiddleware := AuthMiddleware(cfg.APIKey)
	auth := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(fn))
	}

	auth("GET /v1/definitions", handler.ListDefinitions)
	auth("GET /v1/definitions/{definitionId}", handler.GetDefinition)

	auth("POST /v1/runs", handler.CreateRun)
	auth("GET /v1/runs", handler.ListRuns)
	auth("GET /v1/runs/{runId}", handler.GetRun)
	auth("DELETE /v1/runs/{runId}", handler.CancelRun)
	auth("GET /v1/runs/{runId}/artifacts", handler.ListArtifacts)

	auth("GET /v1/locks", handler.ListLocks)
	auth("POST /v1/changes", handler.PushChange)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}

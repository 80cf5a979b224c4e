package api

import (
	"bytes"
	"ciengine/internal/apperrors"
	"ciengine/internal/artifact"
	"ciengine/internal/definition"
	"ciengine/internal/engine"
	"ciengine/internal/health"
	"ciengine/internal/lock"
	"ciengine/internal/run"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeEngine serves canned data and records calls.
type fakeEngine struct {
	mu       sync.Mutex
	defs     map[string]*definition.BuildDefinition
	runs     map[string]*run.Run
	enqueued []engine.Request
	filters  []run.Filter
	changes  []run.Change
	enqueErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		defs: map[string]*definition.BuildDefinition{
			"app": {ID: "app", Name: "App"},
		},
		runs: map[string]*run.Run{
			"r1": {ID: "r1", DefinitionID: "app", Number: 1, State: run.StateRunning},
			"r2": {ID: "r2", DefinitionID: "app", Number: 2, State: run.StateSucceeded},
		},
	}
}

func (f *fakeEngine) Definitions() []*definition.BuildDefinition {
	return []*definition.BuildDefinition{f.defs["app"]}
}

func (f *fakeEngine) Definition(id string) (*definition.BuildDefinition, error) {
	if d, ok := f.defs[id]; ok {
		return d, nil
	}
	return nil, apperrors.NotFound("definition", id)
}

func (f *fakeEngine) Chain(id string) ([]string, error) { return []string{"lib", id}, nil }

func (f *fakeEngine) Enqueue(_ context.Context, req engine.Request) (*run.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueErr != nil {
		return nil, f.enqueErr
	}
	if _, ok := f.defs[req.DefinitionID]; !ok {
		return nil, apperrors.NotFound("definition", req.DefinitionID)
	}
	f.enqueued = append(f.enqueued, req)
	return &run.Run{ID: "r3", DefinitionID: req.DefinitionID, Number: 3, State: run.StateQueued, Revision: req.Revision}, nil
}

func (f *fakeEngine) Get(_ context.Context, runID string) (*run.Run, error) {
	if r, ok := f.runs[runID]; ok {
		return r, nil
	}
	return nil, apperrors.NotFound("run", runID)
}

func (f *fakeEngine) List(_ context.Context, filter run.Filter) (*run.ListResponse, error) {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.mu.Unlock()
	return &run.ListResponse{Runs: []*run.Run{f.runs["r2"], f.runs["r1"]}}, nil
}

func (f *fakeEngine) Cancel(_ context.Context, runID string) (*run.Run, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}
	if r.State.Terminal() {
		return nil, apperrors.Conflict("run", runID, "run already "+string(r.State))
	}
	c := r.Clone()
	c.State = run.StateCancelled
	return c, nil
}

func (f *fakeEngine) Artifacts(_ context.Context, runID string) ([]artifact.Entry, error) {
	if runID == "r2" {
		return []artifact.Entry{{Path: "app.tar.gz", Size: 42, SHA256: "abc"}}, nil
	}
	if _, ok := f.runs[runID]; ok {
		return nil, nil
	}
	return nil, apperrors.NotFound("run", runID)
}

func (f *fakeEngine) Locks() []lock.Info {
	return []lock.Info{{Name: "staging-db", Holders: []lock.Holder{{RunID: "r1", Mode: lock.Write}}, Waiters: []lock.Holder{}}}
}

func (f *fakeEngine) Observe(_ context.Context, change run.Change) (map[string]string, error) {
	if change.Branch == "" {
		return nil, apperrors.Validation("branch", "branch is required")
	}
	f.mu.Lock()
	f.changes = append(f.changes, change)
	f.mu.Unlock()
	return map[string]string{"app/app-trigger-0": "enqueued"}, nil
}

func newTestRouter(e Engine, apiKey string) http.Handler {
	return NewRouter(RouterConfig{
		Engine:        e,
		HealthChecker: health.NewChecker(nil),
		APIKey:        apiKey,
	})
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_Unhealthy(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(map[string]health.ReadinessChecker{"store": nil}),
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestHandler_CreateRun(t *testing.T) {
	t.Parallel()
	fe := newFakeEngine()
	h := newTestRouter(fe, "")

	w := serve(t, h, http.MethodPost, "/v1/runs", `{"definitionId":"app","revision":"abc"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body)
	}
	var r run.Run
	if err := json.NewDecoder(w.Body).Decode(&r); err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateQueued || r.Revision != "abc" {
		t.Errorf("Unexpected run %+v", r)
	}
	if len(fe.enqueued) != 1 || fe.enqueued[0].DefinitionID != "app" {
		t.Errorf("Unexpected enqueue calls %+v", fe.enqueued)
	}
}

func TestHandler_CreateRun_Errors(t *testing.T) {
	t.Parallel()
	closed := newFakeEngine()
	closed.enqueErr = engine.ErrClosed

	tests := []struct {
		name   string
		engine *fakeEngine
		body   string
		status int
		kind   string
	}{
		{"empty body", newFakeEngine(), "", http.StatusBadRequest, ""},
		{"malformed json", newFakeEngine(), `{"definitionId": app}`, http.StatusBadRequest, ""},
		{"unknown definition", newFakeEngine(), `{"definitionId":"nope"}`, http.StatusNotFound, "NotFound"},
		{"shutting down", closed, `{"definitionId":"app"}`, http.StatusServiceUnavailable, "Internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()

			NewHandler(tt.engine, nil, nil).CreateRun(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			var resp map[string]string
			json.NewDecoder(w.Body).Decode(&resp)
			if resp["error"] == "" {
				t.Error("Expected error message in response")
			}
			if tt.kind != "" && resp["kind"] != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, resp["kind"])
			}
		})
	}
}

func TestHandler_ListRuns(t *testing.T) {
	t.Parallel()
	fe := newFakeEngine()
	h := newTestRouter(fe, "")

	w := serve(t, h, http.MethodGet, "/v1/runs?definitionId=app&state=running&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp run.ListResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Runs) != 2 {
		t.Errorf("Expected 2 runs, got %d", len(resp.Runs))
	}
	want := run.Filter{DefinitionID: "app", State: run.StateRunning, Limit: 5}
	if len(fe.filters) != 1 || fe.filters[0] != want {
		t.Errorf("Expected filter %+v, got %+v", want, fe.filters)
	}

	for _, q := range []string{"state=paused", "limit=-1", "limit=ten"} {
		if w := serve(t, h, http.MethodGet, "/v1/runs?"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status %d, got %d", q, http.StatusBadRequest, w.Code)
		}
	}
}

func TestHandler_GetRun(t *testing.T) {
	t.Parallel()
	h := newTestRouter(newFakeEngine(), "")

	w := serve(t, h, http.MethodGet, "/v1/runs/r1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var r run.Run
	json.NewDecoder(w.Body).Decode(&r)
	if r.ID != "r1" || r.State != run.StateRunning {
		t.Errorf("Unexpected run %+v", r)
	}

	if w := serve(t, h, http.MethodGet, "/v1/runs/ghost", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandler_GetRun_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/", nil)
	w := httptest.NewRecorder()

	handler.GetRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_CancelRun(t *testing.T) {
	t.Parallel()
	h := newTestRouter(newFakeEngine(), "")

	tests := []struct {
		runID  string
		status int
	}{
		{"r1", http.StatusOK},
		{"r2", http.StatusConflict},
		{"ghost", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := serve(t, h, http.MethodDelete, "/v1/runs/"+tt.runID, "")
		if w.Code != tt.status {
			t.Errorf("%s: expected status %d, got %d", tt.runID, tt.status, w.Code)
		}
	}

	w := serve(t, h, http.MethodDelete, "/v1/runs/r1", "")
	var r run.Run
	json.NewDecoder(w.Body).Decode(&r)
	if r.State != run.StateCancelled {
		t.Errorf("Expected cancelled, got %s", r.State)
	}
}

func TestHandler_ListArtifacts(t *testing.T) {
	t.Parallel()
	h := newTestRouter(newFakeEngine(), "")

	w := serve(t, h, http.MethodGet, "/v1/runs/r2/artifacts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp ArtifactsResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.RunID != "r2" || len(resp.Entries) != 1 || resp.Entries[0].Path != "app.tar.gz" {
		t.Errorf("Unexpected response %+v", resp)
	}

	w = serve(t, h, http.MethodGet, "/v1/runs/r1/artifacts", "")
	if body := w.Body.String(); !bytes.Contains([]byte(body), []byte(`"entries":[]`)) {
		t.Errorf("Expected an empty entries array, got %s", body)
	}
}

func TestHandler_Definitions(t *testing.T) {
	t.Parallel()
	h := newTestRouter(newFakeEngine(), "")

	w := serve(t, h, http.MethodGet, "/v1/definitions", "")
	var list DefinitionsResponse
	json.NewDecoder(w.Body).Decode(&list)
	if len(list.Definitions) != 1 || list.Definitions[0].ID != "app" {
		t.Errorf("Unexpected definitions %+v", list)
	}

	w = serve(t, h, http.MethodGet, "/v1/definitions/app", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var def struct {
		ID    string   `json:"id"`
		Chain []string `json:"chain"`
	}
	json.NewDecoder(w.Body).Decode(&def)
	if def.ID != "app" || len(def.Chain) != 2 || def.Chain[0] != "lib" {
		t.Errorf("Unexpected definition %+v", def)
	}

	if w := serve(t, h, http.MethodGet, "/v1/definitions/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandler_ListLocks(t *testing.T) {
	t.Parallel()
	h := newTestRouter(newFakeEngine(), "")

	w := serve(t, h, http.MethodGet, "/v1/locks", "")
	var resp LocksResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Locks) != 1 || resp.Locks[0].Holders[0].RunID != "r1" {
		t.Errorf("Unexpected locks %+v", resp)
	}
}

func TestHandler_PushChange(t *testing.T) {
	t.Parallel()
	fe := newFakeEngine()
	h := newTestRouter(fe, "")

	w := serve(t, h, http.MethodPost, "/v1/changes", `{"revision":"abc","branch":"main","author":"alice"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}
	var resp ChangeResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Outcomes["app/app-trigger-0"] != "enqueued" {
		t.Errorf("Unexpected outcomes %+v", resp.Outcomes)
	}
	if len(fe.changes) != 1 || fe.changes[0].Author != "alice" {
		t.Errorf("Unexpected changes %+v", fe.changes)
	}

	if w := serve(t, h, http.MethodPost, "/v1/changes", `{"revision":"abc"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	h := newTestRouter(newFakeEngine(), "secret")

	if w := serve(t, h, http.MethodGet, "/v1/runs", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	// health checks stay open
	if w := serve(t, h, http.MethodGet, "/livez", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Parallel()
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	})
	handler := RequestIDMiddleware()(LoggingMiddleware()(inner))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen == "" || w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected generated id echoed, got context=%q header=%q", seen, w.Header().Get(RequestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set(RequestIDHeader, "build-42")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "build-42" || w.Header().Get(RequestIDHeader) != "build-42" {
		t.Errorf("expected caller id kept, got context=%q header=%q", seen, w.Header().Get(RequestIDHeader))
	}
}

func TestMiddleware_ResponseWriterCapturesStatus(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)
	rw.Write([]byte("queued"))

	if rw.statusCode != http.StatusAccepted {
		t.Errorf("expected first status kept, got %d", rw.statusCode)
	}
	if rw.bytes != len("queued") {
		t.Errorf("expected %d bytes, got %d", len("queued"), rw.bytes)
	}
	if rw.Unwrap() != rec {
		t.Error("Unwrap should return the wrapped writer")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	handler := ContentTypeMiddleware()(inner)

	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}

	for _, ct := range []string{"", "application/json", "application/json; charset=utf-8"} {
		called = false
		req = httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		w = httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if !called {
			t.Errorf("Inner handler was not called for Content-Type %q", ct)
		}
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
	if w.Header().Get("Access-Control-Expose-Headers") != RequestIDHeader {
		t.Error("Expected request id to be exposed")
	}
}

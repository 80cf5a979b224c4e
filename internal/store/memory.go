package store

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/run"
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a Store held in process memory. Runs are lost on restart.
type Memory struct {
	mu      sync.RWMutex
	runs    map[string]*run.Run
	numbers map[string]int64 // definition id -> highest number
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:    make(map[string]*run.Run),
		numbers: make(map[string]int64),
	}
}

func (m *Memory) Create(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[r.ID]; exists {
		return apperrors.Conflict("run", r.ID, "run already exists")
	}
	m.numbers[r.DefinitionID]++
	r.Number = m.numbers[r.DefinitionID]
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *Memory) Update(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[r.ID]; !exists {
		return apperrors.NotFound("run", r.ID)
	}
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.runs[id]
	if !exists {
		return nil, apperrors.NotFound("run", id)
	}
	return r.Clone(), nil
}

func (m *Memory) List(_ context.Context, f run.Filter) ([]*run.Run, error) {
	m.mu.RLock()
	var out []*run.Run
	for _, r := range m.runs {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) DeleteFinishedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, r := range m.runs {
		if r.State.Terminal() && r.FinishedAt != nil && r.FinishedAt.Before(cutoff) {
			ids = append(ids, id)
			delete(m.runs, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func sortNewestFirst(runs []*run.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.DefinitionID != b.DefinitionID {
			return a.DefinitionID < b.DefinitionID
		}
		return a.Number > b.Number
	})
}

var _ Store = (*Memory)(nil)

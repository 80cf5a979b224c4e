package store

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/run"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore runs the behaviour every Store must share.
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateNumbersPerDefinition", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().Truncate(time.Millisecond)

		for i, def := range []string{"build", "build", "deploy", "build"} {
			r := &run.Run{ID: fmt.Sprintf("r%d", i), DefinitionID: def, State: run.StateQueued, CreatedAt: base.Add(time.Duration(i) * time.Second)}
			require.NoError(t, s.Create(ctx, r))
		}

		got, err := s.Get(ctx, "r3")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Number)
		got, err = s.Get(ctx, "r2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Number)

		err = s.Create(ctx, &run.Run{ID: "r0", DefinitionID: "build", State: run.StateQueued, CreatedAt: base})
		assert.True(t, errors.Is(err, apperrors.ErrConflict), "duplicate id: %v", err)
	})

	t.Run("UpdateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		r := &run.Run{ID: "r1", DefinitionID: "build", State: run.StateQueued, CreatedAt: time.Now(), Upstream: map[string]string{"lib": "r0"}}
		require.NoError(t, s.Create(ctx, r))

		// the store keeps its own copy
		r.State = run.StateRunning
		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, run.StateQueued, got.State)

		finished := time.Now()
		r.State = run.StateFailed
		r.FinishedAt = &finished
		r.Error = "step compile failed"
		r.Steps = []run.StepResult{{ID: "compile", Type: "script", Status: run.StepFailed, ExitCode: 2}}
		require.NoError(t, s.Update(ctx, r))

		got, err = s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, run.StateFailed, got.State)
		assert.Equal(t, "step compile failed", got.Error)
		assert.Equal(t, r.Steps, got.Steps)
		assert.Equal(t, map[string]string{"lib": "r0"}, got.Upstream)
		require.NotNil(t, got.FinishedAt)
		assert.True(t, got.FinishedAt.Equal(finished))

		err = s.Update(ctx, &run.Run{ID: "ghost"})
		assert.True(t, errors.Is(err, apperrors.ErrNotFound))
		_, err = s.Get(ctx, "ghost")
		assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("ListFiltersNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now()
		specs := []struct {
			id, def string
			state   run.State
		}{
			{"a", "build", run.StateSucceeded},
			{"b", "deploy", run.StateQueued},
			{"c", "build", run.StateRunning},
			{"d", "build", run.StateSucceeded},
		}
		for i, sp := range specs {
			require.NoError(t, s.Create(ctx, &run.Run{ID: sp.id, DefinitionID: sp.def, State: sp.state, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
		}

		ids := func(f run.Filter) []string {
			runs, err := s.List(ctx, f)
			require.NoError(t, err)
			out := make([]string, 0, len(runs))
			for _, r := range runs {
				out = append(out, r.ID)
			}
			return out
		}
		assert.Equal(t, []string{"d", "c", "b", "a"}, ids(run.Filter{}))
		assert.Equal(t, []string{"d", "c", "a"}, ids(run.Filter{DefinitionID: "build"}))
		assert.Equal(t, []string{"d", "a"}, ids(run.Filter{DefinitionID: "build", State: run.StateSucceeded}))
		assert.Equal(t, []string{"d", "c"}, ids(run.Filter{Limit: 2}))
		assert.Empty(t, ids(run.Filter{DefinitionID: "nope"}))
	})

	t.Run("DeleteFinishedBefore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()
		old := now.Add(-2 * time.Hour)
		recent := now.Add(-time.Minute)

		require.NoError(t, s.Create(ctx, &run.Run{ID: "old", DefinitionID: "b", State: run.StateSucceeded, CreatedAt: old, FinishedAt: &old}))
		require.NoError(t, s.Create(ctx, &run.Run{ID: "recent", DefinitionID: "b", State: run.StateFailed, CreatedAt: recent, FinishedAt: &recent}))
		require.NoError(t, s.Create(ctx, &run.Run{ID: "active", DefinitionID: "b", State: run.StateRunning, CreatedAt: old}))

		ids, err := s.DeleteFinishedBefore(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids)

		_, err = s.Get(ctx, "old")
		assert.True(t, errors.Is(err, apperrors.ErrNotFound))
		_, err = s.Get(ctx, "active")
		assert.NoError(t, err)

		ids, err = s.DeleteFinishedBefore(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Create(ctx, &run.Run{ID: fmt.Sprintf("r%02d", i), DefinitionID: "build", State: run.StateQueued, CreatedAt: time.Now()}))
			}()
		}
		wg.Wait()

		runs, err := s.List(ctx, run.Filter{DefinitionID: "build"})
		require.NoError(t, err)
		seen := make(map[int64]bool)
		for _, r := range runs {
			assert.False(t, seen[r.Number], "number %d assigned twice", r.Number)
			seen[r.Number] = true
		}
		assert.Len(t, seen, 20)
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemory(t *testing.T) {
	t.Parallel()
	testStore(t, func(t *testing.T) Store { return NewMemory() })
}

func TestSQLite(t *testing.T) {
	t.Parallel()
	testStore(t, func(t *testing.T) Store {
		s, err := OpenSQL(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "runs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLite_Reopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	s, err := OpenSQL(ctx, DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, &run.Run{ID: "r1", DefinitionID: "build", State: run.StateQueued, CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = OpenSQL(ctx, DriverSQLite, path)
	require.NoError(t, err)
	defer s.Close()
	r := &run.Run{ID: "r2", DefinitionID: "build", State: run.StateQueued, CreatedAt: time.Now()}
	require.NoError(t, s.Create(ctx, r))
	assert.Equal(t, int64(2), r.Number, "numbering continues after reopen")
}

func TestRebind(t *testing.T) {
	t.Parallel()
	pg := &SQL{driver: DriverPostgres}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b IN ($2, $3)", pg.rebind("SELECT 1 WHERE a = ? AND b IN (?, ?)"))
	lite := &SQL{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = New(ctx, Config{Driver: DriverPostgres})
	assert.ErrorContains(t, err, "STORE_DSN")

	_, err = New(ctx, Config{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)

	s, err = New(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQL{}, s)
	require.NoError(t, s.Close())
}

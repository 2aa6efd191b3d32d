package jobstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PseudoDarwinist/software-factory-sub003/internal/jobs"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/platform/pg"
	sqlitedb "github.com/PseudoDarwinist/software-factory-sub003/internal/platform/sqlite"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/shared"
)

// storeFactory creates a fresh, empty store for one subtest.
type storeFactory func(t *testing.T) jobs.Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	b := map[string]storeFactory{
		"memory": func(t *testing.T) jobs.Store {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) jobs.Store {
			ctx := context.Background()
			db, path, err := sqlitedb.NewTestDB(ctx)
			require.NoError(t, err)
			t.Cleanup(func() { _ = sqlitedb.CleanupTestDB(db, path) })
			require.NoError(t, sqlitedb.ApplyMigrations(db, path, "../../migrations/sqlite"))
			return NewSQLite(db)
		},
	}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) jobs.Store {
			ctx := context.Background()
			pool, err := pg.NewPool(ctx, dsn)
			require.NoError(t, err)
			t.Cleanup(pool.Close)
			require.NoError(t, pg.ApplyMigrations(dsn, "../../migrations/postgres"))
			_, err = pool.Exec(ctx, `DELETE FROM jobs`)
			require.NoError(t, err)
			return NewPostgres(pool)
		}
	}
	return b
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s jobs.Store)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newTestJob(jobType, projectID string) *jobs.Job {
	j := jobs.NewJob(jobType, projectID, []byte(`{"x":1}`))
	return j
}

func TestStore_CreateAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		ctx := context.Background()
		j := newTestJob("clone", "proj-1")

		require.NoError(t, s.Create(ctx, j))

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, j.ID, got.ID)
		assert.Equal(t, "clone", got.Type)
		assert.Equal(t, "proj-1", got.ProjectID)
		assert.Equal(t, jobs.StatusPending, got.Status)
		assert.Equal(t, 0, got.Progress)
		assert.JSONEq(t, `{"x":1}`, string(got.Params))
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
	})
}

func TestStore_CreateDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		ctx := context.Background()
		j := newTestJob("clone", "")
		require.NoError(t, s.Create(ctx, j))
		err := s.Create(ctx, j)
		require.Error(t, err)
		assert.True(t, shared.IsConflict(err))
	})
}

func TestStore_GetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		_, err := s.Get(context.Background(), "no-such-id")
		require.Error(t, err)
		assert.True(t, shared.IsNotFound(err))
	})
}

func TestStore_Lifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		ctx := context.Background()
		j := newTestJob("index", "proj-1")
		require.NoError(t, s.Create(ctx, j))

		require.NoError(t, s.Start(ctx, j.ID))
		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)

		require.NoError(t, s.UpdateProgress(ctx, j.ID, 40))
		got, err = s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, 40, got.Progress)

		require.NoError(t, s.Complete(ctx, j.ID, []byte(`{"ok":true}`)))
		got, err = s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.JSONEq(t, `{"ok":true}`, string(got.Result))
		require.NotNil(t, got.CompletedAt)
	})
}

func TestStore_TransitionGuards(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		ctx := context.Background()

		t.Run("start requires pending", func(t *testing.T) {
			j := newTestJob("a", "")
			require.NoError(t, s.Create(ctx, j))
			require.NoError(t, s.Start(ctx, j.ID))
			err := s.Start(ctx, j.ID)
			assert.True(t, shared.IsConflict(err), "second start must be rejected: %v", err)
		})

		t.Run("complete requires running", func(t *testing.T) {
			j := newTestJob("b", "")
			require.NoError(t, s.Create(ctx, j))
			err := s.Complete(ctx, j.ID, nil)
			assert.True(t, shared.IsConflict(err))
		})

		t.Run("terminal rows are immutable", func(t *testing.T) {
			j := newTestJob("c", "")
			require.NoError(t, s.Create(ctx, j))
			require.NoError(t, s.Start(ctx, j.ID))
			require.NoError(t, s.Fail(ctx, j.ID, "boom"))

			assert.True(t, shared.IsConflict(s.Start(ctx, j.ID)))
			assert.True(t, shared.IsConflict(s.Complete(ctx, j.ID, nil)))
			assert.True(t, shared.IsConflict(s.Cancel(ctx, j.ID)))
			assert.True(t, shared.IsConflict(s.UpdateProgress(ctx, j.ID, 50)))

			got, err := s.Get(ctx, j.ID)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusFailed, got.Status)
			assert.Equal(t, "boom", got.Error)
		})

		t.Run("missing row is not found", func(t *testing.T) {
			assert.True(t, shared.IsNotFound(s.Start(ctx, "nope")))
			assert.True(t, shared.IsNotFound(s.Cancel(ctx, "nope")))
		})
	})
}

func TestStore_ProgressNonDecreasing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		ctx := context.Background()
		j := newTestJob("a", "")
		require.NoError(t, s.Create(ctx, j))
		require.NoError(t, s.Start(ctx, j.ID))

		require.NoError(t, s.UpdateProgress(ctx, j.ID, 60))
		err := s.UpdateProgress(ctx, j.ID, 30)
		assert.True(t, shared.IsConflict(err), "decreasing write must be rejected: %v", err)

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, 60, got.Progress)

		// Equal value is allowed
		require.NoError(t, s.UpdateProgress(ctx, j.ID, 60))
	})
}

func TestStore_CancelPendingAndRunning(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		ctx := context.Background()

		pending := newTestJob("a", "")
		require.NoError(t, s.Create(ctx, pending))
		require.NoError(t, s.Cancel(ctx, pending.ID))

		running := newTestJob("b", "")
		require.NoError(t, s.Create(ctx, running))
		require.NoError(t, s.Start(ctx, running.ID))
		require.NoError(t, s.Cancel(ctx, running.ID))

		for _, id := range []string{pending.ID, running.ID} {
			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusCancelled, got.Status)
			require.NotNil(t, got.CompletedAt)
		}
	})
}

func TestStore_Listing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		ctx := context.Background()

		mk := func(projectID string, age time.Duration) *jobs.Job {
			j := newTestJob("t", projectID)
			j.CreatedAt = time.Now().UTC().Add(-age)
			j.UpdatedAt = j.CreatedAt
			require.NoError(t, s.Create(ctx, j))
			return j
		}

		oldest := mk("p1", 3*time.Hour)
		middle := mk("p1", 2*time.Hour)
		newest := mk("p2", time.Hour)
		require.NoError(t, s.Start(ctx, middle.ID))
		require.NoError(t, s.Complete(ctx, middle.ID, nil))

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, newest.ID, active[0].ID)
		assert.Equal(t, oldest.ID, active[1].ID)

		byProject, err := s.ListByProject(ctx, "p1", 0)
		require.NoError(t, err)
		require.Len(t, byProject, 2)
		assert.Equal(t, middle.ID, byProject[0].ID)

		limited, err := s.ListByProject(ctx, "p1", 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)

		completed, err := s.ListByStatus(ctx, jobs.StatusCompleted, 0)
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, middle.ID, completed[0].ID)

		byType, err := s.ListByType(ctx, "t", 2)
		require.NoError(t, err)
		require.Len(t, byType, 2)
		assert.Equal(t, newest.ID, byType[0].ID)

		none, err := s.ListByType(ctx, "other", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestStore_DeleteTerminalBefore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		ctx := context.Background()

		finish := func(j *jobs.Job) {
			require.NoError(t, s.Start(ctx, j.ID))
			require.NoError(t, s.Complete(ctx, j.ID, nil))
		}

		oldDone := newTestJob("a", "")
		require.NoError(t, s.Create(ctx, oldDone))
		finish(oldDone)

		stillPending := newTestJob("b", "")
		require.NoError(t, s.Create(ctx, stillPending))

		// A future cutoff catches terminal rows only
		n, err := s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.Get(ctx, oldDone.ID)
		assert.True(t, shared.IsNotFound(err))

		got, err := s.Get(ctx, stillPending.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusPending, got.Status)

		// A past cutoff removes nothing
		n, err = s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStore_FailRunning(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		ctx := context.Background()

		running := newTestJob("a", "")
		require.NoError(t, s.Create(ctx, running))
		require.NoError(t, s.Start(ctx, running.ID))

		pending := newTestJob("b", "")
		require.NoError(t, s.Create(ctx, pending))

		n, err := s.FailRunning(ctx, "interrupted")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := s.Get(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusFailed, got.Status)
		assert.Equal(t, "interrupted", got.Error)

		got, err = s.Get(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusPending, got.Status)
	})
}

func TestStore_Counts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s jobs.Store) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Create(ctx, newTestJob("a", "")))
		}
		done := newTestJob("a", "")
		require.NoError(t, s.Create(ctx, done))
		require.NoError(t, s.Start(ctx, done.ID))
		require.NoError(t, s.Complete(ctx, done.ID, nil))

		n, err := s.CountByStatus(ctx, jobs.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = s.CountTerminalSince(ctx, jobs.StatusCompleted, time.Now().UTC().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.CountTerminalSince(ctx, jobs.StatusCompleted, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestMemory_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	j := newTestJob("a", "p")
	require.NoError(t, s.Create(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	got.Status = jobs.StatusCompleted
	got.Params[0] = 'X'

	again, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, again.Status)
	assert.JSONEq(t, `{"x":1}`, string(again.Params))
}

package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInMemoryDB(t *testing.T) {
	ctx := context.Background()

	db, err := NewInMemoryDB(ctx)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PingContext(ctx))

	_, err = db.ExecContext(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO t (name) VALUES (?)`, "hello")
	require.NoError(t, err)

	var name string
	err = db.QueryRowContext(ctx, `SELECT name FROM t WHERE id = 1`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "hello", name)
}

func TestNewTestDB(t *testing.T) {
	ctx := context.Background()

	db, path, err := NewTestDB(ctx)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, CleanupTestDB(db, path))
	}()

	require.NotEmpty(t, path)
	require.NoError(t, db.PingContext(ctx))

	// WAL режим должен быть включен для файловой БД
	var mode string
	err = db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode)
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name string
		path string
		opts DBOptions
		want string
	}{
		{
			name: "no params",
			path: "data/app.sqlite",
			opts: DBOptions{},
			want: "data/app.sqlite",
		},
		{
			name: "busy timeout",
			path: "data/app.sqlite",
			opts: DBOptions{BusyTimeout: 5 * time.Second},
			want: "data/app.sqlite?_busy_timeout=5000",
		},
		{
			name: "read only with timeout",
			path: "data/app.sqlite",
			opts: DBOptions{AccessMode: AccessModeReadOnly, BusyTimeout: time.Second},
			want: "data/app.sqlite?mode=ro&_busy_timeout=1000",
		},
		{
			name: "default access mode omitted",
			path: "data/app.sqlite",
			opts: DBOptions{AccessMode: AccessModeReadWrite},
			want: "data/app.sqlite",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildDSN(tt.path, tt.opts))
		})
	}
}

func TestTxRunner_WithinTx(t *testing.T) {
	ctx := context.Background()

	db, err := NewInMemoryDB(ctx)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE counters (id INTEGER PRIMARY KEY, n INTEGER NOT NULL)`)
	require.NoError(t, err)

	runner := NewTxRunner(db)

	t.Run("commit on success", func(t *testing.T) {
		err := runner.WithinTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO counters (id, n) VALUES (1, 10)`)
			return err
		})
		require.NoError(t, err)

		var n int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT n FROM counters WHERE id = 1`).Scan(&n))
		assert.Equal(t, 10, n)
	})

	t.Run("rollback on error", func(t *testing.T) {
		wantErr := assert.AnError
		err := runner.WithinTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `UPDATE counters SET n = 99 WHERE id = 1`); err != nil {
				return err
			}
			return wantErr
		})
		require.ErrorIs(t, err, wantErr)

		var n int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT n FROM counters WHERE id = 1`).Scan(&n))
		assert.Equal(t, 10, n, "update must be rolled back")
	})
}

func TestIsBusyError(t *testing.T) {
	assert.False(t, isBusyError(nil))
	assert.False(t, isBusyError(assert.AnError))
	assert.True(t, isBusyError(errDatabaseLocked{}))
}

type errDatabaseLocked struct{}

func (errDatabaseLocked) Error() string { return "database is locked (5) (SQLITE_BUSY)" }

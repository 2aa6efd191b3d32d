package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Querier - общий интерфейс для *sql.DB и *sql.Tx.
// Позволяет писать запросы, работающие как внутри транзакции, так и вне её.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxRunner выполняет функции внутри транзакций с автоматическим
// commit/rollback и повторами при SQLITE_BUSY.
type TxRunner struct {
	db         *sql.DB
	maxRetries int
	retryDelay time.Duration
	txTimeout  time.Duration
}

// TxRunnerOptions содержит настройки для TxRunner.
type TxRunnerOptions struct {
	// MaxRetries - максимальное количество повторов при SQLITE_BUSY
	MaxRetries int
	// RetryDelay - базовая задержка между повторами
	RetryDelay time.Duration
	// TxTimeout - таймаут на выполнение одной транзакции
	TxTimeout time.Duration
}

// DefaultTxRunnerOptions возвращает настройки по умолчанию.
func DefaultTxRunnerOptions() TxRunnerOptions {
	return TxRunnerOptions{
		MaxRetries: 3,
		RetryDelay: 50 * time.Millisecond,
		TxTimeout:  10 * time.Second,
	}
}

// NewTxRunner создает TxRunner с настройками по умолчанию.
func NewTxRunner(db *sql.DB) *TxRunner {
	return NewTxRunnerWithOptions(db, DefaultTxRunnerOptions())
}

// NewTxRunnerWithOptions создает TxRunner с заданными настройками.
func NewTxRunnerWithOptions(db *sql.DB, opts TxRunnerOptions) *TxRunner {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 50 * time.Millisecond
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 10 * time.Second
	}
	return &TxRunner{
		db:         db,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		txTimeout:  opts.TxTimeout,
	}
}

// DB возвращает нижележащее соединение для запросов вне транзакции.
func (r *TxRunner) DB() *sql.DB {
	return r.db
}

// WithinTx выполняет функцию внутри транзакции.
// При SQLITE_BUSY транзакция откатывается и повторяется с линейной задержкой.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := r.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isBusyError(err) {
			return err
		}
	}

	return fmt.Errorf("transaction failed after %d retries: %w", r.maxRetries, lastErr)
}

func (r *TxRunner) runTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, r.txTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(txCtx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// isBusyError проверяет, является ли ошибка SQLITE_BUSY или SQLITE_LOCKED.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite драйвер
)

// AccessMode определяет режим доступа к SQLite базе данных
type AccessMode string

const (
	// AccessModeReadWrite - режим чтения и записи (по умолчанию)
	AccessModeReadWrite AccessMode = "rw"
	// AccessModeReadOnly - режим только для чтения
	AccessModeReadOnly AccessMode = "ro"
	// AccessModeReadWriteCreate - режим чтения/записи с созданием файла если не существует
	AccessModeReadWriteCreate AccessMode = "rwc"
)

// DBOptions содержит настройки для SQLite базы данных.
type DBOptions struct {
	// ConnMaxLifetime - максимальное время жизни соединения
	ConnMaxLifetime time.Duration
	// ConnMaxIdleTime - максимальное время простоя соединения
	ConnMaxIdleTime time.Duration
	// MaxOpenConns - максимальное количество открытых соединений
	MaxOpenConns int
	// MaxIdleConns - максимальное количество idle соединений
	MaxIdleConns int
	// PingTimeout - таймаут для проверки соединения при создании БД
	PingTimeout time.Duration
	// WALMode - использовать ли WAL режим для лучшей производительности
	WALMode bool
	// ForeignKeys - включить ли проверку внешних ключей
	ForeignKeys bool
	// BusyTimeout - таймаут ожидания при SQLITE_BUSY (в миллисекундах)
	BusyTimeout time.Duration
	// AccessMode - режим доступа к базе данных
	AccessMode AccessMode
}

// DefaultDBOptions возвращает настройки по умолчанию, оптимизированные для embedded использования.
func DefaultDBOptions() DBOptions {
	return DBOptions{
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		MaxOpenConns:    4, // Снижено для SQLite (один писатель)
		MaxIdleConns:    1,
		PingTimeout:     5 * time.Second,
		WALMode:         true,
		ForeignKeys:     true,
		BusyTimeout:     5 * time.Second,
		AccessMode:      AccessModeReadWrite,
	}
}

// NewDB создает новое подключение к SQLite базе данных с настройками по умолчанию.
// Параметры оптимизированы для embedded использования в приложении.
func NewDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	return NewDBWithOptions(ctx, dbPath, DefaultDBOptions())
}

// NewDBWithOptions создает новое подключение к SQLite с заданными параметрами.
func NewDBWithOptions(ctx context.Context, dbPath string, opts DBOptions) (*sql.DB, error) {
	// Создаем директорию для БД если её нет
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	dsn := buildDSN(dbPath, opts)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	// Проверяем соединение с БД с настраиваемым таймаутом
	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	// Применяем PRAGMA настройки после открытия соединения
	if err := applyPragmaSettings(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply PRAGMA settings: %w", err)
	}

	return db, nil
}

// buildDSN строит DSN строку для SQLite с минимальными параметрами.
// Большинство настроек применяется через PRAGMA после открытия.
func buildDSN(dbPath string, opts DBOptions) string {
	params := []string{}

	// Добавляем режим доступа только если он отличается от умолчания
	if opts.AccessMode != "" && opts.AccessMode != AccessModeReadWrite {
		params = append(params, fmt.Sprintf("mode=%s", opts.AccessMode))
	}

	if opts.BusyTimeout > 0 {
		timeoutMs := int(opts.BusyTimeout.Milliseconds())
		params = append(params, fmt.Sprintf("_busy_timeout=%d", timeoutMs))
	}

	if len(params) > 0 {
		return dbPath + "?" + strings.Join(params, "&")
	}

	return dbPath
}

// applyPragmaSettings применяет PRAGMA настройки к открытому соединению.
func applyPragmaSettings(ctx context.Context, db *sql.DB, opts DBOptions) error {
	pragmas := make([]string, 0, 4)

	if opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}

	if opts.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	pragmas = append(pragmas, "PRAGMA synchronous = NORMAL")

	if opts.BusyTimeout > 0 {
		timeoutMs := int(opts.BusyTimeout.Milliseconds())
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", timeoutMs))
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

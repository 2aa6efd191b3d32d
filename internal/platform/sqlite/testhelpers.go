package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
)

// NewInMemoryDB создает in-memory SQLite базу данных для тестов.
// Ограничивает пул соединений до 1 для обеспечения единого состояния схемы.
func NewInMemoryDB(ctx context.Context) (*sql.DB, error) {
	opts := DefaultDBOptions()
	opts.WALMode = false  // WAL не поддерживается для in-memory БД
	opts.MaxOpenConns = 1 // Критично для in-memory БД - одно соединение
	opts.MaxIdleConns = 1

	return NewDBWithOptions(ctx, ":memory:", opts)
}

// NewTestDB создает временную SQLite базу данных для тестов.
// БД будет создана в системной временной директории с уникальным именем.
func NewTestDB(ctx context.Context) (*sql.DB, string, error) {
	tmpFile, err := os.CreateTemp("", "test_db_*.sqlite")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := NewDB(ctx, tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, "", err
	}

	return db, tmpPath, nil
}

// CleanupTestDB закрывает тестовую БД и удаляет файл.
func CleanupTestDB(db *sql.DB, dbPath string) error {
	if db != nil {
		_ = db.Close()
	}
	if dbPath != "" && dbPath != ":memory:" {
		return os.Remove(dbPath)
	}
	return nil
}

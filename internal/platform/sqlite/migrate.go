package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ApplyMigrations применяет все миграции из указанной директории к SQLite базе.
// Использует golang-migrate с file source. Отсутствие новых миграций не является ошибкой.
func ApplyMigrations(db *sql.DB, dbPath, migrationsDir string) error {
	absDir, err := filepath.Abs(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to resolve migrations dir: %w", err)
	}

	sourceURL := "file://" + filepath.ToSlash(absDir)
	databaseURL := buildMigrateURL(dbPath)

	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to init migrate: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		_ = srcErr
		_ = dbErr
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// buildMigrateURL строит URL для golang-migrate драйвера sqlite.
// Параметры DSN (после ?) отбрасываются - миграциям они не нужны.
func buildMigrateURL(dbPath string) string {
	path := dbPath
	if idx := strings.IndexByte(dbPath, '?'); idx >= 0 {
		path = dbPath[:idx]
	}
	return "sqlite://" + path
}

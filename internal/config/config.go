package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env  string `validate:"required,oneof=dev prod"`
	HTTP struct {
		Addr string `validate:"required"`
	}
	DB struct {
		// Driver selects the job store backend.
		Driver string `validate:"required,oneof=sqlite postgres memory"`
		// Path is the SQLite database file (sqlite driver).
		Path string
		// DSN is the PostgreSQL connection string (postgres driver).
		DSN string
		// MigrationsDir holds golang-migrate sources, one subdirectory per
		// driver.
		MigrationsDir string
	}
	Jobs struct {
		MaxWorkers      int           `validate:"required,min=1,max=64"`
		CleanupInterval time.Duration `validate:"required"`
		Retention       time.Duration `validate:"required"`
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")
	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.DB.Driver = strings.ToLower(getenv("DB_DRIVER", "sqlite"))
	c.DB.Path = getenv("DB_PATH", "data/jobs.sqlite")
	c.DB.DSN = os.Getenv("DB_DSN")
	c.DB.MigrationsDir = getenv("DB_MIGRATIONS_DIR", "migrations")
	c.Jobs.MaxWorkers = getenvInt("JOBS_MAX_WORKERS", 4)
	c.Jobs.CleanupInterval = getenvDuration("JOBS_CLEANUP_INTERVAL", 10*time.Minute)
	c.Jobs.Retention = getenvDuration("JOBS_RETENTION", 24*time.Hour)
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/server.log")

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if c.DB.Driver == "postgres" && c.DB.DSN == "" {
		return Config{}, errors.New("DB_DSN required when DB_DRIVER is postgres")
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Package database opens the configured rule store backend and applies
// schema migrations embedded in the binary.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/migrations"
	"github.com/liamcoop/automations/rules"
)

const sqliteScheme = "sqlite3://"

// Open connects to the database and verifies the connection, retrying the
// ping until ctx is done.
func Open(ctx context.Context, driver, url string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case config.DriverPostgres:
		db, err = sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	case config.DriverSQLite:
		db, err = sql.Open("sqlite3", sqliteDSN(url))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// one writer; see SQLiteRuleStore
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		logger.Warn("database not reachable", "driver", driver, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		case <-time.After(time.Second):
		}
	}
}

// NewMigrator returns a golang-migrate instance reading the embedded
// migrations for driver. The caller closes it.
func NewMigrator(driver, url string) (*migrate.Migrate, error) {
	var dir, dbURL string
	switch driver {
	case config.DriverPostgres:
		dir, dbURL = "postgres", url
	case config.DriverSQLite:
		dir, dbURL = "sqlite", sqliteScheme+sqlitePath(url)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	src, err := iofs.New(migrations.FS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Migrate applies all pending up migrations.
func Migrate(driver, url string) error {
	m, err := NewMigrator(driver, url)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	logger.Info("database schema ready", "driver", driver, "version", version, "dirty", dirty)
	return nil
}

// NewRuleStore returns the RuleStore for driver. db is ignored for the
// memory driver and may be nil.
func NewRuleStore(driver string, db *sql.DB, opts ...rules.StoreOption) (rules.RuleStore, error) {
	switch driver {
	case config.DriverMemory, "":
		return rules.NewInMemoryRuleStore(opts...), nil
	case config.DriverPostgres:
		return rules.NewPostgresRuleStore(db, opts...), nil
	case config.DriverSQLite:
		return rules.NewSQLiteRuleStore(db, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func sqlitePath(url string) string {
	path := strings.TrimPrefix(url, sqliteScheme)
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func sqliteDSN(url string) string {
	return "file:" + sqlitePath(url) + "?_busy_timeout=5000&_foreign_keys=on"
}

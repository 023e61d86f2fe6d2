package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" driver for database/sql

	"github.com/dynamo-dm/dynamo/internal/logger"
	"github.com/dynamo-dm/dynamo/pkg/history/migrations"
)

// migrationsTable records the applied schema version.
const migrationsTable = "schema_migrations"

// migratePostgres applies the embedded migrations. golang-migrate holds a
// PostgreSQL advisory lock while migrating, so cycle runs starting on
// several hosts at once do not race on the schema.
func migratePostgres(ctx context.Context, cfg *PostgresConfig) (uint, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return 0, fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable: migrationsTable,
		DatabaseName:    cfg.Database,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return 0, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrator: %w", err)
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Debug("History schema up to date")
	case err != nil:
		return 0, fmt.Errorf("migration failed: %w", err)
	default:
		logger.Info("History schema migrated")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("history schema version %d is dirty; fix it by hand and force the version", version)
	}
	return version, nil
}

// Package config wires the API's shared backing services from the
// environment. Handlers read the globals set here; settlementd calls the
// Load functions once at startup.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/clearing/settlement/pkg/pg"
)

// PgPool is the global PostgreSQL connection pool.
var PgPool *pgxpool.Pool

// PgConfig holds the PostgreSQL configuration.
type PgConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// pgCfg holds the parsed configuration.
var pgCfg PgConfig

// ConnStr returns the postgres connection string assembled from the
// environment by LoadPostgres.
func ConnStr() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		pgCfg.Username, pgCfg.Password, pgCfg.Host, pgCfg.Port, pgCfg.Database, pgCfg.SSLMode,
	)
}

// LoadPostgres initializes the PostgreSQL connection pool from POSTGRES_*
// environment variables. When POSTGRES_RUN_MIGRATIONS is "true" the ledger
// schema is brought up to date before the pool is opened.
func LoadPostgres(ctx context.Context, log *slog.Logger) error {
	pgCfg.Host = os.Getenv("POSTGRES_HOST")
	if pgCfg.Host == "" {
		pgCfg.Host = "localhost"
	}

	pgCfg.Port = os.Getenv("POSTGRES_PORT")
	if pgCfg.Port == "" {
		pgCfg.Port = "5432"
	}

	pgCfg.Database = os.Getenv("POSTGRES_DB")
	if pgCfg.Database == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	pgCfg.Username = os.Getenv("POSTGRES_USER")
	if pgCfg.Username == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}

	pgCfg.Password = os.Getenv("POSTGRES_PASSWORD")
	if pgCfg.Password == "" {
		return fmt.Errorf("POSTGRES_PASSWORD is required")
	}

	pgCfg.SSLMode = os.Getenv("POSTGRES_SSLMODE")
	if pgCfg.SSLMode == "" {
		pgCfg.SSLMode = "disable"
	}

	connStr := ConnStr()

	log.Info("config: connecting to postgres",
		"host", pgCfg.Host,
		"port", pgCfg.Port,
		"database", pgCfg.Database,
		"username", pgCfg.Username,
	)

	// Run migrations only if explicitly enabled.
	if os.Getenv("POSTGRES_RUN_MIGRATIONS") == "true" {
		if err := pg.RunMigrations(ctx, log, pg.MigrationConfig{ConnStr: connStr}); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := pg.NewPool(ctx, log, connStr)
	if err != nil {
		return err
	}

	PgPool = pool
	return nil
}

// ClosePostgres closes the PostgreSQL connection pool.
func ClosePostgres() {
	if PgPool != nil {
		PgPool.Close()
	}
}

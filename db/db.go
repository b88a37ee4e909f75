// Package db holds the Postgres-backed persistence this module adds
// around the evaluation engine: account credentials, stored Sieve
// scripts, and the two durable capability backends (vacation, duplicate
// tracking) the engine calls into during dispatch.
package db

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Database holds the connection pool shared by every store in this
// package.
type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabase applies pending migrations, then opens a connection pool
// and verifies connectivity before returning.
func NewDatabase(ctx context.Context, host, port, user, password, dbname string, tlsMode, logQueries bool) (*Database, error) {
	sslmode := "disable"
	if tlsMode {
		sslmode = "require"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, dbname, sslmode)

	log.Printf("connecting to database: postgres://%s@%s:%s/%s?sslmode=%s", user, host, port, dbname, sslmode)

	if err := runMigrations(dsn); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("db: parse connection string: %w", err)
	}
	if logQueries {
		config.ConnConfig.Tracer = &CustomTracer{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("db: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	return &Database{Pool: pool}, nil
}

// Close releases the connection pool.
func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5
)

// OpenPostgres opens a PostgreSQL connection pool through pgx's database/sql
// driver and verifies it with a ping. Zero conn limits fall back to defaults.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	pool.SetMaxOpenConns(maxConns)
	pool.SetMaxIdleConns(minConns)

	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return pool, nil
}

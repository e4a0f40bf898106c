package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/streambridge/internal/common/config"
)

const (
	defaultPostgresMaxConns = 10
	defaultPostgresMinConns = 2
	postgresPingTimeout     = 5 * time.Second
)

func openPostgres(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	conn, err := sqlx.Open(DriverPostgres, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	maxConns, minConns := cfg.MaxConns, cfg.MinConns
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return conn, nil
}

// Package db opens the prompt record database. SQLite is the default and
// keeps one writer connection next to a read-only pool; postgres shares a
// single pgx-backed pool for both roles.
package db

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/common/config"
	"github.com/kandev/streambridge/internal/common/logger"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Pool is a writer/reader pair.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer is used for every statement that changes data.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is used for SELECTs. It is the writer on postgres.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Postgres reports whether the pool talks to postgres.
func (p *Pool) Postgres() bool { return p.writer.DriverName() == DriverPostgres }

// Close closes both sides once.
func (p *Pool) Close() error {
	if p.reader == p.writer {
		return p.writer.Close()
	}
	return errors.Join(p.writer.Close(), p.reader.Close())
}

// Provide opens the configured database.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Driver {
	case "", "sqlite":
		pool, err := openSQLitePool(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized", zap.String("db_driver", "sqlite"), zap.String("db_path", cfg.Path))
		cleanup := func() error {
			_, _ = pool.writer.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil
	case "postgres":
		conn, err := openPostgres(cfg)
		if err != nil {
			return nil, nil, err
		}
		pool := &Pool{writer: conn, reader: conn}
		log.Info("Database initialized", zap.String("db_driver", "postgres"))
		return pool, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeoutMs = 5000
	sqliteReaders       = 4
)

func openSQLitePool(path string) (*Pool, error) {
	file, err := prepareSQLiteFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare sqlite database %s: %w", path, err)
	}

	// WAL lets the reader pool run while the single writer commits.
	writer, err := openSQLite(file, url.Values{
		"mode":          {"rwc"},
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
	}, 1)
	if err != nil {
		return nil, err
	}
	reader, err := openSQLite(file, url.Values{"mode": {"ro"}}, sqliteReaders)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{writer: writer, reader: reader}, nil
}

func openSQLite(file string, params url.Values, conns int) (*sqlx.DB, error) {
	params.Set("_busy_timeout", strconv.Itoa(sqliteBusyTimeoutMs))
	params.Set("_foreign_keys", "on")
	conn, err := sqlx.Open(DriverSQLite, "file:"+file+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	conn.SetMaxOpenConns(conns)
	conn.SetMaxIdleConns(conns)
	return conn, nil
}

// prepareSQLiteFile makes the path absolute and creates the file, so the
// read-only pool can open it before the first write.
func prepareSQLiteFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return abs, f.Close()
}

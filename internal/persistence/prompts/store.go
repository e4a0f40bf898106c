// Package prompts stores the prompt records used for rewind bookkeeping.
package prompts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/db"
)

// ErrRecordNotFound is returned when no record matches a session and index.
var ErrRecordNotFound = errors.New("prompt record not found")

// Repository is the prompt record store.
type Repository interface {
	RecordPromptSent(ctx context.Context, sessionID, projectID, projectPath, text string) (int, error)
	RecordPromptCompleted(ctx context.Context, sessionID, projectID, projectPath string, promptIndex int) error
	ListBySession(ctx context.Context, sessionID string) ([]*Record, error)
	// Truncate deletes the records of a session from promptIndex on.
	Truncate(ctx context.Context, sessionID string, promptIndex int) (int64, error)
}

// Store is the sqlx implementation of Repository.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
	logger *logger.Logger
}

// Provide creates the prompt store on a database pool.
func Provide(pool *db.Pool, log *logger.Logger) (*Store, func() error, error) {
	store, err := NewStore(pool.Writer(), pool.Reader(), log)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// NewStore creates the store and its schema.
func NewStore(writer, reader *sqlx.DB, log *logger.Logger) (*Store, error) {
	s := &Store{
		writer: writer,
		reader: reader,
		logger: log.WithFields(zap.String("component", "prompt-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.writer.DriverName() == db.DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS prompt_records (
			id %s,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT '',
			prompt_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			sent_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL,
			UNIQUE (session_id, prompt_index)
		)`, pk)
	if _, err := s.writer.Exec(schema); err != nil {
		return err
	}
	_, err := s.writer.Exec(`CREATE INDEX IF NOT EXISTS idx_prompt_records_project ON prompt_records (project_id)`)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// RecordPromptSent appends a prompt to its session and returns its index.
func (s *Store) RecordPromptSent(ctx context.Context, sessionID, projectID, projectPath, text string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("record prompt: empty session id")
	}

	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var index int
	err = tx.GetContext(ctx, &index, tx.Rebind(`
		SELECT COALESCE(MAX(prompt_index), -1) + 1
		FROM prompt_records
		WHERE session_id = ?
	`), sessionID)
	if err != nil {
		return 0, fmt.Errorf("next prompt index: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO prompt_records (session_id, project_id, project_path, prompt_index, text, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		sessionID, projectID, projectPath, index, text, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("insert prompt record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prompt record: %w", err)
	}

	s.logger.Debug("prompt recorded",
		zap.String("session_id", sessionID),
		zap.Int("prompt_index", index))
	return index, nil
}

// RecordPromptCompleted marks the prompt at promptIndex as completed.
func (s *Store) RecordPromptCompleted(ctx context.Context, sessionID, projectID, projectPath string, promptIndex int) error {
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE prompt_records
		SET completed_at = ?
		WHERE session_id = ? AND prompt_index = ?
	`), time.Now().UTC(), sessionID, promptIndex)
	if err != nil {
		return fmt.Errorf("complete prompt record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s index %d", ErrRecordNotFound, sessionID, promptIndex)
	}
	return nil
}

// ListBySession returns the records of a session in prompt order.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]*Record, error) {
	var records []*Record
	err := s.reader.SelectContext(ctx, &records, s.reader.Rebind(`
		SELECT id, session_id, project_id, project_path, prompt_index, text, sent_at, completed_at
		FROM prompt_records
		WHERE session_id = ?
		ORDER BY prompt_index ASC
	`), sessionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return records, nil
}

// Truncate deletes the records of a session from promptIndex on.
func (s *Store) Truncate(ctx context.Context, sessionID string, promptIndex int) (int64, error) {
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		DELETE FROM prompt_records
		WHERE session_id = ? AND prompt_index >= ?
	`), sessionID, promptIndex)
	if err != nil {
		return 0, fmt.Errorf("truncate prompt records: %w", err)
	}
	return res.RowsAffected()
}

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists snapshots in the session_history table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed snapshot store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, sessionID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_history (session_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE
			SET snapshot = EXCLUDED.snapshot, updated_at = NOW()
	`, sessionID, string(data))
	if err != nil {
		return fmt.Errorf("failed to save session snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM session_history WHERE session_id = $1
	`, sessionID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session snapshot: %w", err)
	}
	return []byte(snapshot), nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_history WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session snapshot: %w", err)
	}
	return nil
}

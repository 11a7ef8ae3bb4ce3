package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore reads pairing tokens from Postgres. The schema is owned by the
// subscriber-directory service; this client only selects and bumps the
// attempt counter.
type PGStore struct {
	db *sql.DB
}

// OpenPG creates a database/sql connection to Postgres using the pgx
// driver and wraps it in a PGStore.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("pairing token store connected")
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing connection, for tests and embedding.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, id string) (*Token, error) {
	t := &Token{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT status, attempts, expires_at, validation_method
		   FROM pairing_tokens WHERE id = $1`, id,
	).Scan(&t.Status, &t.Attempts, &t.ExpiresAt, &t.Method)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token %s: %w", id, err)
	}
	return t, nil
}

func (s *PGStore) IncrementAttempts(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE pairing_tokens SET attempts = attempts + 1 WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("increment attempts for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	return s.db.Close()
}

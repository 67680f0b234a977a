package counter

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	createCounterTable = `CREATE TABLE IF NOT EXISTS visit_counter (
	id    SMALLINT PRIMARY KEY,
	count BIGINT NOT NULL
)`
	selectCounter = `SELECT count FROM visit_counter WHERE id = 1`
	upsertCounter = `INSERT INTO visit_counter (id, count) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET count = EXCLUDED.count`
)

// PostgresStore keeps the counter in a single-row table.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates the table if needed.
func NewPostgresStore(ctx context.Context, db DB) (*PostgresStore, error) {
	if _, err := db.Exec(ctx, createCounterTable); err != nil {
		return nil, fmt.Errorf("create visit_counter table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Load returns the stored count, or 0 when the row has not been written yet.
func (s *PostgresStore) Load(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, selectCounter).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select visit counter: %w", err)
	}
	return n, nil
}

// Save upserts the row.
func (s *PostgresStore) Save(ctx context.Context, n int64) error {
	if _, err := s.db.Exec(ctx, upsertCounter, n); err != nil {
		return fmt.Errorf("upsert visit counter: %w", err)
	}
	return nil
}

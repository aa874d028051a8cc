package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the Store for deployments that already run Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

func (s *PostgresStore) Get(ctx context.Context, identity, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM conversation_state WHERE identity = $1 AND key = $2`,
		identity, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read conversation state: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) Set(ctx context.Context, identity, key, value string) error {
	if err := validateSet(identity, key, value); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO conversation_state(identity, key, value, updated_at)
VALUES($1, $2, $3, $4)
ON CONFLICT(identity, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		identity, key, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("write conversation state: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordTurn(ctx context.Context, turn Turn) error {
	var lastErr *string
	if turn.LastError != "" {
		lastErr = &turn.LastError
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO turn_log(item_id, identity, message_sid, status, chunks, last_error, started_at, finished_at, duration_ms)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		turn.ItemID, turn.Identity, turn.MessageSID, string(turn.Status), turn.Chunks, lastErr,
		turn.StartedAt.UTC(), turn.FinishedAt.UTC(), turn.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert turn log: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, identity string, limit int) ([]Turn, error) {
	q := `SELECT item_id, identity, COALESCE(message_sid, ''), status, chunks, COALESCE(last_error, ''),
       started_at, finished_at, duration_ms
FROM turn_log`
	args := []any{}
	if identity != "" {
		q += ` WHERE identity = $1`
		args = append(args, identity)
	}
	q += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query turn log: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t      Turn
			status string
		)
		if err := rows.Scan(&t.ItemID, &t.Identity, &t.MessageSID, &status, &t.Chunks, &t.LastError,
			&t.StartedAt, &t.FinishedAt, &t.DurationMS); err != nil {
			return nil, fmt.Errorf("scan turn log: %w", err)
		}
		t.Status = TurnStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

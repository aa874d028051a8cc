package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sqliteTimeFormat is fixed-width so TEXT columns sort chronologically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the default Store, backed by modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Get(ctx context.Context, identity, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM conversation_state WHERE identity = ? AND key = ?;",
		identity, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read conversation state: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) Set(ctx context.Context, identity, key, value string) error {
	if err := validateSet(identity, key, value); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversation_state(identity, key, value, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(identity, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
`, identity, key, value, s.now().UTC().Format(sqliteTimeFormat))
	if err != nil {
		return fmt.Errorf("write conversation state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordTurn(ctx context.Context, turn Turn) error {
	var lastErr any
	if turn.LastError != "" {
		lastErr = turn.LastError
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO turn_log(item_id, identity, message_sid, status, chunks, last_error, started_at, finished_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		turn.ItemID, turn.Identity, turn.MessageSID, string(turn.Status), turn.Chunks, lastErr,
		turn.StartedAt.UTC().Format(sqliteTimeFormat),
		turn.FinishedAt.UTC().Format(sqliteTimeFormat),
		turn.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert turn log: %w", err)
	}
	return nil
}

// RecentTurns returns the newest turns first. An empty identity lists all.
func (s *SQLiteStore) RecentTurns(ctx context.Context, identity string, limit int) ([]Turn, error) {
	q := `SELECT item_id, identity, COALESCE(message_sid, ''), status, chunks, COALESCE(last_error, ''),
       started_at, finished_at, duration_ms
FROM turn_log`
	args := []any{}
	if identity != "" {
		q += " WHERE identity = ?"
		args = append(args, identity)
	}
	q += " ORDER BY started_at DESC LIMIT ?;"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query turn log: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t                 Turn
			status            string
			started, finished string
		)
		if err := rows.Scan(&t.ItemID, &t.Identity, &t.MessageSID, &status, &t.Chunks, &t.LastError,
			&started, &finished, &t.DurationMS); err != nil {
			return nil, fmt.Errorf("scan turn log: %w", err)
		}
		t.Status = TurnStatus(status)
		if t.StartedAt, err = time.Parse(sqliteTimeFormat, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if t.FinishedAt, err = time.Parse(sqliteTimeFormat, finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

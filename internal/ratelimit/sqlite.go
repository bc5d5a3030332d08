package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteStore keeps counters in the rate_counters table. Increments are
// single upsert statements, so processes sharing the database cannot lose
// updates.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Count(ctx context.Context, key Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM rate_counters
		WHERE user_id = ? AND category = ? AND window_id = ?`,
		key.UserID, string(key.Category), key.Window,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *SQLiteStore) Increment(ctx context.Context, key Key, resetsAt time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_counters (user_id, category, window_id, count, resets_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(user_id, category, window_id) DO UPDATE SET count = count + 1
		RETURNING count`,
		key.UserID, string(key.Category), key.Window, resetsAt.UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) IncrementBelow(ctx context.Context, key Key, resetsAt time.Time, limit int) (bool, error) {
	if limit < 1 {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_counters (user_id, category, window_id, count, resets_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(user_id, category, window_id) DO UPDATE SET count = count + 1
		WHERE rate_counters.count < ?`,
		key.UserID, string(key.Category), key.Window, resetsAt.UnixMilli(), limit,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Prune deletes counters whose window ended before now.
func (s *SQLiteStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE resets_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

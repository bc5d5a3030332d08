package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LastActivity returns when the user last acted, or nil if never seen.
func (s *Store) LastActivity(ctx context.Context, userID string) (*time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_active_at FROM user_activity WHERE user_id = ?`, userID,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading user activity: %w", err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

// TouchActivity records that the user acted at t. Older timestamps never
// overwrite newer ones.
func (s *Store) TouchActivity(ctx context.Context, userID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_activity (user_id, last_active_at) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_active_at = max(last_active_at, excluded.last_active_at)`,
		userID, t.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("touching user activity: %w", err)
	}
	return nil
}

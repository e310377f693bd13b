package store

import (
	"context"
	"fmt"
	"time"
)

// RecordUser adds userID to the known-user list. Recording an already-known
// user is a no-op, so callers may record on every inbound message.
func (s *Store) RecordUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, first_seen) VALUES (?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, time.Now())
	if err != nil {
		return fmt.Errorf("record user: %w", err)
	}
	return nil
}

// ListUsers returns every known user ID, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM users ORDER BY first_seen ASC, user_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// UserCount returns the number of known users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

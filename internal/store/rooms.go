package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SetDMRoom remembers roomID as the direct-message room for userID,
// replacing any previous mapping.
func (s *Store) SetDMRoom(ctx context.Context, userID, roomID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_rooms (user_id, room_id) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET room_id = excluded.room_id
	`, userID, roomID)
	if err != nil {
		return fmt.Errorf("set dm room: %w", err)
	}
	return nil
}

// DMRoom returns the direct-message room for userID, or ("", nil) when no
// room has been recorded yet.
func (s *Store) DMRoom(ctx context.Context, userID string) (string, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx,
		"SELECT room_id FROM dm_rooms WHERE user_id = ?", userID).Scan(&roomID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load dm room: %w", err)
	}
	return roomID, nil
}

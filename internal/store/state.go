package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) SetAppState(ctx context.Context, key, value string) error {
	now := formatTime(time.Now())
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO app_state (key, value, updated_utc)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_utc=excluded.updated_utc
	`), key, value, now); err != nil {
		return fmt.Errorf("set app state: %w", err)
	}
	return nil
}

// GetAppState returns the value of key and when it was last written.
func (s *Store) GetAppState(ctx context.Context, key string) (string, time.Time, bool, error) {
	var value, updated string
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT value, updated_utc FROM app_state WHERE key = ?`), key)
	if err := row.Scan(&value, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, fmt.Errorf("get app state: %w", err)
	}
	return value, parseTime(updated), true, nil
}

func (s *Store) DeleteAppState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM app_state WHERE key = ?`), key); err != nil {
		return fmt.Errorf("delete app state: %w", err)
	}
	return nil
}

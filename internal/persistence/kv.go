package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KVSet stores val under key. A positive ttl makes the entry invisible to
// KVGet once it elapses; retention removes it later.
func (s *Store) KVSet(ctx context.Context, key, val string, ttl time.Duration) error {
	expires := sql.NullTime{}
	if ttl > 0 {
		expires = sql.NullTime{Valid: true, Time: time.Now().UTC().Add(ttl)}
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, expires_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=CURRENT_TIMESTAMP;
		`, key, val, expires)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if the key
// is missing or expired.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val sql.NullString
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_store WHERE key = ?`, key).Scan(&val, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	if expires.Valid && !expires.Time.After(time.Now().UTC()) {
		return "", nil
	}
	return val.String, nil
}

func (s *Store) KVDelete(ctx context.Context, key string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?;`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// SettingStore persists key-value configuration.
type SettingStore struct {
	db *sql.DB
}

func (s *SettingStore) Get(ctx context.Context, key string) (*store.Setting, error) {
	var st store.Setting
	var updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, is_secret, updated_at FROM settings WHERE key = ?`, key).
		Scan(&st.Key, &st.Value, &st.IsSecret, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting: %w", err)
	}
	st.UpdatedAt = scanTime(updatedAt)
	return &st, nil
}

func (s *SettingStore) Set(ctx context.Context, key, value string, secret bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, is_secret, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			is_secret = excluded.is_secret,
			updated_at = excluded.updated_at`,
		key, value, secret, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *SettingStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SettingStore) List(ctx context.Context) ([]store.Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, is_secret, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []store.Setting
	for rows.Next() {
		var st store.Setting
		var updatedAt sql.NullString
		if err := rows.Scan(&st.Key, &st.Value, &st.IsSecret, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		st.UpdatedAt = scanTime(updatedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

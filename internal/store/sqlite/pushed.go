package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// PushedStore persists per-target delivery records.
type PushedStore struct {
	db *sql.DB
}

func (s *PushedStore) Get(ctx context.Context, contentID, targetID int64) (*store.PushedRecord, error) {
	var r store.PushedRecord
	var pushedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content_id, target_id, message_id, push_status, pushed_at, error_message
		FROM pushed_records WHERE content_id = ? AND target_id = ?`,
		contentID, targetID).Scan(&r.ID, &r.ContentID, &r.TargetID, &r.MessageID,
		&r.PushStatus, &pushedAt, &r.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pushed record: %w", err)
	}
	r.PushedAt = scanTime(pushedAt)
	return &r, nil
}

// Record upserts the delivery record and bumps the chat counters in the
// same transaction. A re-approval push refreshes message_id and pushed_at
// on the existing row.
func (s *PushedStore) Record(ctx context.Context, rec *store.PushedRecord, chatRowID int64) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if rec.PushedAt.IsZero() {
			rec.PushedAt = time.Now().UTC()
		}
		if rec.PushStatus == "" {
			rec.PushStatus = "success"
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pushed_records (content_id, target_id, message_id, push_status, pushed_at, error_message)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT (content_id, target_id) DO UPDATE SET
				message_id = excluded.message_id,
				push_status = excluded.push_status,
				pushed_at = excluded.pushed_at,
				error_message = excluded.error_message`,
			rec.ContentID, rec.TargetID, rec.MessageID, rec.PushStatus,
			fmtTime(rec.PushedAt), rec.ErrorMessage)
		if err != nil {
			return fmt.Errorf("upsert pushed record: %w", err)
		}
		if chatRowID != 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE bot_chats SET total_pushed = total_pushed + 1, last_pushed_at = ?, updated_at = ?
				WHERE id = ?`,
				fmtTime(rec.PushedAt), fmtTime(rec.PushedAt), chatRowID); err != nil {
				return fmt.Errorf("bump chat counters: %w", err)
			}
		}
		return nil
	})
}

func (s *PushedStore) CountSince(ctx context.Context, targetID int64, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pushed_records
		WHERE target_id = ? AND push_status = 'success' AND pushed_at >= ?`,
		targetID, fmtTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pushed since: %w", err)
	}
	return n, nil
}

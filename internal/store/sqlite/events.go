package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// EventStore persists the realtime event outbox.
type EventStore struct {
	db *sql.DB
}

func (s *EventStore) Append(ctx context.Context, typ, payloadJSON, origin string) (int64, error) {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO realtime_events (type, payload_json, origin, created_at)
		VALUES (?,?,?,?)`,
		typ, payloadJSON, origin, fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

func (s *EventStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]store.RealtimeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, payload_json, origin, created_at
		FROM realtime_events WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events after %d: %w", afterID, err)
	}
	defer rows.Close()

	var out []store.RealtimeEvent
	for rows.Next() {
		var e store.RealtimeEvent
		var createdAt sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.PayloadJSON, &e.Origin, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = scanTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EventStore) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM realtime_events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id.Int64, nil
}

func (s *EventStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM realtime_events WHERE created_at < ?`, fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

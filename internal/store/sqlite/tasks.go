package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// TaskStore persists the durable background work queue.
type TaskStore struct {
	db *sql.DB
}

const taskColumns = `id, type, payload_json, status, priority, retry_count,
	max_attempts, scheduled_for, claimed_by, claimed_at, error, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*store.Task, error) {
	var t store.Task
	var scheduledFor, claimedAt, createdAt, updatedAt sql.NullString
	var claimedBy, taskErr sql.NullString
	err := row.Scan(&t.ID, &t.Type, &t.PayloadJSON, &t.Status, &t.Priority, &t.RetryCount,
		&t.MaxAttempts, &scheduledFor, &claimedBy, &claimedAt, &taskErr, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.ScheduledFor = scanTime(scheduledFor)
	t.ClaimedBy = strPtr(claimedBy)
	t.ClaimedAt = scanTimePtr(claimedAt)
	t.Error = strPtr(taskErr)
	t.CreatedAt = scanTime(createdAt)
	t.UpdatedAt = scanTime(updatedAt)
	return &t, nil
}

func (s *TaskStore) Enqueue(ctx context.Context, typ, payloadJSON string, priority int, scheduledFor time.Time) (int64, error) {
	now := time.Now().UTC()
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (type, payload_json, status, priority, scheduled_for, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		typ, payloadJSON, store.TaskPending, priority, fmtTime(scheduledFor), fmtTime(now), fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("enqueue task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("task id: %w", err)
	}
	return id, nil
}

// Claim atomically marks up to max due pending tasks as running for one
// worker. A running task with an expired lease is reclaimable.
func (s *TaskStore) Claim(ctx context.Context, workerID string, types []string, max int, leaseTTL time.Duration, now time.Time) ([]store.Task, error) {
	if max <= 0 {
		max = 1
	}
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")

	var claimed []store.Task
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		nowStr := fmtTime(now)
		staleBefore := fmtTime(now.Add(-leaseTTL))
		args := []any{}
		for _, t := range types {
			args = append(args, t)
		}
		args = append(args, nowStr, store.TaskPending, store.TaskRunning, staleBefore, max)
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE type IN (`+placeholders+`) AND scheduled_for <= ?
			  AND (status = ? OR (status = ? AND claimed_at < ?))
			ORDER BY priority DESC, scheduled_for ASC, id ASC
			LIMIT ?`, args...)
		if err != nil {
			return fmt.Errorf("select claimable tasks: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan task id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
				WHERE id = ? AND (status = ? OR (status = ? AND claimed_at < ?))`,
				store.TaskRunning, workerID, nowStr, nowStr,
				id, store.TaskPending, store.TaskRunning, staleBefore)
			if err != nil {
				return fmt.Errorf("claim task %d: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
			t, err := scanTask(row)
			if err != nil {
				return fmt.Errorf("reload task %d: %w", id, err)
			}
			claimed = append(claimed, *t)
		}
		return nil
	})
	return claimed, err
}

func (s *TaskStore) Get(ctx context.Context, id int64) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *TaskStore) Complete(ctx context.Context, id int64) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = NULL, claimed_at = NULL, error = NULL, updated_at = ?
		WHERE id = ?`,
		store.TaskDone, now, id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// Fail increments retry_count. With retryAt set the task goes back to
// pending at that time; otherwise it is dead-lettered.
func (s *TaskStore) Fail(ctx context.Context, id int64, errMsg string, retryAt *time.Time) error {
	now := fmtTime(time.Now())
	if retryAt != nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, retry_count = retry_count + 1, scheduled_for = ?,
				claimed_by = NULL, claimed_at = NULL, error = ?, updated_at = ?
			WHERE id = ?`,
			store.TaskPending, fmtTime(*retryAt), errMsg, now, id)
		if err != nil {
			return fmt.Errorf("reschedule task: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, retry_count = retry_count + 1,
			claimed_by = NULL, claimed_at = NULL, error = ?, updated_at = ?
		WHERE id = ?`,
		store.TaskDead, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("dead-letter task: %w", err)
	}
	return nil
}

func (s *TaskStore) RequeueExpired(ctx context.Context, leaseTTL time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		store.TaskPending, fmtTime(now), store.TaskRunning, fmtTime(now.Add(-leaseTTL)))
	if err != nil {
		return 0, fmt.Errorf("requeue expired tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *TaskStore) HasActive(ctx context.Context, typ, payloadJSON string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE type = ? AND payload_json = ? AND status IN (?, ?)`,
		typ, payloadJSON, store.TaskPending, store.TaskRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count active tasks: %w", err)
	}
	return n > 0, nil
}

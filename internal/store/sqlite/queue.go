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

// QueueStore persists the (content, rule, target) distribution queue.
type QueueStore struct {
	db *sql.DB
}

const queueColumns = `id, content_id, rule_id, bot_chat_id, status, scheduled_at,
	priority, next_attempt_at, attempt_count, max_attempts, locked_at, locked_by,
	message_id, rendered_payload, last_error, last_error_type, last_error_at,
	started_at, completed_at, needs_approval, approved_at, approved_by,
	nsfw_routing_result, passed_rate_limit, rate_limit_reason, created_at, updated_at`

// queueOrder is the externally visible ordering contract.
const queueOrder = `ORDER BY scheduled_at IS NULL, scheduled_at ASC, priority DESC, created_at ASC, id ASC`

func scanQueueItem(row interface{ Scan(...any) error }) (*store.ContentQueueItem, error) {
	var it store.ContentQueueItem
	var scheduledAt, nextAttempt, lockedAt, lastErrAt, startedAt, completedAt sql.NullString
	var approvedAt, createdAt, updatedAt sql.NullString
	var lockedBy, messageID, rendered, lastErr, lastErrType, approvedBy, nsfwRouting, rateReason sql.NullString
	err := row.Scan(&it.ID, &it.ContentID, &it.RuleID, &it.BotChatID, &it.Status, &scheduledAt,
		&it.Priority, &nextAttempt, &it.AttemptCount, &it.MaxAttempts, &lockedAt, &lockedBy,
		&messageID, &rendered, &lastErr, &lastErrType, &lastErrAt,
		&startedAt, &completedAt, &it.NeedsApproval, &approvedAt, &approvedBy,
		&nsfwRouting, &it.PassedRateLimit, &rateReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	it.ScheduledAt = scanTimePtr(scheduledAt)
	it.NextAttemptAt = scanTimePtr(nextAttempt)
	it.LockedAt = scanTimePtr(lockedAt)
	it.LockedBy = strPtr(lockedBy)
	it.MessageID = strPtr(messageID)
	it.RenderedPayload = strPtr(rendered)
	it.LastError = strPtr(lastErr)
	it.LastErrorType = strPtr(lastErrType)
	it.LastErrorAt = scanTimePtr(lastErrAt)
	it.StartedAt = scanTimePtr(startedAt)
	it.CompletedAt = scanTimePtr(completedAt)
	it.ApprovedAt = scanTimePtr(approvedAt)
	it.ApprovedBy = strPtr(approvedBy)
	it.NSFWRoutingResult = strPtr(nsfwRouting)
	it.RateLimitReason = strPtr(rateReason)
	it.CreatedAt = scanTime(createdAt)
	it.UpdatedAt = scanTime(updatedAt)
	return &it, nil
}

// Upsert inserts the triplet item, or refreshes scheduling on an existing
// pending/scheduled one. reopen resets a terminal item for a fresh delivery
// round (re-approval path).
func (s *QueueStore) Upsert(ctx context.Context, it *store.ContentQueueItem, reopen bool) (bool, error) {
	created := false
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var id int64
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT id, status FROM content_queue_items WHERE content_id = ? AND rule_id = ? AND bot_chat_id = ?`,
			it.ContentID, it.RuleID, it.BotChatID).Scan(&id, &status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if it.MaxAttempts <= 0 {
				it.MaxAttempts = 3
			}
			if it.Status == "" {
				it.Status = store.QueueScheduled
			}
			res, ierr := tx.ExecContext(ctx, `
				INSERT INTO content_queue_items (content_id, rule_id, bot_chat_id, status,
					scheduled_at, priority, max_attempts, needs_approval,
					nsfw_routing_result, passed_rate_limit, rate_limit_reason,
					created_at, updated_at)
				VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				it.ContentID, it.RuleID, it.BotChatID, it.Status,
				fmtTimePtr(it.ScheduledAt), it.Priority, it.MaxAttempts, it.NeedsApproval,
				nilStr(it.NSFWRoutingResult), it.PassedRateLimit, nilStr(it.RateLimitReason),
				fmtTime(now), fmtTime(now))
			if ierr != nil {
				return fmt.Errorf("insert queue item: %w", ierr)
			}
			it.ID, _ = res.LastInsertId()
			it.CreatedAt, it.UpdatedAt = now, now
			created = true
			return nil
		case err != nil:
			return fmt.Errorf("lookup queue item: %w", err)
		}

		it.ID = id
		if store.QueueTerminal(status) && !reopen {
			it.Status = status
			return nil
		}
		if store.QueueTerminal(status) && reopen {
			// Fresh delivery round: reset attempt budget and locks.
			_, uerr := tx.ExecContext(ctx, `
				UPDATE content_queue_items SET status = ?, scheduled_at = ?, priority = ?,
					needs_approval = ?, attempt_count = 0, next_attempt_at = NULL,
					locked_at = NULL, locked_by = NULL, completed_at = NULL,
					nsfw_routing_result = ?, passed_rate_limit = ?, rate_limit_reason = ?,
					updated_at = ?
				WHERE id = ?`,
				it.Status, fmtTimePtr(it.ScheduledAt), it.Priority, it.NeedsApproval,
				nilStr(it.NSFWRoutingResult), it.PassedRateLimit, nilStr(it.RateLimitReason),
				fmtTime(now), id)
			if uerr != nil {
				return fmt.Errorf("reopen queue item: %w", uerr)
			}
			return nil
		}
		// Live item: only refresh scheduling knobs.
		_, uerr := tx.ExecContext(ctx, `
			UPDATE content_queue_items SET scheduled_at = ?, priority = ?, status = ?,
				needs_approval = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			fmtTimePtr(it.ScheduledAt), it.Priority, it.Status, it.NeedsApproval,
			fmtTime(now), id, store.QueuePending, store.QueueScheduled)
		if uerr != nil {
			return fmt.Errorf("refresh queue item: %w", uerr)
		}
		return nil
	})
	return created, err
}

func (s *QueueStore) Get(ctx context.Context, id int64) (*store.ContentQueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM content_queue_items WHERE id = ?`, id)
	it, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return it, nil
}

func (s *QueueStore) List(ctx context.Context, f store.QueueFilter) ([]store.ContentQueueItem, int64, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.RuleID != 0 {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.ContentID != 0 {
		where = append(where, "content_id = ?")
		args = append(args, f.ContentID)
	}
	if f.BotChatID != 0 {
		where = append(where, "bot_chat_id = ?")
		args = append(args, f.BotChatID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.From != nil {
		where = append(where, "scheduled_at >= ?")
		args = append(args, fmtTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "scheduled_at <= ?")
		args = append(args, fmtTime(*f.To))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_queue_items WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count queue items: %w", err)
	}

	page, size := f.Page, f.Size
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 50
	}
	args = append(args, size, (page-1)*size)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM content_queue_items WHERE `+cond+` `+queueOrder+` LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var out []store.ContentQueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, *it)
	}
	return out, total, rows.Err()
}

func (s *QueueStore) ItemsForContent(ctx context.Context, contentID int64) ([]store.ContentQueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM content_queue_items WHERE content_id = ? `+queueOrder, contentID)
	if err != nil {
		return nil, fmt.Errorf("items for content: %w", err)
	}
	defer rows.Close()
	var out []store.ContentQueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *QueueStore) ListActive(ctx context.Context) ([]store.ContentQueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM content_queue_items WHERE status IN (?, ?) `+queueOrder,
		store.QueuePending, store.QueueScheduled)
	if err != nil {
		return nil, fmt.Errorf("list active queue items: %w", err)
	}
	defer rows.Close()
	var out []store.ContentQueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *QueueStore) Stats(ctx context.Context, ruleID int64) (*store.QueueStats, error) {
	q := `SELECT status, needs_approval, COUNT(*) FROM content_queue_items`
	args := []any{}
	if ruleID != 0 {
		q += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	q += ` GROUP BY status, needs_approval`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	st := &store.QueueStats{ByStatus: map[string]int64{}}
	for rows.Next() {
		var status string
		var needsApproval bool
		var n int64
		if err := rows.Scan(&status, &needsApproval, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		st.ByStatus[status] += n
		switch status {
		case store.QueuePending:
			if needsApproval {
				st.PendingReview += n
			} else {
				st.WillPush += n
			}
		case store.QueueScheduled, store.QueueProcessing:
			st.WillPush += n
		case store.QueueSuccess:
			st.Pushed += n
		case store.QueueFailed, store.QueueSkipped, store.QueueCanceled:
			st.Filtered += n
		}
	}
	return st, rows.Err()
}

// ClaimDue atomically locks up to batch due items for one worker. SQLite has
// no SKIP LOCKED; the single-writer connection plus the conditional update
// inside one transaction gives the same row-level exclusivity.
func (s *QueueStore) ClaimDue(ctx context.Context, workerID string, batch int, leaseTTL time.Duration, now time.Time) ([]store.ContentQueueItem, error) {
	if batch <= 0 {
		batch = 10
	}
	var claimed []store.ContentQueueItem
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		nowStr := fmtTime(now)
		staleBefore := fmtTime(now.Add(-leaseTTL))
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM content_queue_items
			WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			  AND (locked_at IS NULL OR locked_at < ?)
			ORDER BY scheduled_at ASC, priority DESC, id ASC
			LIMIT ?`,
			store.QueueScheduled, nowStr, nowStr, staleBefore, batch)
		if err != nil {
			return fmt.Errorf("select due items: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan due id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE content_queue_items
				SET status = ?, locked_at = ?, locked_by = ?, started_at = ?, updated_at = ?
				WHERE id = ? AND status = ?
				  AND (locked_at IS NULL OR locked_at < ?)`,
				store.QueueProcessing, nowStr, workerID, nowStr, nowStr,
				id, store.QueueScheduled, staleBefore)
			if err != nil {
				return fmt.Errorf("lock queue item %d: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			row := tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM content_queue_items WHERE id = ?`, id)
			it, err := scanQueueItem(row)
			if err != nil {
				return fmt.Errorf("reload claimed item %d: %w", id, err)
			}
			claimed = append(claimed, *it)
		}
		return nil
	})
	return claimed, err
}

func (s *QueueStore) MarkSuccess(ctx context.Context, id int64, messageID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, message_id = ?, completed_at = ?, attempt_count = attempt_count + 1,
			locked_at = NULL, locked_by = NULL, last_error = NULL, last_error_type = NULL,
			updated_at = ?
		WHERE id = ?`,
		store.QueueSuccess, messageID, fmtTime(now), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("mark queue success: %w", err)
	}
	return nil
}

func (s *QueueStore) MarkRetry(ctx context.Context, id int64, errType, errMsg string, nextAttempt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, attempt_count = attempt_count + 1, next_attempt_at = ?,
			last_error = ?, last_error_type = ?, last_error_at = ?,
			locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ?`,
		store.QueueScheduled, fmtTime(nextAttempt), errMsg, errType, fmtTime(now), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("mark queue retry: %w", err)
	}
	return nil
}

func (s *QueueStore) MarkFailed(ctx context.Context, id int64, errType, errMsg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, attempt_count = attempt_count + 1, completed_at = ?,
			last_error = ?, last_error_type = ?, last_error_at = ?,
			locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ?`,
		store.QueueFailed, fmtTime(now), errMsg, errType, fmtTime(now), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("mark queue failed: %w", err)
	}
	return nil
}

// ReleaseExpired returns crashed workers' items to the scheduled state.
func (s *QueueStore) ReleaseExpired(ctx context.Context, leaseTTL time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?`,
		store.QueueScheduled, fmtTime(now), store.QueueProcessing, fmtTime(now.Add(-leaseTTL)))
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *QueueStore) Cancel(ctx context.Context, id int64) error {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, completed_at = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		store.QueueCanceled, now, now, id, store.QueueSuccess, store.QueueCanceled)
	if err != nil {
		return fmt.Errorf("cancel queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *QueueStore) Retry(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, attempt_count = 0, next_attempt_at = NULL, completed_at = NULL,
			scheduled_at = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		store.QueueScheduled, fmtTime(now), fmtTime(now),
		id, store.QueueFailed, store.QueueCanceled, store.QueueSkipped)
	if err != nil {
		return fmt.Errorf("retry queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PushNow front-runs the queue: backdated schedule plus a priority no
// organic item reaches.
func (s *QueueStore) PushNow(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, scheduled_at = ?, priority = 9999, next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		store.QueueScheduled, fmtTime(now.Add(-24*time.Hour)), fmtTime(now),
		id, store.QueuePending, store.QueueScheduled)
	if err != nil {
		return fmt.Errorf("push now: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *QueueStore) PushNowForContent(ctx context.Context, contentID int64, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, scheduled_at = ?, priority = 9999, next_attempt_at = NULL, updated_at = ?
		WHERE content_id = ? AND status IN (?, ?)`,
		store.QueueScheduled, fmtTime(now.Add(-24*time.Hour)), fmtTime(now),
		contentID, store.QueuePending, store.QueueScheduled)
	if err != nil {
		return 0, fmt.Errorf("push now for content: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *QueueStore) ScheduleForContent(ctx context.Context, contentID int64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items SET scheduled_at = ?, updated_at = ?
		WHERE content_id = ? AND status IN (?, ?)`,
		fmtTime(at), fmtTime(time.Now()), contentID, store.QueuePending, store.QueueScheduled)
	if err != nil {
		return 0, fmt.Errorf("schedule for content: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *QueueStore) SetPriorityForContent(ctx context.Context, contentID int64, priority int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items SET priority = ?, updated_at = ?
		WHERE content_id = ? AND status IN (?, ?)`,
		priority, fmtTime(time.Now()), contentID, store.QueuePending, store.QueueScheduled)
	if err != nil {
		return 0, fmt.Errorf("set priority for content: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *QueueStore) SetPriorities(ctx context.Context, priorities map[int64]int) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		now := fmtTime(time.Now())
		for id, p := range priorities {
			if _, err := tx.ExecContext(ctx,
				`UPDATE content_queue_items SET priority = ?, updated_at = ? WHERE id = ?`,
				p, now, id); err != nil {
				return fmt.Errorf("set priority on %d: %w", id, err)
			}
		}
		return nil
	})
}

func (s *QueueStore) ApproveForContent(ctx context.Context, contentID int64, by string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, needs_approval = 0, approved_at = ?, approved_by = ?,
			scheduled_at = COALESCE(scheduled_at, ?), updated_at = ?
		WHERE content_id = ? AND status = ? AND needs_approval = 1`,
		store.QueueScheduled, fmtTime(now), by, fmtTime(now), fmtTime(now),
		contentID, store.QueuePending)
	if err != nil {
		return 0, fmt.Errorf("approve for content: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *QueueStore) cancelWhere(ctx context.Context, cond string, arg int64) (int64, error) {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_queue_items
		SET status = ?, completed_at = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE `+cond+` = ? AND status IN (?, ?, ?)`,
		store.QueueCanceled, now, now, arg,
		store.QueuePending, store.QueueScheduled, store.QueueProcessing)
	if err != nil {
		return 0, fmt.Errorf("cancel by %s: %w", cond, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *QueueStore) CancelForContent(ctx context.Context, contentID int64) (int64, error) {
	return s.cancelWhere(ctx, "content_id", contentID)
}

func (s *QueueStore) CancelForRule(ctx context.Context, ruleID int64) (int64, error) {
	return s.cancelWhere(ctx, "rule_id", ruleID)
}

func (s *QueueStore) CancelForChat(ctx context.Context, botChatID int64) (int64, error) {
	return s.cancelWhere(ctx, "bot_chat_id", botChatID)
}

func (s *QueueStore) SetRenderedPayload(ctx context.Context, id int64, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_queue_items SET rendered_payload = ?, updated_at = ? WHERE id = ?`,
		payload, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set rendered payload: %w", err)
	}
	return nil
}

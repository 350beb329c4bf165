package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// RuleStore persists distribution rules and their targets.
type RuleStore struct {
	db *sql.DB
}

const ruleColumns = `id, name, description, enabled, priority, match_conditions,
	nsfw_policy, approval_required, auto_approve_conditions, rate_limit, time_window,
	render_config, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*store.DistributionRule, error) {
	var r store.DistributionRule
	var matchCond, autoApprove, renderCfg string
	var createdAt, updatedAt sql.NullString
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Enabled, &r.Priority, &matchCond,
		&r.NSFWPolicy, &r.ApprovalRequired, &autoApprove, &r.RateLimit, &r.TimeWindow,
		&renderCfg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.MatchConditions = json.RawMessage(matchCond)
	r.AutoApproveConditions = json.RawMessage(autoApprove)
	r.RenderConfig = json.RawMessage(renderCfg)
	r.CreatedAt = scanTime(createdAt)
	r.UpdatedAt = scanTime(updatedAt)
	return &r, nil
}

func (s *RuleStore) Create(ctx context.Context, r *store.DistributionRule) error {
	now := time.Now().UTC()
	if r.NSFWPolicy == "" {
		r.NSFWPolicy = store.NSFWBlock
	}
	r.CreatedAt, r.UpdatedAt = now, now
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO distribution_rules (name, description, enabled, priority,
				match_conditions, nsfw_policy, approval_required, auto_approve_conditions,
				rate_limit, time_window, render_config, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.Name, r.Description, r.Enabled, r.Priority,
			rawOrEmpty(r.MatchConditions), r.NSFWPolicy, r.ApprovalRequired,
			rawOrEmpty(r.AutoApproveConditions), r.RateLimit, r.TimeWindow,
			rawOrEmpty(r.RenderConfig), fmtTime(now), fmtTime(now))
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		r.ID, _ = res.LastInsertId()
		return insertTargets(ctx, tx, r.ID, r.Targets)
	})
	if err != nil {
		return err
	}
	// Reload targets so callers see generated ids.
	targets, err := s.listTargets(ctx, r.ID)
	if err != nil {
		return err
	}
	r.Targets = targets
	return nil
}

func insertTargets(ctx context.Context, tx *sql.Tx, ruleID int64, targets []store.DistributionTarget) error {
	now := fmtTime(time.Now())
	for i := range targets {
		t := &targets[i]
		var override any
		if len(t.RenderConfigOverride) > 0 {
			override = string(t.RenderConfigOverride)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO distribution_targets (rule_id, bot_chat_id, enabled, merge_forward,
				use_author_name, summary, render_config_override, created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			ruleID, t.BotChatID, t.Enabled, t.MergeForward, t.UseAuthorName, t.Summary, override, now)
		if err != nil {
			return fmt.Errorf("insert target: %w", err)
		}
		t.ID, _ = res.LastInsertId()
		t.RuleID = ruleID
	}
	return nil
}

func (s *RuleStore) Get(ctx context.Context, id int64) (*store.DistributionRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM distribution_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	r.Targets, err = s.listTargets(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *RuleStore) Update(ctx context.Context, r *store.DistributionRule) error {
	now := time.Now().UTC()
	r.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `
		UPDATE distribution_rules SET name=?, description=?, enabled=?, priority=?,
			match_conditions=?, nsfw_policy=?, approval_required=?, auto_approve_conditions=?,
			rate_limit=?, time_window=?, render_config=?, updated_at=?
		WHERE id=?`,
		r.Name, r.Description, r.Enabled, r.Priority,
		rawOrEmpty(r.MatchConditions), r.NSFWPolicy, r.ApprovalRequired,
		rawOrEmpty(r.AutoApproveConditions), r.RateLimit, r.TimeWindow,
		rawOrEmpty(r.RenderConfig), fmtTime(now), r.ID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *RuleStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM distribution_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *RuleStore) List(ctx context.Context, enabledOnly bool) ([]store.DistributionRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM distribution_rules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY priority DESC, id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []store.DistributionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Targets, err = s.listTargets(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *RuleStore) ReplaceTargets(ctx context.Context, ruleID int64, targets []store.DistributionTarget) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM distribution_targets WHERE rule_id = ?`, ruleID); err != nil {
			return fmt.Errorf("clear targets: %w", err)
		}
		return insertTargets(ctx, tx, ruleID, targets)
	})
}

const targetColumns = `id, rule_id, bot_chat_id, enabled, merge_forward,
	use_author_name, summary, render_config_override, created_at`

func scanTarget(row interface{ Scan(...any) error }) (*store.DistributionTarget, error) {
	var t store.DistributionTarget
	var override sql.NullString
	var createdAt sql.NullString
	err := row.Scan(&t.ID, &t.RuleID, &t.BotChatID, &t.Enabled, &t.MergeForward,
		&t.UseAuthorName, &t.Summary, &override, &createdAt)
	if err != nil {
		return nil, err
	}
	if override.Valid && override.String != "" {
		t.RenderConfigOverride = json.RawMessage(override.String)
	}
	t.CreatedAt = scanTime(createdAt)
	return &t, nil
}

func (s *RuleStore) listTargets(ctx context.Context, ruleID int64) ([]store.DistributionTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM distribution_targets WHERE rule_id = ? ORDER BY id`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []store.DistributionTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *RuleStore) GetTarget(ctx context.Context, id int64) (*store.DistributionTarget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM distribution_targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

func (s *RuleStore) GetTargetByRuleChat(ctx context.Context, ruleID, botChatID int64) (*store.DistributionTarget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM distribution_targets WHERE rule_id = ? AND bot_chat_id = ?`,
		ruleID, botChatID)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get target by rule/chat: %w", err)
	}
	return t, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// BotStore persists bot accounts and the chats they can post into.
type BotStore struct {
	db *sql.DB
}

const botColumns = `id, platform, name, enabled, is_primary, bot_token,
	napcat_http_url, napcat_ws_url, bot_id, bot_username, created_at, updated_at`

func scanBot(row interface{ Scan(...any) error }) (*store.BotConfig, error) {
	var b store.BotConfig
	var createdAt, updatedAt sql.NullString
	err := row.Scan(&b.ID, &b.Platform, &b.Name, &b.Enabled, &b.IsPrimary, &b.BotToken,
		&b.NapcatHTTPURL, &b.NapcatWSURL, &b.BotID, &b.BotUsername, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = scanTime(createdAt)
	b.UpdatedAt = scanTime(updatedAt)
	return &b, nil
}

func (s *BotStore) CreateBot(ctx context.Context, b *store.BotConfig) error {
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_configs (platform, name, enabled, is_primary, bot_token,
			napcat_http_url, napcat_ws_url, bot_id, bot_username, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.Platform, b.Name, b.Enabled, b.IsPrimary, b.BotToken,
		b.NapcatHTTPURL, b.NapcatWSURL, b.BotID, b.BotUsername, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("insert bot: %w", err)
	}
	b.ID, _ = res.LastInsertId()
	return nil
}

func (s *BotStore) GetBot(ctx context.Context, id int64) (*store.BotConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bot_configs WHERE id = ?`, id)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot: %w", err)
	}
	return b, nil
}

func (s *BotStore) UpdateBot(ctx context.Context, b *store.BotConfig) error {
	now := time.Now().UTC()
	b.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_configs SET platform=?, name=?, enabled=?, bot_token=?,
			napcat_http_url=?, napcat_ws_url=?, bot_id=?, bot_username=?, updated_at=?
		WHERE id=?`,
		b.Platform, b.Name, b.Enabled, b.BotToken,
		b.NapcatHTTPURL, b.NapcatWSURL, b.BotID, b.BotUsername, fmtTime(now), b.ID)
	if err != nil {
		return fmt.Errorf("update bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *BotStore) DeleteBot(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bot_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *BotStore) ListBots(ctx context.Context) ([]store.BotConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bot_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var out []store.BotConfig
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Activate flips is_primary to this bot, demoting any other primary on the
// same platform inside one transaction.
func (s *BotStore) Activate(ctx context.Context, id int64) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		var platform string
		err := tx.QueryRowContext(ctx, `SELECT platform FROM bot_configs WHERE id = ?`, id).Scan(&platform)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup bot platform: %w", err)
		}
		now := fmtTime(time.Now())
		if _, err := tx.ExecContext(ctx,
			`UPDATE bot_configs SET is_primary = 0, updated_at = ? WHERE platform = ? AND is_primary = 1`,
			now, platform); err != nil {
			return fmt.Errorf("demote primary: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE bot_configs SET is_primary = 1, enabled = 1, updated_at = ? WHERE id = ?`,
			now, id); err != nil {
			return fmt.Errorf("promote primary: %w", err)
		}
		return nil
	})
}

func (s *BotStore) GetPrimary(ctx context.Context, platform string) (*store.BotConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bot_configs WHERE platform = ? AND is_primary = 1 AND enabled = 1`,
		platform)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get primary bot: %w", err)
	}
	return b, nil
}

const chatColumns = `id, bot_config_id, chat_id, chat_type, title, username,
	is_accessible, enabled, can_post, total_pushed, last_pushed_at, nsfw_chat_id,
	created_at, updated_at`

func scanChat(row interface{ Scan(...any) error }) (*store.BotChat, error) {
	var c store.BotChat
	var lastPushed, nsfwChat, createdAt, updatedAt sql.NullString
	err := row.Scan(&c.ID, &c.BotConfigID, &c.ChatID, &c.ChatType, &c.Title, &c.Username,
		&c.IsAccessible, &c.Enabled, &c.CanPost, &c.TotalPushed, &lastPushed, &nsfwChat,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.LastPushedAt = scanTimePtr(lastPushed)
	c.NSFWChatID = strPtr(nsfwChat)
	c.CreatedAt = scanTime(createdAt)
	c.UpdatedAt = scanTime(updatedAt)
	return &c, nil
}

// UpsertChat inserts a new chat row or refreshes the discoverable fields
// of an existing one, preserving counters and operator toggles.
func (s *BotStore) UpsertChat(ctx context.Context, c *store.BotChat) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_chats (bot_config_id, chat_id, chat_type, title, username,
			is_accessible, enabled, can_post, nsfw_chat_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (bot_config_id, chat_id) DO UPDATE SET
			chat_type = excluded.chat_type,
			title = excluded.title,
			username = excluded.username,
			is_accessible = excluded.is_accessible,
			can_post = excluded.can_post,
			updated_at = excluded.updated_at`,
		c.BotConfigID, c.ChatID, c.ChatType, c.Title, c.Username,
		c.IsAccessible, c.Enabled, c.CanPost, nilStr(c.NSFWChatID), fmtTime(now), fmtTime(now))
	if err != nil {
		return false, fmt.Errorf("upsert chat: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM bot_chats WHERE bot_config_id = ? AND chat_id = ?`,
		c.BotConfigID, c.ChatID)
	got, err := scanChat(row)
	if err != nil {
		return false, fmt.Errorf("reload chat: %w", err)
	}
	created := false
	if id, err := res.LastInsertId(); err == nil && id == got.ID && got.CreatedAt.Equal(got.UpdatedAt) {
		created = true
	}
	*c = *got
	return created, nil
}

func (s *BotStore) UpdateChat(ctx context.Context, c *store.BotChat) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_chats SET enabled = ?, nsfw_chat_id = ?, updated_at = ? WHERE id = ?`,
		c.Enabled, nilStr(c.NSFWChatID), fmtTime(now), c.ID)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	c.UpdatedAt = now
	return nil
}

func (s *BotStore) GetChat(ctx context.Context, id int64) (*store.BotChat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM bot_chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *BotStore) ListChats(ctx context.Context, botConfigID int64) ([]store.BotChat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM bot_chats WHERE bot_config_id = ? ORDER BY id`, botConfigID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []store.BotChat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// ContentStore persists contents and their submission sources.
type ContentStore struct {
	db *sql.DB
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func rawOrEmpty(m json.RawMessage) string {
	if len(m) == 0 {
		return "{}"
	}
	return string(m)
}

const contentColumns = `id, platform, platform_id, url, canonical_url, clean_url,
	title, description, author_name, author_id, author_avatar_url, author_url,
	cover_url, cover_color, media_urls, tags, is_nsfw,
	layout_type, layout_type_override, content_type, extra_stats, raw_metadata,
	status, review_status, failure_count, last_error, last_error_type, last_error_at,
	reviewed_at, reviewed_by, review_note, published_at, created_at, updated_at`

func scanContent(row interface{ Scan(...any) error }) (*store.Content, error) {
	var c store.Content
	var mediaURLs, tags, extraStats, rawMetadata string
	var layoutOverride, lastErr, lastErrType, reviewedBy, reviewNote sql.NullString
	var lastErrAt, reviewedAt, publishedAt, createdAt, updatedAt sql.NullString
	err := row.Scan(
		&c.ID, &c.Platform, &c.PlatformID, &c.URL, &c.CanonicalURL, &c.CleanURL,
		&c.Title, &c.Description, &c.AuthorName, &c.AuthorID, &c.AuthorAvatarURL, &c.AuthorURL,
		&c.CoverURL, &c.CoverColor, &mediaURLs, &tags, &c.IsNSFW,
		&c.LayoutType, &layoutOverride, &c.ContentType, &extraStats, &rawMetadata,
		&c.Status, &c.ReviewStatus, &c.FailureCount, &lastErr, &lastErrType, &lastErrAt,
		&reviewedAt, &reviewedBy, &reviewNote, &publishedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.MediaURLs = unmarshalStrings(mediaURLs)
	c.Tags = unmarshalStrings(tags)
	c.ExtraStats = json.RawMessage(extraStats)
	c.RawMetadata = json.RawMessage(rawMetadata)
	c.LayoutTypeOverride = strPtr(layoutOverride)
	c.LastError = strPtr(lastErr)
	c.LastErrorType = strPtr(lastErrType)
	c.LastErrorAt = scanTimePtr(lastErrAt)
	c.ReviewedAt = scanTimePtr(reviewedAt)
	c.ReviewedBy = strPtr(reviewedBy)
	c.ReviewNote = strPtr(reviewNote)
	c.PublishedAt = scanTimePtr(publishedAt)
	c.CreatedAt = scanTime(createdAt)
	c.UpdatedAt = scanTime(updatedAt)
	return &c, nil
}

func (s *ContentStore) Create(ctx context.Context, c *store.Content) error {
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = store.ContentUnprocessed
	}
	if c.ReviewStatus == "" {
		c.ReviewStatus = store.ReviewPending
	}
	c.CreatedAt, c.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contents (platform, platform_id, url, canonical_url, clean_url,
			title, description, author_name, author_id, author_avatar_url, author_url,
			cover_url, cover_color, media_urls, tags, is_nsfw,
			layout_type, layout_type_override, content_type, extra_stats, raw_metadata,
			status, review_status, published_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.Platform, c.PlatformID, c.URL, c.CanonicalURL, c.CleanURL,
		c.Title, c.Description, c.AuthorName, c.AuthorID, c.AuthorAvatarURL, c.AuthorURL,
		c.CoverURL, c.CoverColor, marshalStrings(c.MediaURLs), marshalStrings(c.Tags), c.IsNSFW,
		c.LayoutType, nilStr(c.LayoutTypeOverride), c.ContentType,
		rawOrEmpty(c.ExtraStats), rawOrEmpty(c.RawMetadata),
		c.Status, c.ReviewStatus, fmtTimePtr(c.PublishedAt), fmtTime(now), fmtTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Someone raced us on (platform, canonical_url).
			existing, gerr := s.GetByCanonicalURL(ctx, c.Platform, c.CanonicalURL)
			if gerr == nil {
				*c = *existing
				return nil
			}
		}
		return fmt.Errorf("insert content: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("content id: %w", err)
	}
	return nil
}

func (s *ContentStore) Get(ctx context.Context, id int64) (*store.Content, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM contents WHERE id = ?`, id)
	c, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content: %w", err)
	}
	return c, nil
}

func (s *ContentStore) GetByCanonicalURL(ctx context.Context, platform, canonicalURL string) (*store.Content, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM contents WHERE platform = ? AND canonical_url = ?`,
		platform, canonicalURL)
	c, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content by url: %w", err)
	}
	return c, nil
}

func (s *ContentStore) Update(ctx context.Context, c *store.Content) error {
	now := time.Now().UTC()
	c.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `
		UPDATE contents SET
			platform_id=?, url=?, clean_url=?, title=?, description=?,
			author_name=?, author_id=?, author_avatar_url=?, author_url=?,
			cover_url=?, cover_color=?, media_urls=?, tags=?, is_nsfw=?,
			layout_type=?, layout_type_override=?, content_type=?,
			extra_stats=?, raw_metadata=?, status=?, review_status=?,
			failure_count=?, last_error=?, last_error_type=?, last_error_at=?,
			published_at=?, updated_at=?
		WHERE id=?`,
		c.PlatformID, c.URL, c.CleanURL, c.Title, c.Description,
		c.AuthorName, c.AuthorID, c.AuthorAvatarURL, c.AuthorURL,
		c.CoverURL, c.CoverColor, marshalStrings(c.MediaURLs), marshalStrings(c.Tags), c.IsNSFW,
		c.LayoutType, nilStr(c.LayoutTypeOverride), c.ContentType,
		rawOrEmpty(c.ExtraStats), rawOrEmpty(c.RawMetadata), c.Status, c.ReviewStatus,
		c.FailureCount, nilStr(c.LastError), nilStr(c.LastErrorType), fmtTimePtr(c.LastErrorAt),
		fmtTimePtr(c.PublishedAt), fmtTime(now),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ContentStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ContentStore) List(ctx context.Context, f store.ContentFilter) ([]store.Content, int64, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, f.Platform)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ReviewStatus != "" {
		where = append(where, "review_status = ?")
		args = append(args, f.ReviewStatus)
	}
	if f.Tag != "" {
		// tags is a JSON array; a quoted substring match is good enough
		// for exact tag values.
		where = append(where, "tags LIKE ?")
		args = append(args, `%"`+f.Tag+`"%`)
	}
	if f.Query != "" {
		where = append(where, "(title LIKE ? OR description LIKE ? OR author_name LIKE ?)")
		q := "%" + f.Query + "%"
		args = append(args, q, q, q)
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contents WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count contents: %w", err)
	}

	page, size := f.Page, f.Size
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 20
	}
	args = append(args, size, (page-1)*size)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM contents WHERE `+cond+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list contents: %w", err)
	}
	defer rows.Close()

	var out []store.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan content: %w", err)
		}
		if f.ExcludeRaw {
			c.RawMetadata = nil
			c.ExtraStats = nil
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (s *ContentStore) SetStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contents SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set content status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ContentStore) RecordFailure(ctx context.Context, id int64, errType, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contents SET status = ?, failure_count = failure_count + 1,
			last_error = ?, last_error_type = ?, last_error_at = ?, updated_at = ?
		WHERE id = ?`,
		store.ContentFailed, errMsg, errType, fmtTime(at), fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("record content failure: %w", err)
	}
	return nil
}

func (s *ContentStore) SetReview(ctx context.Context, id int64, reviewStatus, reviewedBy, note string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contents SET review_status = ?, reviewed_at = ?, reviewed_by = ?,
			review_note = ?, updated_at = ?
		WHERE id = ?`,
		reviewStatus, fmtTime(at), reviewedBy, note, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("set content review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ContentStore) AddSource(ctx context.Context, src *store.ContentSource) error {
	now := time.Now().UTC()
	src.CreatedAt = now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO content_sources (content_id, url, source, note, tags, created_at)
		VALUES (?,?,?,?,?,?)`,
		src.ContentID, src.URL, src.Source, src.Note, marshalStrings(src.Tags), fmtTime(now))
	if err != nil {
		return fmt.Errorf("insert content source: %w", err)
	}
	src.ID, _ = res.LastInsertId()
	return nil
}

func (s *ContentStore) ListSources(ctx context.Context, contentID int64) ([]store.ContentSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_id, url, source, note, tags, created_at
		FROM content_sources WHERE content_id = ? ORDER BY id`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list content sources: %w", err)
	}
	defer rows.Close()

	var out []store.ContentSource
	for rows.Next() {
		var src store.ContentSource
		var tags string
		var createdAt sql.NullString
		if err := rows.Scan(&src.ID, &src.ContentID, &src.URL, &src.Source, &src.Note, &tags, &createdAt); err != nil {
			return nil, fmt.Errorf("scan content source: %w", err)
		}
		src.Tags = unmarshalStrings(tags)
		src.CreatedAt = scanTime(createdAt)
		out = append(out, src)
	}
	return out, rows.Err()
}

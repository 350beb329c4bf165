// Package store defines the persistent entities and the store interfaces
// implemented by the sqlite backend.
package store

import (
	"encoding/json"
	"time"
)

// Content status lifecycle.
const (
	ContentUnprocessed = "unprocessed"
	ContentProcessing  = "processing"
	ContentPulled      = "pulled"
	ContentFailed      = "failed"
)

// Review statuses.
const (
	ReviewPending      = "pending"
	ReviewApproved     = "approved"
	ReviewRejected     = "rejected"
	ReviewAutoApproved = "auto_approved"
)

// Layout types. Every parsed content carries exactly one.
const (
	LayoutArticle = "article"
	LayoutVideo   = "video"
	LayoutGallery = "gallery"
	LayoutAudio   = "audio"
	LayoutLink    = "link"
)

// ValidLayoutType reports whether s is one of the five layout types.
func ValidLayoutType(s string) bool {
	switch s {
	case LayoutArticle, LayoutVideo, LayoutGallery, LayoutAudio, LayoutLink:
		return true
	}
	return false
}

// Content is one archived item.
type Content struct {
	ID                 int64           `json:"id"`
	Platform           string          `json:"platform"`
	PlatformID         string          `json:"platform_id"`
	URL                string          `json:"url"`
	CanonicalURL       string          `json:"canonical_url"`
	CleanURL           string          `json:"clean_url"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	AuthorName         string          `json:"author_name"`
	AuthorID           string          `json:"author_id"`
	AuthorAvatarURL    string          `json:"author_avatar_url"`
	AuthorURL          string          `json:"author_url"`
	CoverURL           string          `json:"cover_url"`
	CoverColor         string          `json:"cover_color"`
	MediaURLs          []string        `json:"media_urls"`
	Tags               []string        `json:"tags"`
	IsNSFW             bool            `json:"is_nsfw"`
	LayoutType         string          `json:"layout_type"`
	LayoutTypeOverride *string         `json:"layout_type_override,omitempty"`
	ContentType        string          `json:"content_type"`
	ExtraStats         json.RawMessage `json:"extra_stats,omitempty"`
	RawMetadata        json.RawMessage `json:"raw_metadata,omitempty"`
	Status             string          `json:"status"`
	ReviewStatus       string          `json:"review_status"`
	FailureCount       int             `json:"failure_count"`
	LastError          *string         `json:"last_error,omitempty"`
	LastErrorType      *string         `json:"last_error_type,omitempty"`
	LastErrorAt        *time.Time      `json:"last_error_at,omitempty"`
	ReviewedAt         *time.Time      `json:"reviewed_at,omitempty"`
	ReviewedBy         *string         `json:"reviewed_by,omitempty"`
	ReviewNote         *string         `json:"review_note,omitempty"`
	PublishedAt        *time.Time      `json:"published_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// EffectiveLayoutType returns the override when set, else the parsed value,
// else article.
func (c *Content) EffectiveLayoutType() string {
	if c.LayoutTypeOverride != nil && ValidLayoutType(*c.LayoutTypeOverride) {
		return *c.LayoutTypeOverride
	}
	if ValidLayoutType(c.LayoutType) {
		return c.LayoutType
	}
	return LayoutArticle
}

// ContentSource records one user submission of a canonical URL.
type ContentSource struct {
	ID        int64     `json:"id"`
	ContentID int64     `json:"content_id"`
	URL       string    `json:"url"`
	Source    string    `json:"source"`
	Note      string    `json:"note"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// NSFW policies on a rule.
const (
	NSFWBlock           = "block"
	NSFWAllow           = "allow"
	NSFWSeparateChannel = "separate_channel"
)

// MatchConditions is the typed projection of a rule's match_conditions JSON.
type MatchConditions struct {
	Platform      string   `json:"platform,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	TagsExclude   []string `json:"tags_exclude,omitempty"`
	TagsMatchMode string   `json:"tags_match_mode,omitempty"` // "any" (default) or "all"
	IsNSFW        *bool    `json:"is_nsfw,omitempty"`
}

// DistributionRule decides what gets pushed and how it renders by default.
type DistributionRule struct {
	ID                    int64           `json:"id"`
	Name                  string          `json:"name"`
	Description           string          `json:"description"`
	Enabled               bool            `json:"enabled"`
	Priority              int             `json:"priority"`
	MatchConditions       json.RawMessage `json:"match_conditions"`
	NSFWPolicy            string          `json:"nsfw_policy"`
	ApprovalRequired      bool            `json:"approval_required"`
	AutoApproveConditions json.RawMessage `json:"auto_approve_conditions,omitempty"`
	RateLimit             int             `json:"rate_limit"`
	TimeWindow            int             `json:"time_window"` // seconds
	RenderConfig          json.RawMessage `json:"render_config,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`

	Targets []DistributionTarget `json:"targets,omitempty"`
}

// Conditions decodes match_conditions; a broken blob matches nothing.
func (r *DistributionRule) Conditions() MatchConditions {
	var mc MatchConditions
	if len(r.MatchConditions) > 0 {
		_ = json.Unmarshal(r.MatchConditions, &mc)
	}
	return mc
}

// DistributionTarget binds a rule to one bot chat.
type DistributionTarget struct {
	ID                   int64           `json:"id"`
	RuleID               int64           `json:"rule_id"`
	BotChatID            int64           `json:"bot_chat_id"`
	Enabled              bool            `json:"enabled"`
	MergeForward         bool            `json:"merge_forward"`
	UseAuthorName        bool            `json:"use_author_name"`
	Summary              bool            `json:"summary"`
	RenderConfigOverride json.RawMessage `json:"render_config_override,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Bot platforms.
const (
	PlatformTelegram = "telegram"
	PlatformQQ       = "qq"
)

// BotConfig holds one bot account's credentials and lifecycle.
type BotConfig struct {
	ID            int64     `json:"id"`
	Platform      string    `json:"platform"`
	Name          string    `json:"name"`
	Enabled       bool      `json:"enabled"`
	IsPrimary     bool      `json:"is_primary"`
	BotToken      string    `json:"-"`
	NapcatHTTPURL string    `json:"napcat_http_url,omitempty"`
	NapcatWSURL   string    `json:"napcat_ws_url,omitempty"`
	BotID         string    `json:"bot_id"`
	BotUsername   string    `json:"bot_username"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BotChat is one chat a bot has joined.
type BotChat struct {
	ID           int64      `json:"id"`
	BotConfigID  int64      `json:"bot_config_id"`
	ChatID       string     `json:"chat_id"`
	ChatType     string     `json:"chat_type"`
	Title        string     `json:"title"`
	Username     string     `json:"username"`
	IsAccessible bool       `json:"is_accessible"`
	Enabled      bool       `json:"enabled"`
	CanPost      bool       `json:"can_post"`
	TotalPushed  int64      `json:"total_pushed"`
	LastPushedAt *time.Time `json:"last_pushed_at,omitempty"`
	NSFWChatID   *string    `json:"nsfw_chat_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Queue item statuses.
const (
	QueuePending    = "pending"
	QueueScheduled  = "scheduled"
	QueueProcessing = "processing"
	QueueSuccess    = "success"
	QueueFailed     = "failed"
	QueueSkipped    = "skipped"
	QueueCanceled   = "canceled"
)

// QueueTerminal reports whether status is a terminal queue state.
func QueueTerminal(status string) bool {
	switch status {
	case QueueSuccess, QueueFailed, QueueSkipped, QueueCanceled:
		return true
	}
	return false
}

// ContentQueueItem is one (content, rule, target) delivery.
type ContentQueueItem struct {
	ID                int64      `json:"id"`
	ContentID         int64      `json:"content_id"`
	RuleID            int64      `json:"rule_id"`
	BotChatID         int64      `json:"bot_chat_id"`
	Status            string     `json:"status"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	Priority          int        `json:"priority"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	AttemptCount      int        `json:"attempt_count"`
	MaxAttempts       int        `json:"max_attempts"`
	LockedAt          *time.Time `json:"locked_at,omitempty"`
	LockedBy          *string    `json:"locked_by,omitempty"`
	MessageID         *string    `json:"message_id,omitempty"`
	RenderedPayload   *string    `json:"rendered_payload,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	LastErrorType     *string    `json:"last_error_type,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	NeedsApproval     bool       `json:"needs_approval"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	ApprovedBy        *string    `json:"approved_by,omitempty"`
	NSFWRoutingResult *string    `json:"nsfw_routing_result,omitempty"`
	PassedRateLimit   bool       `json:"passed_rate_limit"`
	RateLimitReason   *string    `json:"rate_limit_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// PushedRecord is the per-target idempotency and audit row.
type PushedRecord struct {
	ID           int64     `json:"id"`
	ContentID    int64     `json:"content_id"`
	TargetID     int64     `json:"target_id"`
	MessageID    string    `json:"message_id"`
	PushStatus   string    `json:"push_status"`
	PushedAt     time.Time `json:"pushed_at"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Task kinds and statuses.
const (
	TaskParse      = "parse"
	TaskDistribute = "distribute"

	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskDead    = "dead"
)

// Task is one durable unit of background work.
type Task struct {
	ID           int64      `json:"id"`
	Type         string     `json:"type"`
	PayloadJSON  string     `json:"payload_json"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	MaxAttempts  int        `json:"max_attempts"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	ClaimedBy    *string    `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	Error        *string    `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RealtimeEvent is one durable outbox row.
type RealtimeEvent struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"payload_json"`
	Origin      string    `json:"origin"`
	CreatedAt   time.Time `json:"created_at"`
}

// Setting is one key-value config row.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	IsSecret  bool      `json:"is_secret"`
	UpdatedAt time.Time `json:"updated_at"`
}

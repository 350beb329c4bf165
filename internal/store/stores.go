package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errors.New("not found")

// ContentFilter narrows List queries. Zero values mean "no filter".
type ContentFilter struct {
	Page         int
	Size         int
	Platform     string
	Status       string
	ReviewStatus string
	Tag          string
	Query        string
	// ExcludeRaw drops raw_metadata and extra_stats from results.
	ExcludeRaw bool
}

// QueueFilter narrows queue listing.
type QueueFilter struct {
	Page      int
	Size      int
	RuleID    int64
	ContentID int64
	BotChatID int64
	Status    string
	From      *time.Time
	To        *time.Time
}

// QueueStats groups queue items into the buckets the dashboard shows.
type QueueStats struct {
	WillPush      int64            `json:"will_push"`
	Filtered      int64            `json:"filtered"`
	PendingReview int64            `json:"pending_review"`
	Pushed        int64            `json:"pushed"`
	ByStatus      map[string]int64 `json:"by_status"`
}

// ChatSyncResult summarizes one sync_chats run.
type ChatSyncResult struct {
	Updated int `json:"updated"`
	Created int `json:"created"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

type ContentStore interface {
	Create(ctx context.Context, c *Content) error
	Get(ctx context.Context, id int64) (*Content, error)
	GetByCanonicalURL(ctx context.Context, platform, canonicalURL string) (*Content, error)
	Update(ctx context.Context, c *Content) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, f ContentFilter) ([]Content, int64, error)
	SetStatus(ctx context.Context, id int64, status string) error
	// RecordFailure bumps failure_count and stores the error triple,
	// moving the content to failed.
	RecordFailure(ctx context.Context, id int64, errType, errMsg string, at time.Time) error
	SetReview(ctx context.Context, id int64, reviewStatus, reviewedBy, note string, at time.Time) error
	AddSource(ctx context.Context, s *ContentSource) error
	ListSources(ctx context.Context, contentID int64) ([]ContentSource, error)
}

type RuleStore interface {
	Create(ctx context.Context, r *DistributionRule) error
	Get(ctx context.Context, id int64) (*DistributionRule, error)
	Update(ctx context.Context, r *DistributionRule) error
	Delete(ctx context.Context, id int64) error
	// List returns rules with their targets, ordered by priority descending.
	List(ctx context.Context, enabledOnly bool) ([]DistributionRule, error)
	ReplaceTargets(ctx context.Context, ruleID int64, targets []DistributionTarget) error
	GetTarget(ctx context.Context, id int64) (*DistributionTarget, error)
	GetTargetByRuleChat(ctx context.Context, ruleID, botChatID int64) (*DistributionTarget, error)
}

type BotStore interface {
	CreateBot(ctx context.Context, b *BotConfig) error
	GetBot(ctx context.Context, id int64) (*BotConfig, error)
	UpdateBot(ctx context.Context, b *BotConfig) error
	DeleteBot(ctx context.Context, id int64) error
	ListBots(ctx context.Context) ([]BotConfig, error)
	// Activate makes the bot primary for its platform, demoting any other
	// primary on the same platform in the same transaction.
	Activate(ctx context.Context, id int64) error
	GetPrimary(ctx context.Context, platform string) (*BotConfig, error)
	UpsertChat(ctx context.Context, c *BotChat) (created bool, err error)
	// UpdateChat writes the operator-owned toggles (enabled, nsfw_chat_id)
	// that UpsertChat deliberately leaves alone during sync.
	UpdateChat(ctx context.Context, c *BotChat) error
	GetChat(ctx context.Context, id int64) (*BotChat, error)
	ListChats(ctx context.Context, botConfigID int64) ([]BotChat, error)
}

type QueueStore interface {
	// Upsert inserts a new triplet item or, when one already exists in
	// pending or scheduled, refreshes its scheduling fields. Terminal
	// items are left untouched unless reopen is true.
	Upsert(ctx context.Context, it *ContentQueueItem, reopen bool) (created bool, err error)
	Get(ctx context.Context, id int64) (*ContentQueueItem, error)
	List(ctx context.Context, f QueueFilter) ([]ContentQueueItem, int64, error)
	ItemsForContent(ctx context.Context, contentID int64) ([]ContentQueueItem, error)
	// ListActive returns every pending/scheduled item in queue order
	// (scheduled_at asc nulls last, priority desc, created_at asc).
	ListActive(ctx context.Context) ([]ContentQueueItem, error)
	Stats(ctx context.Context, ruleID int64) (*QueueStats, error)

	// ClaimDue atomically locks up to batch due scheduled items for worker.
	ClaimDue(ctx context.Context, workerID string, batch int, leaseTTL time.Duration, now time.Time) ([]ContentQueueItem, error)
	MarkSuccess(ctx context.Context, id int64, messageID string, now time.Time) error
	MarkRetry(ctx context.Context, id int64, errType, errMsg string, nextAttempt time.Time) error
	MarkFailed(ctx context.Context, id int64, errType, errMsg string, now time.Time) error
	ReleaseExpired(ctx context.Context, leaseTTL time.Duration, now time.Time) (int64, error)

	Cancel(ctx context.Context, id int64) error
	// Retry resets a terminal item to scheduled with a fresh attempt budget.
	Retry(ctx context.Context, id int64, now time.Time) error
	PushNow(ctx context.Context, id int64, now time.Time) error
	PushNowForContent(ctx context.Context, contentID int64, now time.Time) (int64, error)
	ScheduleForContent(ctx context.Context, contentID int64, at time.Time) (int64, error)
	SetPriorityForContent(ctx context.Context, contentID int64, priority int) (int64, error)
	SetPriorities(ctx context.Context, priorities map[int64]int) error
	// ApproveForContent flips pending items to scheduled after review.
	ApproveForContent(ctx context.Context, contentID int64, by string, now time.Time) (int64, error)
	CancelForContent(ctx context.Context, contentID int64) (int64, error)
	CancelForRule(ctx context.Context, ruleID int64) (int64, error)
	CancelForChat(ctx context.Context, botChatID int64) (int64, error)
	SetRenderedPayload(ctx context.Context, id int64, payload string) error
}

type PushedStore interface {
	Get(ctx context.Context, contentID, targetID int64) (*PushedRecord, error)
	// Record upserts the record and bumps the chat's push counters in one
	// transaction. chatRowID is the bot_chats primary key, 0 to skip.
	Record(ctx context.Context, rec *PushedRecord, chatRowID int64) error
	CountSince(ctx context.Context, targetID int64, since time.Time) (int64, error)
}

type TaskStore interface {
	Enqueue(ctx context.Context, typ, payloadJSON string, priority int, scheduledFor time.Time) (int64, error)
	Claim(ctx context.Context, workerID string, types []string, max int, leaseTTL time.Duration, now time.Time) ([]Task, error)
	Get(ctx context.Context, id int64) (*Task, error)
	Complete(ctx context.Context, id int64) error
	// Fail records the error; when retryAt is non-nil the task is
	// rescheduled, otherwise it moves to the dead-letter state.
	Fail(ctx context.Context, id int64, errMsg string, retryAt *time.Time) error
	RequeueExpired(ctx context.Context, leaseTTL time.Duration, now time.Time) (int64, error)
	// HasActive reports whether a pending or running task of this type
	// with this exact payload exists. Used to dedupe parse submissions.
	HasActive(ctx context.Context, typ, payloadJSON string) (bool, error)
}

type EventStore interface {
	Append(ctx context.Context, typ, payloadJSON, origin string) (int64, error)
	ListAfter(ctx context.Context, afterID int64, limit int) ([]RealtimeEvent, error)
	LatestID(ctx context.Context) (int64, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type SettingStore interface {
	Get(ctx context.Context, key string) (*Setting, error)
	Set(ctx context.Context, key, value string, secret bool) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Setting, error)
}

// Stores bundles every store interface behind one handle.
type Stores struct {
	Contents ContentStore
	Rules    RuleStore
	Bots     BotStore
	Queue    QueueStore
	Pushed   PushedStore
	Tasks    TaskStore
	Events   EventStore
	Settings SettingStore

	closer func() error
}

// NewStores builds a container. closer is invoked by Close.
func NewStores(closer func() error) *Stores {
	return &Stores{closer: closer}
}

// Close releases the underlying database handle.
func (s *Stores) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

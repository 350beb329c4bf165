package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
	"github.com/vaultstream/vaultstream/migrations"
)

// newTestStores opens a throwaway database in a temp dir and applies the
// initial schema. Each test gets its own file so parallel tests never share
// state.
func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	schema, err := migrations.FS.ReadFile("0001_init.up.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	st := NewStores(db)
	t.Cleanup(func() { st.Close() })
	return st
}

// --- content tests ---

// TestContentCreateDuplicate verifies that creating the same
// (platform, canonical_url) twice resolves to the existing row instead of
// erroring, which is what the share endpoint relies on under races.
func TestContentCreateDuplicate(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()

	first := &store.Content{
		Platform:     "bilibili",
		URL:          "https://b23.tv/abc",
		CanonicalURL: "https://www.bilibili.com/video/BV1xx411c7mD",
	}
	if err := st.Contents.Create(ctx, first); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("first create left ID zero")
	}
	if first.Status != store.ContentUnprocessed {
		t.Errorf("status = %q, want %q", first.Status, store.ContentUnprocessed)
	}

	second := &store.Content{
		Platform:     "bilibili",
		URL:          "https://www.bilibili.com/video/BV1xx411c7mD?spm_id_from=333",
		CanonicalURL: "https://www.bilibili.com/video/BV1xx411c7mD",
	}
	if err := st.Contents.Create(ctx, second); err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate create ID = %d, want %d", second.ID, first.ID)
	}
}

// TestContentSources verifies that repeated submissions accumulate as
// sources under one content.
func TestContentSources(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()

	c := &store.Content{Platform: "twitter", URL: "https://x.com/a/status/1", CanonicalURL: "https://x.com/a/status/1"}
	if err := st.Contents.Create(ctx, c); err != nil {
		t.Fatalf("create content: %v", err)
	}
	for i, src := range []string{"web", "telegram"} {
		s := &store.ContentSource{ContentID: c.ID, URL: c.URL, Source: src, Note: "n", Tags: []string{"t"}}
		if err := st.Contents.AddSource(ctx, s); err != nil {
			t.Fatalf("add source %d: %v", i, err)
		}
	}
	got, err := st.Contents.ListSources(ctx, c.ID)
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(sources) = %d, want 2", len(got))
	}
	if got[0].Source != "web" || got[1].Source != "telegram" {
		t.Errorf("sources = %q, %q, want web, telegram", got[0].Source, got[1].Source)
	}
}

// TestContentSetReview verifies the review fields round-trip.
func TestContentSetReview(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()

	c := &store.Content{Platform: "weibo", URL: "https://weibo.com/1/a", CanonicalURL: "https://weibo.com/1/a"}
	if err := st.Contents.Create(ctx, c); err != nil {
		t.Fatalf("create content: %v", err)
	}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := st.Contents.SetReview(ctx, c.ID, store.ReviewApproved, "admin", "looks fine", at); err != nil {
		t.Fatalf("set review: %v", err)
	}
	got, err := st.Contents.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if got.ReviewStatus != store.ReviewApproved {
		t.Errorf("review_status = %q, want %q", got.ReviewStatus, store.ReviewApproved)
	}
	if got.ReviewedBy == nil || *got.ReviewedBy != "admin" {
		t.Errorf("reviewed_by = %v, want admin", got.ReviewedBy)
	}
	if got.ReviewedAt == nil || !got.ReviewedAt.Equal(at) {
		t.Errorf("reviewed_at = %v, want %v", got.ReviewedAt, at)
	}
}

// --- queue tests ---

func scheduledItem(contentID, ruleID, chatID int64, at time.Time) *store.ContentQueueItem {
	return &store.ContentQueueItem{
		ContentID:   contentID,
		RuleID:      ruleID,
		BotChatID:   chatID,
		Status:      store.QueueScheduled,
		ScheduledAt: &at,
	}
}

// TestQueueUpsert verifies the three upsert branches: fresh insert, refresh
// of a live item, and the terminal item left alone without reopen.
func TestQueueUpsert(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	it := scheduledItem(1, 2, 3, now.Add(time.Hour))
	created, err := st.Queue.Upsert(ctx, it, false)
	if err != nil {
		t.Fatalf("insert upsert: %v", err)
	}
	if !created {
		t.Error("insert upsert created = false, want true")
	}
	if it.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", it.MaxAttempts)
	}

	// Refresh the live item: same triplet, new schedule.
	later := now.Add(2 * time.Hour)
	refresh := scheduledItem(1, 2, 3, later)
	refresh.Priority = 7
	created, err = st.Queue.Upsert(ctx, refresh, false)
	if err != nil {
		t.Fatalf("refresh upsert: %v", err)
	}
	if created {
		t.Error("refresh upsert created = true, want false")
	}
	got, err := st.Queue.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Priority != 7 {
		t.Errorf("priority after refresh = %d, want 7", got.Priority)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(later) {
		t.Errorf("scheduled_at after refresh = %v, want %v", got.ScheduledAt, later)
	}

	// Terminal item without reopen stays terminal.
	if err := st.Queue.MarkFailed(ctx, it.ID, "fatal", "boom", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	again := scheduledItem(1, 2, 3, now.Add(time.Hour))
	created, err = st.Queue.Upsert(ctx, again, false)
	if err != nil {
		t.Fatalf("terminal upsert: %v", err)
	}
	if created {
		t.Error("terminal upsert created = true, want false")
	}
	if again.Status != store.QueueFailed {
		t.Errorf("terminal upsert status = %q, want %q", again.Status, store.QueueFailed)
	}
}

// TestQueueUpsertReopen verifies that reopen resets a terminal item for a
// fresh delivery round with a clean attempt budget.
func TestQueueUpsertReopen(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	it := scheduledItem(1, 2, 3, now)
	if _, err := st.Queue.Upsert(ctx, it, false); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.Queue.MarkFailed(ctx, it.ID, "fatal", "boom", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	reopened := scheduledItem(1, 2, 3, now.Add(time.Minute))
	if _, err := st.Queue.Upsert(ctx, reopened, true); err != nil {
		t.Fatalf("reopen upsert: %v", err)
	}
	got, err := st.Queue.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != store.QueueScheduled {
		t.Errorf("status after reopen = %q, want %q", got.Status, store.QueueScheduled)
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempt_count after reopen = %d, want 0", got.AttemptCount)
	}
	if got.CompletedAt != nil {
		t.Errorf("completed_at after reopen = %v, want nil", got.CompletedAt)
	}
}

// TestQueueClaimDue verifies that a claim picks up only due scheduled items,
// locks them, and that a second claim finds nothing left.
func TestQueueClaimDue(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := scheduledItem(1, 1, 1, now.Add(-time.Minute))
	future := scheduledItem(2, 1, 1, now.Add(time.Hour))
	pending := &store.ContentQueueItem{ContentID: 3, RuleID: 1, BotChatID: 1, Status: store.QueuePending, NeedsApproval: true}
	for _, it := range []*store.ContentQueueItem{due, future, pending} {
		if _, err := st.Queue.Upsert(ctx, it, false); err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}

	claimed, err := st.Queue.ClaimDue(ctx, "worker-1", 10, 5*time.Minute, now)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d items, want 1", len(claimed))
	}
	if claimed[0].ID != due.ID {
		t.Errorf("claimed item %d, want %d", claimed[0].ID, due.ID)
	}
	if claimed[0].Status != store.QueueProcessing {
		t.Errorf("claimed status = %q, want %q", claimed[0].Status, store.QueueProcessing)
	}
	if claimed[0].LockedBy == nil || *claimed[0].LockedBy != "worker-1" {
		t.Errorf("locked_by = %v, want worker-1", claimed[0].LockedBy)
	}

	again, err := st.Queue.ClaimDue(ctx, "worker-2", 10, 5*time.Minute, now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim got %d items, want 0", len(again))
	}
}

// TestQueueReleaseExpired verifies crashed workers' leases return their
// items to scheduled.
func TestQueueReleaseExpired(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	it := scheduledItem(1, 1, 1, now.Add(-time.Minute))
	if _, err := st.Queue.Upsert(ctx, it, false); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	if _, err := st.Queue.ClaimDue(ctx, "worker-1", 10, 5*time.Minute, now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Lease still fresh: nothing released.
	n, err := st.Queue.ReleaseExpired(ctx, 5*time.Minute, now)
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if n != 0 {
		t.Errorf("released %d with fresh lease, want 0", n)
	}

	n, err = st.Queue.ReleaseExpired(ctx, 5*time.Minute, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if n != 1 {
		t.Errorf("released %d with stale lease, want 1", n)
	}
	got, err := st.Queue.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != store.QueueScheduled {
		t.Errorf("status after release = %q, want %q", got.Status, store.QueueScheduled)
	}
	if got.LockedBy != nil {
		t.Errorf("locked_by after release = %v, want nil", got.LockedBy)
	}
}

// TestQueueRetryResetsBudget verifies Retry moves a failed item back to
// scheduled with attempt_count zeroed.
func TestQueueRetryResetsBudget(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	it := scheduledItem(1, 1, 1, now)
	if _, err := st.Queue.Upsert(ctx, it, false); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	if err := st.Queue.MarkRetry(ctx, it.ID, "transient", "429", now.Add(time.Minute)); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if err := st.Queue.MarkFailed(ctx, it.ID, "transient", "429 again", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := st.Queue.Get(ctx, it.ID)
	if got.AttemptCount != 2 {
		t.Fatalf("attempt_count = %d, want 2", got.AttemptCount)
	}

	if err := st.Queue.Retry(ctx, it.ID, now); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := st.Queue.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != store.QueueScheduled {
		t.Errorf("status = %q, want %q", got.Status, store.QueueScheduled)
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", got.AttemptCount)
	}

	// Retry on a live item is a no-op error.
	if err := st.Queue.Retry(ctx, it.ID, now); err != store.ErrNotFound {
		t.Errorf("retry on live item = %v, want ErrNotFound", err)
	}
}

// TestQueueStats verifies the dashboard bucketing: pending items split on
// needs_approval, terminal failures count as filtered.
func TestQueueStats(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	items := []*store.ContentQueueItem{
		{ContentID: 1, RuleID: 1, BotChatID: 1, Status: store.QueuePending, NeedsApproval: true},
		{ContentID: 2, RuleID: 1, BotChatID: 1, Status: store.QueueScheduled, ScheduledAt: &now},
		{ContentID: 3, RuleID: 1, BotChatID: 1, Status: store.QueueScheduled, ScheduledAt: &now},
		{ContentID: 4, RuleID: 2, BotChatID: 1, Status: store.QueueScheduled, ScheduledAt: &now},
	}
	for _, it := range items {
		if _, err := st.Queue.Upsert(ctx, it, false); err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}
	if err := st.Queue.MarkSuccess(ctx, items[1].ID, "msg-1", now); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if err := st.Queue.MarkFailed(ctx, items[2].ID, "fatal", "boom", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	stats, err := st.Queue.Stats(ctx, 0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingReview != 1 {
		t.Errorf("pending_review = %d, want 1", stats.PendingReview)
	}
	if stats.WillPush != 1 {
		t.Errorf("will_push = %d, want 1", stats.WillPush)
	}
	if stats.Pushed != 1 {
		t.Errorf("pushed = %d, want 1", stats.Pushed)
	}
	if stats.Filtered != 1 {
		t.Errorf("filtered = %d, want 1", stats.Filtered)
	}

	// Scoped to rule 2 only the one scheduled item remains.
	stats, err = st.Queue.Stats(ctx, 2)
	if err != nil {
		t.Fatalf("stats for rule: %v", err)
	}
	if stats.WillPush != 1 || stats.Pushed != 0 {
		t.Errorf("rule-scoped stats = will_push %d pushed %d, want 1, 0", stats.WillPush, stats.Pushed)
	}
}

// TestQueueApproveForContent verifies approval flips only the pending
// approval-gated items to scheduled.
func TestQueueApproveForContent(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	gated := &store.ContentQueueItem{ContentID: 9, RuleID: 1, BotChatID: 1, Status: store.QueuePending, NeedsApproval: true}
	free := scheduledItem(9, 2, 1, now)
	for _, it := range []*store.ContentQueueItem{gated, free} {
		if _, err := st.Queue.Upsert(ctx, it, false); err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}

	n, err := st.Queue.ApproveForContent(ctx, 9, "admin", now)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if n != 1 {
		t.Errorf("approved %d items, want 1", n)
	}
	got, err := st.Queue.Get(ctx, gated.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != store.QueueScheduled {
		t.Errorf("status = %q, want %q", got.Status, store.QueueScheduled)
	}
	if got.NeedsApproval {
		t.Error("needs_approval still set after approve")
	}
	if got.ApprovedBy == nil || *got.ApprovedBy != "admin" {
		t.Errorf("approved_by = %v, want admin", got.ApprovedBy)
	}
	if got.ScheduledAt == nil {
		t.Error("approve left scheduled_at nil")
	}
}

// TestQueuePushNow verifies push-now backdates the schedule so the next
// claim picks the item up immediately.
func TestQueuePushNow(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	it := scheduledItem(1, 1, 1, now.Add(24*time.Hour))
	if _, err := st.Queue.Upsert(ctx, it, false); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	if err := st.Queue.PushNow(ctx, it.ID, now); err != nil {
		t.Fatalf("push now: %v", err)
	}
	claimed, err := st.Queue.ClaimDue(ctx, "w", 10, 5*time.Minute, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != it.ID {
		t.Fatalf("claim after push-now = %v, want item %d", claimed, it.ID)
	}
}

// --- bot tests ---

// TestBotActivate verifies activation keeps exactly one primary per
// platform and re-enables the promoted bot.
func TestBotActivate(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()

	a := &store.BotConfig{Platform: store.PlatformTelegram, Name: "a", Enabled: true, IsPrimary: true}
	b := &store.BotConfig{Platform: store.PlatformTelegram, Name: "b", Enabled: false}
	q := &store.BotConfig{Platform: store.PlatformQQ, Name: "q", Enabled: true, IsPrimary: true}
	for _, bot := range []*store.BotConfig{a, b, q} {
		if err := st.Bots.CreateBot(ctx, bot); err != nil {
			t.Fatalf("create bot: %v", err)
		}
	}

	if err := st.Bots.Activate(ctx, b.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	gotA, _ := st.Bots.GetBot(ctx, a.ID)
	gotB, _ := st.Bots.GetBot(ctx, b.ID)
	gotQ, _ := st.Bots.GetBot(ctx, q.ID)
	if gotA.IsPrimary {
		t.Error("old primary still primary after activate")
	}
	if !gotB.IsPrimary || !gotB.Enabled {
		t.Errorf("activated bot primary=%v enabled=%v, want true, true", gotB.IsPrimary, gotB.Enabled)
	}
	if !gotQ.IsPrimary {
		t.Error("activate on telegram demoted the qq primary")
	}

	prim, err := st.Bots.GetPrimary(ctx, store.PlatformTelegram)
	if err != nil {
		t.Fatalf("get primary: %v", err)
	}
	if prim.ID != b.ID {
		t.Errorf("primary = %d, want %d", prim.ID, b.ID)
	}
}

// TestUpsertChatPreservesToggles verifies a sync refresh never clobbers the
// operator-owned enabled flag or NSFW redirect, while UpdateChat does write
// them.
func TestUpsertChatPreservesToggles(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()

	bot := &store.BotConfig{Platform: store.PlatformTelegram, Name: "a", Enabled: true}
	if err := st.Bots.CreateBot(ctx, bot); err != nil {
		t.Fatalf("create bot: %v", err)
	}
	chat := &store.BotChat{BotConfigID: bot.ID, ChatID: "-100123", ChatType: "channel", Title: "old", Enabled: true, IsAccessible: true, CanPost: true}
	created, err := st.Bots.UpsertChat(ctx, chat)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created {
		t.Error("first upsert created = false, want true")
	}

	// Operator disables the chat and sets an NSFW redirect.
	nsfw := "-100999"
	chat.Enabled = false
	chat.NSFWChatID = &nsfw
	if err := st.Bots.UpdateChat(ctx, chat); err != nil {
		t.Fatalf("update chat: %v", err)
	}

	// A later sync sees the chat again with a new title.
	resync := &store.BotChat{BotConfigID: bot.ID, ChatID: "-100123", ChatType: "channel", Title: "new", Enabled: true, IsAccessible: true, CanPost: true}
	created, err = st.Bots.UpsertChat(ctx, resync)
	if err != nil {
		t.Fatalf("resync upsert: %v", err)
	}
	if created {
		t.Error("resync upsert created = true, want false")
	}
	if resync.Title != "new" {
		t.Errorf("title after resync = %q, want %q", resync.Title, "new")
	}
	if resync.Enabled {
		t.Error("resync re-enabled an operator-disabled chat")
	}
	if resync.NSFWChatID == nil || *resync.NSFWChatID != nsfw {
		t.Errorf("nsfw_chat_id after resync = %v, want %q", resync.NSFWChatID, nsfw)
	}
}

// --- task tests ---

// TestTaskClaimAndRequeue verifies claim ordering, lease expiry requeue and
// the HasActive dedup check.
func TestTaskClaimAndRequeue(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	payload := `{"content_id":1}`
	id, err := st.Tasks.Enqueue(ctx, store.TaskParse, payload, 0, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	active, err := st.Tasks.HasActive(ctx, store.TaskParse, payload)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if !active {
		t.Error("HasActive = false for pending task, want true")
	}

	claimed, err := st.Tasks.Claim(ctx, "w1", []string{store.TaskParse}, 5, 5*time.Minute, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("claimed = %v, want task %d", claimed, id)
	}
	if claimed[0].Status != store.TaskRunning {
		t.Errorf("claimed status = %q, want %q", claimed[0].Status, store.TaskRunning)
	}

	// Running still counts as active for dedup.
	active, err = st.Tasks.HasActive(ctx, store.TaskParse, payload)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if !active {
		t.Error("HasActive = false for running task, want true")
	}

	// Lease expires: the task goes back to pending.
	n, err := st.Tasks.RequeueExpired(ctx, 5*time.Minute, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued %d tasks, want 1", n)
	}
	got, err := st.Tasks.Get(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskPending {
		t.Errorf("status after requeue = %q, want %q", got.Status, store.TaskPending)
	}

	if err := st.Tasks.Complete(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	active, _ = st.Tasks.HasActive(ctx, store.TaskParse, payload)
	if active {
		t.Error("HasActive = true for done task, want false")
	}
}

// --- pushed record tests ---

// TestPushedRecordBumpsChatCounters verifies Record upserts the audit row
// and increments the chat's push counters in one go.
func TestPushedRecordBumpsChatCounters(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()

	bot := &store.BotConfig{Platform: store.PlatformTelegram, Name: "a", Enabled: true}
	if err := st.Bots.CreateBot(ctx, bot); err != nil {
		t.Fatalf("create bot: %v", err)
	}
	chat := &store.BotChat{BotConfigID: bot.ID, ChatID: "-1", Enabled: true}
	if _, err := st.Bots.UpsertChat(ctx, chat); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	c := &store.Content{Platform: "weibo", URL: "u", CanonicalURL: "u"}
	if err := st.Contents.Create(ctx, c); err != nil {
		t.Fatalf("create content: %v", err)
	}

	rec := &store.PushedRecord{ContentID: c.ID, TargetID: 42, MessageID: "m1", PushStatus: "success", PushedAt: time.Now().UTC()}
	if err := st.Pushed.Record(ctx, rec, chat.ID); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := st.Pushed.Get(ctx, c.ID, 42)
	if err != nil {
		t.Fatalf("get pushed: %v", err)
	}
	if got.MessageID != "m1" {
		t.Errorf("message_id = %q, want %q", got.MessageID, "m1")
	}
	chatAfter, err := st.Bots.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chatAfter.TotalPushed != 1 {
		t.Errorf("total_pushed = %d, want 1", chatAfter.TotalPushed)
	}
	if chatAfter.LastPushedAt == nil {
		t.Error("last_pushed_at still nil after record")
	}

	n, err := st.Pushed.CountSince(ctx, 42, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count since: %v", err)
	}
	if n != 1 {
		t.Errorf("count since = %d, want 1", n)
	}
}

// --- event outbox tests ---

// TestEventOutbox verifies append ordering, ListAfter cursoring and Prune.
func TestEventOutbox(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()

	var last int64
	for _, typ := range []string{"content_created", "content_updated", "queue_updated"} {
		id, err := st.Events.Append(ctx, typ, "{}", "srv-1")
		if err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
		last = id
	}

	latest, err := st.Events.LatestID(ctx)
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if latest != last {
		t.Errorf("latest id = %d, want %d", latest, last)
	}

	evs, err := st.Events.ListAfter(ctx, last-2, 10)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(evs))
	}
	if evs[0].Type != "content_updated" || evs[1].Type != "queue_updated" {
		t.Errorf("events = %q, %q, want content_updated, queue_updated", evs[0].Type, evs[1].Type)
	}

	n, err := st.Events.Prune(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned %d events, want 3", n)
	}
}

// --- settings tests ---

// TestSettingsRoundTrip verifies set/get/delete and the secret flag.
func TestSettingsRoundTrip(t *testing.T) {
	st := newTestStores(t)
	ctx := context.Background()

	if err := st.Settings.Set(ctx, "api_token", "sekrit", true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.Settings.Set(ctx, "api_token", "sekrit2", true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := st.Settings.Get(ctx, "api_token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "sekrit2" {
		t.Errorf("value = %q, want %q", got.Value, "sekrit2")
	}
	if !got.IsSecret {
		t.Error("is_secret = false, want true")
	}

	if err := st.Settings.Delete(ctx, "api_token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Settings.Get(ctx, "api_token"); err != store.ErrNotFound {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

package distq

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaultstream/vaultstream/internal/bus"
	"github.com/vaultstream/vaultstream/internal/store"
	storesqlite "github.com/vaultstream/vaultstream/internal/store/sqlite"
	"github.com/vaultstream/vaultstream/migrations"
)

func newTestService(t *testing.T) (*Service, *store.Stores, time.Time) {
	t.Helper()
	db, err := storesqlite.Open(filepath.Join(t.TempDir(), "test.db"))
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
	st := storesqlite.NewStores(db)
	t.Cleanup(func() { st.Close() })

	svc := NewService(st.Queue, bus.New(nil, "test"))
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })
	return svc, st, now
}

func seedItem(t *testing.T, st *store.Stores, contentID int64, at time.Time, priority int) *store.ContentQueueItem {
	t.Helper()
	it := &store.ContentQueueItem{
		ContentID:   contentID,
		RuleID:      1,
		BotChatID:   1,
		Status:      store.QueueScheduled,
		ScheduledAt: &at,
		Priority:    priority,
	}
	if _, err := st.Queue.Upsert(context.Background(), it, false); err != nil {
		t.Fatalf("seed item for content %d: %v", contentID, err)
	}
	return it
}

// contentOrder reads back the active queue as distinct content ids.
func contentOrder(t *testing.T, st *store.Stores) []int64 {
	t.Helper()
	items, err := st.Queue.ListActive(context.Background())
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	seen := map[int64]bool{}
	var order []int64
	for _, it := range items {
		if !seen[it.ContentID] {
			seen[it.ContentID] = true
			order = append(order, it.ContentID)
		}
	}
	return order
}

// TestMidpoint verifies the gap arithmetic including exhaustion.
func TestMidpoint(t *testing.T) {
	p := func(n int) *int { return &n }
	tests := []struct {
		name   string
		prev   *int
		next   *int
		want   int
		wantOK bool
	}{
		{"empty queue", nil, nil, 0, true},
		{"insert at head", nil, p(1000), 2000, true},
		{"insert at tail", p(1000), nil, 0, true},
		{"between", p(3000), p(1000), 2000, true},
		{"gap exhausted", p(2), p(1), 0, false},
		{"adjacent equal", p(5), p(5), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := midpoint(tt.prev, tt.next)
			if ok != tt.wantOK {
				t.Fatalf("midpoint ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("midpoint = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestReorder verifies moving a content to the front of the active view,
// including the scheduled_at alignment that keeps the time-major sort from
// undoing the move.
func TestReorder(t *testing.T) {
	svc, st, now := newTestService(t)
	ctx := context.Background()

	seedItem(t, st, 1, now.Add(1*time.Hour), 0)
	seedItem(t, st, 2, now.Add(2*time.Hour), 0)
	seedItem(t, st, 3, now.Add(3*time.Hour), 0)

	if got := contentOrder(t, st); len(got) != 3 || got[0] != 1 {
		t.Fatalf("initial order = %v, want [1 2 3]", got)
	}

	if err := svc.Reorder(ctx, 3, 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if got := contentOrder(t, st); got[0] != 3 {
		t.Errorf("order after reorder = %v, want content 3 first", got)
	}

	// Moving an unknown content is a not-found error.
	if err := svc.Reorder(ctx, 99, 0); err == nil {
		t.Error("reorder of unknown content succeeded, want error")
	}
}

// TestReorderRenormalizes verifies an exhausted gap triggers a full
// renormalize instead of failing.
func TestReorderRenormalizes(t *testing.T) {
	svc, st, now := newTestService(t)
	ctx := context.Background()

	// Same schedule, adjacent priorities: no midpoint exists between them.
	at := now.Add(time.Hour)
	seedItem(t, st, 1, at, 3)
	seedItem(t, st, 2, at, 2)
	seedItem(t, st, 3, at, 1)

	if err := svc.Reorder(ctx, 3, 1); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	got := contentOrder(t, st)
	want := []int64{1, 3, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	// Renormalized priorities leave room for further midpoint inserts.
	items, _ := st.Queue.ListActive(ctx)
	for i := 1; i < len(items); i++ {
		if items[i-1].Priority-items[i].Priority < 2 {
			t.Errorf("gap between %d and %d is %d, want renormalized spacing",
				items[i-1].ContentID, items[i].ContentID, items[i-1].Priority-items[i].Priority)
		}
	}
}

// TestMergeGroup verifies schedule alignment: explicit time wins, otherwise
// the earliest live schedule, otherwise now.
func TestMergeGroup(t *testing.T) {
	t.Run("explicit time", func(t *testing.T) {
		svc, st, now := newTestService(t)
		seedItem(t, st, 1, now.Add(1*time.Hour), 0)
		seedItem(t, st, 2, now.Add(2*time.Hour), 0)

		at := now.Add(30 * time.Minute)
		got, err := svc.MergeGroup(context.Background(), []int64{1, 2}, &at)
		if err != nil {
			t.Fatalf("merge group: %v", err)
		}
		if !got.Equal(at) {
			t.Errorf("aligned to %v, want %v", got, at)
		}
	})

	t.Run("earliest live schedule", func(t *testing.T) {
		svc, st, now := newTestService(t)
		early := now.Add(1 * time.Hour)
		seedItem(t, st, 1, early, 0)
		seedItem(t, st, 2, now.Add(5*time.Hour), 0)

		got, err := svc.MergeGroup(context.Background(), []int64{1, 2}, nil)
		if err != nil {
			t.Fatalf("merge group: %v", err)
		}
		if !got.Equal(early) {
			t.Errorf("aligned to %v, want earliest %v", got, early)
		}
		items, _ := st.Queue.ItemsForContent(context.Background(), 2)
		if items[0].ScheduledAt == nil || !items[0].ScheduledAt.Equal(early) {
			t.Errorf("content 2 scheduled_at = %v, want %v", items[0].ScheduledAt, early)
		}
	})

	t.Run("no live schedules falls back to now", func(t *testing.T) {
		svc, st, now := newTestService(t)
		it := &store.ContentQueueItem{ContentID: 1, RuleID: 1, BotChatID: 1, Status: store.QueuePending, NeedsApproval: true}
		if _, err := st.Queue.Upsert(context.Background(), it, false); err != nil {
			t.Fatalf("seed pending: %v", err)
		}
		got, err := svc.MergeGroup(context.Background(), []int64{1}, nil)
		if err != nil {
			t.Fatalf("merge group: %v", err)
		}
		if !got.Equal(now) {
			t.Errorf("aligned to %v, want now %v", got, now)
		}
	})

	t.Run("empty group rejected", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		if _, err := svc.MergeGroup(context.Background(), nil, nil); err == nil {
			t.Error("empty merge group succeeded, want error")
		}
	})
}

// TestPushNowWakes verifies push-now signals the worker channel.
func TestPushNowWakes(t *testing.T) {
	svc, st, now := newTestService(t)
	it := seedItem(t, st, 1, now.Add(time.Hour), 0)

	if err := svc.PushNow(context.Background(), it.ID); err != nil {
		t.Fatalf("push now: %v", err)
	}
	select {
	case <-svc.WakeChan():
	default:
		t.Error("push now did not wake the worker")
	}

	got, _ := st.Queue.Get(context.Background(), it.ID)
	if got.ScheduledAt == nil || !got.ScheduledAt.Before(now) {
		t.Errorf("scheduled_at = %v, want backdated before %v", got.ScheduledAt, now)
	}
}

// TestBatchRetry verifies only terminal items reset and the count reflects
// that.
func TestBatchRetry(t *testing.T) {
	svc, st, now := newTestService(t)
	ctx := context.Background()

	failed := seedItem(t, st, 1, now, 0)
	if err := st.Queue.MarkFailed(ctx, failed.ID, "fatal", "boom", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	live := seedItem(t, st, 2, now, 0)

	n, err := svc.BatchRetry(ctx, []int64{failed.ID, live.ID, 999})
	if err != nil {
		t.Fatalf("batch retry: %v", err)
	}
	if n != 1 {
		t.Errorf("retried %d items, want 1", n)
	}
	got, _ := st.Queue.Get(ctx, failed.ID)
	if got.Status != store.QueueScheduled {
		t.Errorf("status = %q, want %q", got.Status, store.QueueScheduled)
	}
}

package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/store"
)

// fakeTaskStore records calls so the tests can observe the queue's policy
// decisions without a database.
type fakeTaskStore struct {
	store.TaskStore

	active    bool
	enqueued  []string
	failedMsg string
	retryAt   *time.Time
}

func (f *fakeTaskStore) HasActive(ctx context.Context, typ, payloadJSON string) (bool, error) {
	return f.active, nil
}

func (f *fakeTaskStore) Enqueue(ctx context.Context, typ, payloadJSON string, priority int, scheduledFor time.Time) (int64, error) {
	f.enqueued = append(f.enqueued, payloadJSON)
	return int64(len(f.enqueued)), nil
}

func (f *fakeTaskStore) Fail(ctx context.Context, id int64, errMsg string, retryAt *time.Time) error {
	f.failedMsg = errMsg
	f.retryAt = retryAt
	return nil
}

// --- backoff tests ---

// TestBackoff verifies the exponential schedule stays inside the ±20%
// jitter envelope and respects the 5 minute cap.
func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		base    time.Duration
	}{
		{"first retry", 0, time.Second},
		{"second retry", 1, 2 * time.Second},
		{"fifth retry", 4, 16 * time.Second},
		{"capped", 20, 5 * time.Minute},
		{"negative clamps to first", -3, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				d := Backoff(tt.attempt)
				lo := time.Duration(float64(tt.base) * 0.8)
				hi := time.Duration(float64(tt.base) * 1.2)
				if d < lo || d > hi {
					t.Fatalf("Backoff(%d) = %v, want within [%v, %v]", tt.attempt, d, lo, hi)
				}
			}
		})
	}
}

// --- enqueue tests ---

// TestEnqueueParseDedup verifies that an identical pending parse makes a
// re-submission a no-op.
func TestEnqueueParseDedup(t *testing.T) {
	ctx := context.Background()

	fresh := &fakeTaskStore{}
	q := New(fresh)
	id, err := q.EnqueueParse(ctx, 42, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == 0 {
		t.Error("fresh enqueue returned id 0")
	}
	if len(fresh.enqueued) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(fresh.enqueued))
	}
	if want := `{"content_id":42}`; fresh.enqueued[0] != want {
		t.Errorf("payload = %q, want %q", fresh.enqueued[0], want)
	}

	busy := &fakeTaskStore{active: true}
	q = New(busy)
	id, err = q.EnqueueParse(ctx, 42, false)
	if err != nil {
		t.Fatalf("dedup enqueue: %v", err)
	}
	if id != 0 {
		t.Errorf("dedup enqueue id = %d, want 0", id)
	}
	if len(busy.enqueued) != 0 {
		t.Errorf("dedup enqueued %d tasks, want 0", len(busy.enqueued))
	}
}

// TestEnqueueParseForce verifies force lands in the payload so it does not
// dedup against a non-forced parse.
func TestEnqueueParseForce(t *testing.T) {
	f := &fakeTaskStore{}
	q := New(f)
	if _, err := q.EnqueueParse(context.Background(), 7, true); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if want := `{"content_id":7,"force":true}`; f.enqueued[0] != want {
		t.Errorf("payload = %q, want %q", f.enqueued[0], want)
	}
}

// --- failure policy tests ---

// TestHandleFailure verifies the retry policy: transient errors reschedule
// until the attempt budget runs out, everything else dead-letters.
func TestHandleFailure(t *testing.T) {
	tests := []struct {
		name      string
		cause     error
		retries   int
		wantRetry bool
	}{
		{"transient retries", apperr.New(apperr.KindTransient, "timeout"), 0, true},
		{"untagged retries", errors.New("mystery"), 0, true},
		{"fatal dead-letters", apperr.New(apperr.KindFatal, "bad token"), 0, false},
		{"validation dead-letters", apperr.New(apperr.KindValidation, "no url"), 0, false},
		{"exhausted dead-letters", apperr.New(apperr.KindTransient, "timeout"), 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeTaskStore{}
			q := New(f)
			task := &store.Task{ID: 1, RetryCount: tt.retries, MaxAttempts: 3}
			if err := q.HandleFailure(context.Background(), task, tt.cause); err != nil {
				t.Fatalf("handle failure: %v", err)
			}
			if got := f.retryAt != nil; got != tt.wantRetry {
				t.Errorf("rescheduled = %v, want %v", got, tt.wantRetry)
			}
			if f.failedMsg != tt.cause.Error() {
				t.Errorf("recorded error = %q, want %q", f.failedMsg, tt.cause.Error())
			}
		})
	}
}

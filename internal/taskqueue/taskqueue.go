// Package taskqueue layers retry policy and payload conventions over the
// durable tasks table. Workers claim with a lease; a crashed worker's tasks
// become claimable again once the lease expires.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/store"
)

// LeaseTTL is how long a claimed task stays owned by a silent worker.
const LeaseTTL = 10 * time.Minute

// Backoff policy: exponential from 1s, capped at 5 minutes.
const (
	backoffBase = time.Second
	backoffCap  = 5 * time.Minute
)

// Backoff returns the delay before retry number attempt (0-based), with
// ±20% jitter so synchronized failures don't retry in lockstep.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := backoffBase
	for i := 0; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

// ParsePayload is the payload of a parse task.
type ParsePayload struct {
	ContentID int64 `json:"content_id"`
	// Force marks an operator-requested re-parse of already pulled content.
	Force bool `json:"force,omitempty"`
}

// DistributePayload is the payload of a distribute task.
type DistributePayload struct {
	QueueItemID int64 `json:"queue_item_id"`
}

// Queue wraps the task store with enqueue/claim/fail policy.
type Queue struct {
	tasks store.TaskStore
}

func New(tasks store.TaskStore) *Queue {
	return &Queue{tasks: tasks}
}

// EnqueueParse schedules a parse for the content. Re-submissions while an
// identical task is still pending or running are no-ops.
func (q *Queue) EnqueueParse(ctx context.Context, contentID int64, force bool) (int64, error) {
	payload, err := json.Marshal(ParsePayload{ContentID: contentID, Force: force})
	if err != nil {
		return 0, fmt.Errorf("marshal parse payload: %w", err)
	}
	active, err := q.tasks.HasActive(ctx, store.TaskParse, string(payload))
	if err != nil {
		return 0, err
	}
	if active {
		return 0, nil
	}
	return q.tasks.Enqueue(ctx, store.TaskParse, string(payload), 0, time.Now().UTC())
}

// EnqueueDistribute schedules a distribute task for one queue item.
func (q *Queue) EnqueueDistribute(ctx context.Context, queueItemID int64) (int64, error) {
	payload, err := json.Marshal(DistributePayload{QueueItemID: queueItemID})
	if err != nil {
		return 0, fmt.Errorf("marshal distribute payload: %w", err)
	}
	return q.tasks.Enqueue(ctx, store.TaskDistribute, string(payload), 0, time.Now().UTC())
}

// Claim hands out up to max due tasks of the given types.
func (q *Queue) Claim(ctx context.Context, workerID string, types []string, max int) ([]store.Task, error) {
	return q.tasks.Claim(ctx, workerID, types, max, LeaseTTL, time.Now().UTC())
}

// Complete marks the task done.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	return q.tasks.Complete(ctx, id)
}

// HandleFailure applies the retry policy: transient errors retry with
// exponential backoff until max_attempts, everything else (and exhausted
// retries) dead-letters the task.
func (q *Queue) HandleFailure(ctx context.Context, task *store.Task, cause error) error {
	msg := cause.Error()
	if apperr.Retryable(cause) && task.RetryCount+1 < task.MaxAttempts {
		retryAt := time.Now().UTC().Add(Backoff(task.RetryCount))
		return q.tasks.Fail(ctx, task.ID, msg, &retryAt)
	}
	return q.tasks.Fail(ctx, task.ID, msg, nil)
}

// RequeueExpired recovers tasks whose workers died mid-flight.
func (q *Queue) RequeueExpired(ctx context.Context) (int64, error) {
	return q.tasks.RequeueExpired(ctx, LeaseTTL, time.Now().UTC())
}

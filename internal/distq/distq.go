// Package distq is the distribution queue service: the operator-facing
// operations on queue items (listing, stats, push-now, scheduling,
// reordering, merge groups, cancel/retry) and the wake-up signal the push
// worker listens on.
package distq

import (
	"context"
	"time"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/bus"
	"github.com/vaultstream/vaultstream/internal/store"
)

// priorityGap is the spacing used when (re)allocating reorder priorities;
// midpoint inserts consume the gap until a renormalize pass restores it.
const priorityGap = 1000

// Service exposes queue operations. Every mutation emits queue_updated.
type Service struct {
	queue store.QueueStore
	bus   *bus.Bus
	wake  chan struct{}
	now   func() time.Time
}

func NewService(queue store.QueueStore, b *bus.Bus) *Service {
	return &Service{
		queue: queue,
		bus:   b,
		wake:  make(chan struct{}, 1),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides time for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Wake signals the push worker without blocking.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// WakeChan is the channel the push worker selects on.
func (s *Service) WakeChan() <-chan struct{} { return s.wake }

func (s *Service) List(ctx context.Context, f store.QueueFilter) ([]store.ContentQueueItem, int64, error) {
	return s.queue.List(ctx, f)
}

func (s *Service) Get(ctx context.Context, id int64) (*store.ContentQueueItem, error) {
	return s.queue.Get(ctx, id)
}

func (s *Service) ItemsForContent(ctx context.Context, contentID int64) ([]store.ContentQueueItem, error) {
	return s.queue.ItemsForContent(ctx, contentID)
}

func (s *Service) Stats(ctx context.Context, ruleID int64) (*store.QueueStats, error) {
	return s.queue.Stats(ctx, ruleID)
}

func (s *Service) emitUpdated(ctx context.Context, fields map[string]any) {
	s.bus.Publish(ctx, bus.EventQueueUpdated, fields)
}

// PushNow front-runs one item and wakes the worker.
func (s *Service) PushNow(ctx context.Context, itemID int64) error {
	if err := s.queue.PushNow(ctx, itemID, s.now()); err != nil {
		return err
	}
	s.emitUpdated(ctx, map[string]any{"item_id": itemID, "action": "push_now"})
	s.Wake()
	return nil
}

// PushNowContent front-runs every live item of a content.
func (s *Service) PushNowContent(ctx context.Context, contentID int64) (int64, error) {
	n, err := s.queue.PushNowForContent(ctx, contentID, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.emitUpdated(ctx, map[string]any{"content_id": contentID, "action": "push_now", "items": n})
		s.Wake()
	}
	return n, nil
}

// Schedule moves every live item of a content to at.
func (s *Service) Schedule(ctx context.Context, contentID int64, at time.Time) (int64, error) {
	n, err := s.queue.ScheduleForContent(ctx, contentID, at.UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.emitUpdated(ctx, map[string]any{"content_id": contentID, "action": "schedule", "at": at.UTC()})
		s.Wake()
	}
	return n, nil
}

func (s *Service) Cancel(ctx context.Context, itemID int64) error {
	if err := s.queue.Cancel(ctx, itemID); err != nil {
		return err
	}
	s.emitUpdated(ctx, map[string]any{"item_id": itemID, "action": "cancel"})
	return nil
}

func (s *Service) Retry(ctx context.Context, itemID int64) error {
	if err := s.queue.Retry(ctx, itemID, s.now()); err != nil {
		return err
	}
	s.emitUpdated(ctx, map[string]any{"item_id": itemID, "action": "retry"})
	s.Wake()
	return nil
}

// BatchRetry retries many items, returning how many actually reset.
func (s *Service) BatchRetry(ctx context.Context, itemIDs []int64) (int64, error) {
	var n int64
	for _, id := range itemIDs {
		if err := s.queue.Retry(ctx, id, s.now()); err != nil {
			continue
		}
		n++
	}
	if n > 0 {
		s.emitUpdated(ctx, map[string]any{"action": "batch_retry", "items": n})
		s.Wake()
	}
	return n, nil
}

// Reorder places the content at the given index within the active queue
// view (scheduled_at asc, priority desc, created_at asc). Priorities are
// allocated into gaps between neighbors; when the neighborhood's gap is
// exhausted the whole view is renormalized first.
func (s *Service) Reorder(ctx context.Context, contentID int64, index int) error {
	view, err := s.contentView(ctx)
	if err != nil {
		return err
	}
	pos := -1
	for i, cv := range view {
		if cv.contentID == contentID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return apperr.New(apperr.KindNotFound, "content %d has no live queue items", contentID)
	}

	moved := view[pos]
	rest := append(append([]contentView{}, view[:pos]...), view[pos+1:]...)
	if index < 0 {
		index = 0
	}
	if index > len(rest) {
		index = len(rest)
	}

	// Align the moved content's scheduled_at with its new neighborhood so
	// the time-major sort cannot override the priority we assign.
	var anchor *contentView
	if index < len(rest) {
		anchor = &rest[index]
	} else if len(rest) > 0 {
		anchor = &rest[len(rest)-1]
	}
	if anchor != nil && anchor.scheduledAt != nil {
		if _, err := s.queue.ScheduleForContent(ctx, contentID, *anchor.scheduledAt); err != nil {
			return err
		}
	}

	var prevP, nextP *int
	if index > 0 {
		prevP = &rest[index-1].priority
	}
	if index < len(rest) {
		nextP = &rest[index].priority
	}
	newP, ok := midpoint(prevP, nextP)
	if !ok {
		if err := s.renormalize(ctx, rest, moved, index); err != nil {
			return err
		}
	} else {
		if _, err := s.queue.SetPriorityForContent(ctx, contentID, newP); err != nil {
			return err
		}
	}

	s.bus.Publish(ctx, bus.EventQueueReordered, map[string]any{
		"content_id": contentID,
		"index":      index,
	})
	s.emitUpdated(ctx, map[string]any{"content_id": contentID, "action": "reorder"})
	return nil
}

// midpoint picks a priority strictly between prev (higher) and next
// (lower). ok is false when the gap is exhausted.
func midpoint(prev, next *int) (int, bool) {
	switch {
	case prev == nil && next == nil:
		return 0, true
	case prev == nil:
		return *next + priorityGap, true
	case next == nil:
		return *prev - priorityGap, true
	default:
		if *prev-*next < 2 {
			return 0, false
		}
		return (*prev + *next) / 2, true
	}
}

// renormalize rewrites every content's priority with even gaps, with the
// moved content slotted at index.
func (s *Service) renormalize(ctx context.Context, rest []contentView, moved contentView, index int) error {
	ordered := append(append(append([]contentView{}, rest[:index]...), moved), rest[index:]...)
	prios := make(map[int64]int)
	top := len(ordered) * priorityGap
	for i, cv := range ordered {
		p := top - i*priorityGap
		for _, itemID := range cv.itemIDs {
			prios[itemID] = p
		}
	}
	return s.queue.SetPriorities(ctx, prios)
}

// MergeGroup aligns scheduled_at across the contents: to at when given,
// else to the earliest existing schedule among them. Items sharing a
// target and schedule with merge_forward enabled then batch at push time.
func (s *Service) MergeGroup(ctx context.Context, contentIDs []int64, at *time.Time) (time.Time, error) {
	if len(contentIDs) == 0 {
		return time.Time{}, apperr.New(apperr.KindValidation, "merge group needs content ids")
	}
	target := time.Time{}
	if at != nil {
		target = at.UTC()
	} else {
		for _, id := range contentIDs {
			items, err := s.queue.ItemsForContent(ctx, id)
			if err != nil {
				return time.Time{}, err
			}
			for _, it := range items {
				if store.QueueTerminal(it.Status) || it.ScheduledAt == nil {
					continue
				}
				if target.IsZero() || it.ScheduledAt.Before(target) {
					target = *it.ScheduledAt
				}
			}
		}
		if target.IsZero() {
			target = s.now()
		}
	}
	for _, id := range contentIDs {
		if _, err := s.queue.ScheduleForContent(ctx, id, target); err != nil {
			return time.Time{}, err
		}
	}
	s.emitUpdated(ctx, map[string]any{"action": "merge_group", "content_ids": contentIDs, "at": target})
	s.Wake()
	return target, nil
}

// contentView is one content's aggregate position in the active queue.
type contentView struct {
	contentID   int64
	scheduledAt *time.Time
	priority    int
	createdAt   time.Time
	itemIDs     []int64
}

// contentView builds the distinct-content ordering of the active queue.
func (s *Service) contentView(ctx context.Context) ([]contentView, error) {
	items, err := s.queue.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	index := map[int64]int{}
	var views []contentView
	for _, it := range items {
		if i, ok := index[it.ContentID]; ok {
			views[i].itemIDs = append(views[i].itemIDs, it.ID)
			continue
		}
		index[it.ContentID] = len(views)
		views = append(views, contentView{
			contentID:   it.ContentID,
			scheduledAt: it.ScheduledAt,
			priority:    it.Priority,
			createdAt:   it.CreatedAt,
			itemIDs:     []int64{it.ID},
		})
	}
	// items arrive in queue order, so first-occurrence order is the view.
	return views, nil
}

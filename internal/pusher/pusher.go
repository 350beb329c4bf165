// Package pusher runs the push worker: claim due queue items, render them
// under the effective config, deliver through the bot transport, and record
// the outcome with retry/backoff on transient failures.
package pusher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/botreg"
	"github.com/vaultstream/vaultstream/internal/bus"
	"github.com/vaultstream/vaultstream/internal/distq"
	"github.com/vaultstream/vaultstream/internal/render"
	"github.com/vaultstream/vaultstream/internal/store"
	"github.com/vaultstream/vaultstream/internal/taskqueue"
	"github.com/vaultstream/vaultstream/internal/transport"
)

// Options tune the worker.
type Options struct {
	BatchSize    int           // items claimed per cycle, default 10
	PollInterval time.Duration // default 30s; push_now wakes sooner
	LeaseTTL     time.Duration // default taskqueue.LeaseTTL
}

// Worker is the push loop.
type Worker struct {
	id       string
	queue    store.QueueStore
	contents store.ContentStore
	rules    store.RuleStore
	pushed   store.PushedStore
	bots     *botreg.Registry
	distq    *distq.Service
	bus      *bus.Bus
	opts     Options
	now      func() time.Time
}

func NewWorker(queue store.QueueStore, contents store.ContentStore, rules store.RuleStore,
	pushed store.PushedStore, bots *botreg.Registry, dq *distq.Service, b *bus.Bus, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = taskqueue.LeaseTTL
	}
	return &Worker{
		id:       "push-" + uuid.NewString()[:8],
		queue:    queue,
		contents: contents,
		rules:    rules,
		pushed:   pushed,
		bots:     bots,
		distq:    dq,
		bus:      b,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides time for tests.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

// Run polls for due items until ctx is canceled. The distribution queue's
// wake channel short-circuits the poll interval so push_now reacts within
// a second.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("push worker started", "worker_id", w.id, "batch", w.opts.BatchSize)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("push worker stopping", "worker_id", w.id)
			return ctx.Err()
		case <-ticker.C:
		case <-w.distq.WakeChan():
		}
		w.cycle(ctx)
	}
}

// cycle claims one batch and pushes it, merge-forward groups first.
func (w *Worker) cycle(ctx context.Context) {
	items, err := w.queue.ClaimDue(ctx, w.id, w.opts.BatchSize, w.opts.LeaseTTL, w.now())
	if err != nil {
		slog.Warn("queue claim failed", "worker_id", w.id, "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	singles, groups := w.groupBatch(ctx, items)
	for i := range singles {
		w.pushOne(ctx, &singles[i])
	}
	for _, g := range groups {
		w.pushGroup(ctx, g)
	}
}

// mergeKey buckets merge-forward items by destination and slot.
type mergeKey struct {
	botChatID int64
	slot      int64
}

// groupBatch splits the claim into individually-pushed items and
// merge-forward groups keyed by (chat, scheduled slot).
func (w *Worker) groupBatch(ctx context.Context, items []store.ContentQueueItem) ([]store.ContentQueueItem, map[mergeKey][]store.ContentQueueItem) {
	var singles []store.ContentQueueItem
	groups := make(map[mergeKey][]store.ContentQueueItem)
	for _, it := range items {
		target, err := w.rules.GetTargetByRuleChat(ctx, it.RuleID, it.BotChatID)
		if err != nil || !target.MergeForward || it.ScheduledAt == nil {
			singles = append(singles, it)
			continue
		}
		key := mergeKey{botChatID: it.BotChatID, slot: it.ScheduledAt.Unix()}
		groups[key] = append(groups[key], it)
	}
	// A group of one is just a single.
	for key, g := range groups {
		if len(g) == 1 {
			singles = append(singles, g[0])
			delete(groups, key)
		}
	}
	return singles, groups
}

// prepared is one item resolved and rendered, ready for delivery.
type prepared struct {
	item    *store.ContentQueueItem
	content *store.Content
	target  *store.DistributionTarget
	chat    *store.BotChat
	svc     transport.Service
	chatID  string
	payload *render.Payload
}

// prepare resolves everything delivery needs. A resolution error fails the
// item through the normal retry policy.
func (w *Worker) prepare(ctx context.Context, it *store.ContentQueueItem) (*prepared, error) {
	content, err := w.contents.Get(ctx, it.ContentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "load content")
	}
	rule, err := w.rules.Get(ctx, it.RuleID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "load rule")
	}
	target, err := w.rules.GetTargetByRuleChat(ctx, it.RuleID, it.BotChatID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "load target")
	}
	chat, svc, err := w.bots.ServiceForChat(ctx, it.BotChatID)
	if err != nil {
		return nil, err
	}

	chatID := chat.ChatID
	if it.NSFWRoutingResult != nil && *it.NSFWRoutingResult == "nsfw_channel" {
		if chat.NSFWChatID == nil || *chat.NSFWChatID == "" {
			return nil, apperr.New(apperr.KindValidation, "nsfw routing requires nsfw_chat_id on chat %d", chat.ID)
		}
		chatID = *chat.NSFWChatID
	}

	var payload *render.Payload
	if it.RenderedPayload != nil && *it.RenderedPayload != "" {
		var p render.Payload
		if err := json.Unmarshal([]byte(*it.RenderedPayload), &p); err == nil {
			payload = &p
		}
	}
	if payload == nil {
		cfg := render.Effective(target.RenderConfigOverride, rule.RenderConfig)
		payload = render.Render(content, cfg)
		if b, err := json.Marshal(payload); err == nil {
			_ = w.queue.SetRenderedPayload(ctx, it.ID, string(b))
		}
	}

	return &prepared{
		item:    it,
		content: content,
		target:  target,
		chat:    chat,
		svc:     svc,
		chatID:  chatID,
		payload: payload,
	}, nil
}

func (w *Worker) pushOne(ctx context.Context, it *store.ContentQueueItem) {
	p, err := w.prepare(ctx, it)
	if err != nil {
		w.fail(ctx, it, err)
		return
	}
	res, err := p.svc.Send(ctx, &transport.Message{ChatID: p.chatID, Payload: p.payload})
	if err != nil {
		w.fail(ctx, it, err)
		return
	}
	w.succeed(ctx, p, res.MessageID)
}

// pushGroup delivers a merge-forward batch as one bundled message. The
// batch shares a chat; any member failing to prepare falls back to an
// individual push so one broken item cannot sink the group.
func (w *Worker) pushGroup(ctx context.Context, items []store.ContentQueueItem) {
	var ready []*prepared
	for i := range items {
		p, err := w.prepare(ctx, &items[i])
		if err != nil {
			w.fail(ctx, &items[i], err)
			continue
		}
		ready = append(ready, p)
	}
	if len(ready) == 0 {
		return
	}
	if len(ready) == 1 {
		p := ready[0]
		res, err := p.svc.Send(ctx, &transport.Message{ChatID: p.chatID, Payload: p.payload})
		if err != nil {
			w.fail(ctx, p.item, err)
			return
		}
		w.succeed(ctx, p, res.MessageID)
		return
	}

	msgs := make([]*transport.Message, 0, len(ready))
	for _, p := range ready {
		msgs = append(msgs, &transport.Message{ChatID: p.chatID, Payload: p.payload})
	}
	res, err := ready[0].svc.SendForward(ctx, ready[0].chatID, msgs)
	if err != nil {
		for _, p := range ready {
			w.fail(ctx, p.item, err)
		}
		return
	}
	for _, p := range ready {
		w.succeed(ctx, p, res.MessageID)
	}
}

// succeed finalizes the item, records the delivery and bumps chat counters
// in one transaction, then emits the success events.
func (w *Worker) succeed(ctx context.Context, p *prepared, messageID string) {
	now := w.now()
	if err := w.queue.MarkSuccess(ctx, p.item.ID, messageID, now); err != nil {
		slog.Error("queue success mark failed", "item_id", p.item.ID, "error", err)
		return
	}
	rec := &store.PushedRecord{
		ContentID:  p.item.ContentID,
		TargetID:   p.target.ID,
		MessageID:  messageID,
		PushStatus: "success",
		PushedAt:   now,
	}
	if err := w.pushed.Record(ctx, rec, p.chat.ID); err != nil {
		slog.Error("pushed record failed", "item_id", p.item.ID, "error", err)
	}

	w.bus.Publish(ctx, bus.EventPushSuccess, map[string]any{
		"item_id": p.item.ID, "content_id": p.item.ContentID,
		"bot_chat_id": p.item.BotChatID, "message_id": messageID,
	})
	w.bus.Publish(ctx, bus.EventContentPushed, map[string]any{
		"content_id": p.item.ContentID, "bot_chat_id": p.item.BotChatID,
	})
	slog.Info("content pushed", "item_id", p.item.ID, "content_id", p.item.ContentID,
		"chat_id", p.chatID, "message_id", messageID)
}

// fail applies the retry policy: transient errors reschedule with
// exponential backoff until the attempt budget runs out, everything else
// fails terminally.
func (w *Worker) fail(ctx context.Context, it *store.ContentQueueItem, cause error) {
	kind := apperr.KindOf(cause)
	attempt := it.AttemptCount + 1
	maxAttempts := it.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	retryable := apperr.Retryable(cause) && attempt < maxAttempts
	if retryable {
		next := w.now().Add(taskqueue.Backoff(it.AttemptCount))
		if err := w.queue.MarkRetry(ctx, it.ID, kind.String(), cause.Error(), next); err != nil {
			slog.Error("queue retry mark failed", "item_id", it.ID, "error", err)
		}
	} else {
		if err := w.queue.MarkFailed(ctx, it.ID, kind.String(), cause.Error(), w.now()); err != nil {
			slog.Error("queue failure mark failed", "item_id", it.ID, "error", err)
		}
	}

	w.bus.Publish(ctx, bus.EventPushFailed, map[string]any{
		"item_id": it.ID, "content_id": it.ContentID, "attempt": attempt,
		"error": cause.Error(), "will_retry": retryable,
	})
	slog.Warn("push failed", "item_id", it.ID, "content_id", it.ContentID,
		"attempt", attempt, "kind", kind.String(), "will_retry", retryable, "error", cause)
}

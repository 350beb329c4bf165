// Package bus is the realtime event fabric: in-process fan-out for local
// subscribers plus a durable outbox row per publish, so events survive the
// process and reach subscribers attached to other processes.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// Event types emitted by the core.
const (
	EventContentCreated    = "content_created"
	EventContentUpdated    = "content_updated"
	EventContentDeleted    = "content_deleted"
	EventContentReParsed   = "content_re_parsed"
	EventQueueUpdated      = "queue_updated"
	EventQueueReordered    = "queue_item_reordered"
	EventContentPushed     = "content_pushed"
	EventPushSuccess       = "distribution_push_success"
	EventPushFailed        = "distribution_push_failed"
	EventBotStatusChanged  = "bot_status_changed"
	EventBotSyncProgress   = "bot_sync_progress"
	EventBotSyncCompleted  = "bot_sync_completed"
	EventSubscriberDropped = "events_dropped"
)

// Event is what subscribers receive.
type Event struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

const subscriberBuffer = 64

type subscriber struct {
	mu      sync.Mutex
	ch      chan Event
	dropped int64
}

// Bus fans events out to local subscribers and mirrors every publish into
// the realtime_events outbox. A background poller picks up rows written by
// other processes (identified by origin) and feeds them to local
// subscribers too, so each subscriber sees every event exactly once.
type Bus struct {
	events store.EventStore
	origin string
	poll   time.Duration

	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
	cursor int64
}

// New creates a bus. origin must be unique per process.
func New(events store.EventStore, origin string) *Bus {
	return &Bus{
		events: events,
		origin: origin,
		poll:   time.Second,
		subs:   make(map[int64]*subscriber),
	}
}

// SetPollInterval overrides the outbox poll interval (tests use a short one).
func (b *Bus) SetPollInterval(d time.Duration) {
	if d > 0 && d <= time.Second {
		b.poll = d
	}
}

// Publish appends the event to the outbox and fans it out locally. The
// local fan-out happens even if the outbox write fails, so in-process
// subscribers never miss a mutation they caused.
func (b *Bus) Publish(ctx context.Context, typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("event payload marshal failed", "type", typ, "error", err)
		raw = []byte("{}")
	}
	ev := Event{Type: typ, Payload: raw, CreatedAt: time.Now().UTC()}
	if b.events != nil {
		id, err := b.events.Append(ctx, typ, string(raw), b.origin)
		if err != nil {
			slog.Error("event outbox append failed", "type", typ, "error", err)
		} else {
			ev.ID = id
			// Rows we wrote ourselves are skipped by the poller; advance
			// the cursor so a quiet outbox doesn't re-deliver them.
			b.mu.Lock()
			if id > b.cursor {
				b.cursor = id
			}
			b.mu.Unlock()
		}
	}
	b.fanOut(ev)
}

func (b *Bus) fanOut(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.deliver(ev)
	}
}

// deliver never blocks: on a full buffer the oldest event is dropped and
// counted, and the count surfaces as a synthetic events_dropped event.
// Serialized per subscriber; fanOut holds only the bus read lock, so
// concurrent publishers reach the same subscriber at once.
func (s *subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		notice := Event{
			Type:      EventSubscriberDropped,
			Payload:   json.RawMessage(`{"dropped_n":` + itoa(s.dropped) + `}`),
			CreatedAt: time.Now().UTC(),
		}
		select {
		case s.ch <- notice:
			s.dropped = 0
		default:
		}
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
			select {
			case <-s.ch:
				s.dropped++
			default:
			}
		}
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Subscribe registers a local subscriber. The returned cancel drops the
// subscription without blocking publishers.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// SubscriberCount reports how many local subscribers are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Run polls the outbox for events written by other processes until ctx is
// canceled. Call in its own goroutine.
func (b *Bus) Run(ctx context.Context) error {
	if b.events == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if latest, err := b.events.LatestID(ctx); err == nil {
		b.mu.Lock()
		if latest > b.cursor {
			b.cursor = latest
		}
		b.mu.Unlock()
	}

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.pollOnce(ctx)
		}
	}
}

func (b *Bus) pollOnce(ctx context.Context) {
	b.mu.RLock()
	cursor := b.cursor
	b.mu.RUnlock()

	rows, err := b.events.ListAfter(ctx, cursor, 500)
	if err != nil {
		slog.Warn("outbox poll failed", "error", err)
		return
	}
	for _, row := range rows {
		if row.ID > cursor {
			cursor = row.ID
		}
		if row.Origin == b.origin {
			continue
		}
		b.fanOut(Event{
			ID:        row.ID,
			Type:      row.Type,
			Payload:   json.RawMessage(row.PayloadJSON),
			CreatedAt: row.CreatedAt,
		})
	}
	b.mu.Lock()
	if cursor > b.cursor {
		b.cursor = cursor
	}
	b.mu.Unlock()
}

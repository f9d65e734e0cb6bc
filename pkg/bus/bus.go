// Package bus implements the in-process event bus: filtered
// subscriptions with callback or bounded-stream delivery, and a ring
// buffer of recent events for history queries.
//
// The bus never blocks publishers. Callback subscribers run inline during
// Emit (a slow callback slows its own publisher only); stream subscribers
// receive copies through bounded channels whose overflow policy defaults
// to drop-oldest.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ambientos/ambient/pkg/event"
)

// DefaultHistorySize is the capacity of the emit-history ring buffer.
const DefaultHistorySize = 1000

// Filter selects events for a subscription. Populated fields must all
// match; unset fields are wildcards. Type matching is exact — wildcard
// forms (`*`, `prefix.*`) are an instruction-matcher feature, not a bus
// feature.
type Filter struct {
	Types      []string
	Sources    []string
	UserIDs    []string
	Categories []event.Category
}

// Matches reports whether e passes every populated filter field.
func (f Filter) Matches(e *event.Event) bool {
	if len(f.Types) > 0 && !containsString(f.Types, e.Type) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, e.Source) {
		return false
	}
	if len(f.UserIDs) > 0 && !containsString(f.UserIDs, e.UserID) {
		return false
	}
	if len(f.Categories) > 0 {
		found := false
		for _, c := range f.Categories {
			if c == e.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MatchesType reports whether an event of the given type could pass the
// filter, ignoring the other fields. Used by HasSubscribers.
func (f Filter) MatchesType(eventType string) bool {
	return len(f.Types) == 0 || containsString(f.Types, eventType)
}

// Callback handles an event delivered synchronously during Emit.
type Callback func(*event.Event)

type subscription struct {
	id       string
	filter   Filter
	callback Callback
	stream   *Stream
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Emitted       int64            `json:"emitted"`
	EmittedByType map[string]int64 `json:"emitted_by_type"`
	Dropped       int64            `json:"dropped"`
	Subscriptions int              `json:"subscriptions"`
}

// Bus is safe for use from any goroutine. A single coarse mutex guards
// history append and subscription-table mutation; notification iterates a
// snapshot of the subscription list so long-running callbacks never block
// registration.
type Bus struct {
	mu            sync.Mutex
	subs          []*subscription
	sink          Callback
	history       []*event.Event
	historyStart  int
	historyCount  int
	emitted       int64
	emittedByType map[string]int64
	dropped       int64

	logger *slog.Logger
}

// New creates a bus with the given history capacity (DefaultHistorySize
// when size <= 0).
func New(historySize int) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		history:       make([]*event.Event, historySize),
		emittedByType: make(map[string]int64),
		logger:        slog.Default().With("component", "bus"),
	}
}

// Emit publishes an event to all matching subscribers and appends it to
// the history ring. An id and timestamp are assigned when absent. Returns
// the event id once the event is enqueued; callback subscribers have run
// by then, stream subscribers may still be draining their channels.
func (b *Bus) Emit(e *event.Event) string {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.appendHistory(e)
	b.emitted++
	b.emittedByType[e.Type]++
	sink := b.sink
	snapshot := make([]*subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	if sink != nil {
		sink(e)
	}

	for _, sub := range snapshot {
		if !sub.filter.Matches(e) {
			continue
		}
		if sub.callback != nil {
			b.invoke(sub, e)
		}
		if sub.stream != nil {
			if !sub.stream.offer(e.Clone()) {
				b.mu.Lock()
				b.dropped++
				b.mu.Unlock()
				b.logger.Warn("Stream full, event dropped",
					"subscription_id", sub.id,
					"event_type", e.Type,
					"event_id", e.ID)
			}
		}
	}
	return e.ID
}

// invoke runs a callback, containing panics so one misbehaving subscriber
// cannot abort delivery to the rest.
func (b *Bus) invoke(sub *subscription, e *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber callback panicked",
				"subscription_id", sub.id,
				"event_type", e.Type,
				"panic", r)
		}
	}()
	sub.callback(e)
}

// Subscribe registers a callback subscription and returns its id.
func (b *Bus) Subscribe(filter Filter, cb Callback) string {
	id := uuid.New().String()
	b.mu.Lock()
	b.subs = append(b.subs, &subscription{id: id, filter: filter, callback: cb})
	b.mu.Unlock()
	return id
}

// SubscribeStream registers a stream subscription. The returned Stream
// yields matching events in emit order until Unsubscribe is called.
func (b *Bus) SubscribeStream(filter Filter, opts StreamOptions) *Stream {
	id := uuid.New().String()
	stream := newStream(id, opts)
	b.mu.Lock()
	b.subs = append(b.subs, &subscription{id: id, filter: filter, stream: stream})
	b.mu.Unlock()
	return stream
}

// Unsubscribe removes a subscription. Idempotent; closes the stream for
// stream subscriptions.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub.id == subID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			if sub.stream != nil {
				sub.stream.close()
			}
			break
		}
	}
	b.mu.Unlock()
}

// SetSink installs the processing sink: a callback that receives every
// emitted event regardless of filters. The sink is not a subscription —
// it does not count toward HasSubscribers, so orphan detection still
// reflects real consumers. Pass nil to remove.
func (b *Bus) SetSink(cb Callback) {
	b.mu.Lock()
	b.sink = cb
	b.mu.Unlock()
}

// HasSubscribers reports whether at least one subscription filter could
// match the given event type. The processor uses this for orphan
// detection before routing.
func (b *Bus) HasSubscribers(eventType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.filter.MatchesType(eventType) {
			return true
		}
	}
	return false
}

// History returns up to limit of the most recent events matching the
// filter, oldest first. A zero limit means no cap.
func (b *Bus) History(filter Filter, limit int) []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []*event.Event
	for i := 0; i < b.historyCount; i++ {
		e := b.history[(b.historyStart+i)%len(b.history)]
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	byType := make(map[string]int64, len(b.emittedByType))
	for k, v := range b.emittedByType {
		byType[k] = v
	}
	return Stats{
		Emitted:       b.emitted,
		EmittedByType: byType,
		Dropped:       b.dropped,
		Subscriptions: len(b.subs),
	}
}

// appendHistory adds e to the ring, overwriting the oldest entry when
// full. Caller holds b.mu.
func (b *Bus) appendHistory(e *event.Event) {
	if b.historyCount < len(b.history) {
		b.history[(b.historyStart+b.historyCount)%len(b.history)] = e
		b.historyCount++
		return
	}
	b.history[b.historyStart] = e
	b.historyStart = (b.historyStart + 1) % len(b.history)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

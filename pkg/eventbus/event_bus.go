// Package eventbus provides the bounded in-process publish/subscribe channel for choreography events.
package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/eapache/queue"
	"github.com/google/uuid"
)

// Callback receives events for one subscription. Calls for the same
// subscription never overlap and arrive in publish order.
type Callback func(ctx context.Context, event events.ChoreographyEvent)

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(ctx context.Context, event events.ChoreographyEvent)
}

// Bus keeps the last N events in a ring buffer and fans every published event
// out to subscriber mailboxes. Publishing never waits for a subscriber.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	history  *queue.Queue
	capacity int
	subs     map[string]*Subscription
	order    []string
	sink     *Sink
	closed   bool

	wg sync.WaitGroup
}

type Option func(*Bus)

// WithSink forwards every published event to an external watermill publisher.
func WithSink(sink *Sink) Option {
	return func(b *Bus) {
		b.sink = sink
	}
}

func New(logger *slog.Logger, capacity int, opts ...Option) *Bus {
	if capacity < 1 {
		capacity = 1
	}

	b := &Bus{
		logger:   logger.With("module", "eventbus"),
		history:  queue.New(),
		capacity: capacity,
		subs:     make(map[string]*Subscription),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish appends the event to the history, evicting the oldest entry when the
// buffer is full, and queues it for every matching subscription.
func (b *Bus) Publish(ctx context.Context, event events.ChoreographyEvent) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return
	}

	b.history.Add(event)
	for b.history.Length() > b.capacity {
		b.history.Remove()
	}

	targets := make([]*Subscription, 0, len(b.order))

	for _, id := range b.order {
		sub := b.subs[id]
		if sub.Filter.Matches(event) {
			targets = append(targets, sub)
		}
	}

	capacity := b.capacity
	sink := b.sink
	b.mu.Unlock()

	for _, sub := range targets {
		dropped := sub.enqueue(event, capacity)
		if dropped > 0 {
			b.logger.WarnContext(ctx, "subscriber mailbox full, dropping oldest events",
				"subscription_id", sub.ID,
				"dropped", dropped,
			)
		}
	}

	if sink != nil {
		sink.Forward(ctx, event)
	}
}

// Subscribe registers a callback for events that match filter and returns the subscription id.
func (b *Bus) Subscribe(filter events.Filter, callback Callback) string {
	sub := newSubscription(uuid.NewString(), filter, callback)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return sub.ID
	}

	b.subs[sub.ID] = sub
	b.order = append(b.order, sub.ID)

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()
		sub.run(b.logger)
	}()

	return sub.ID
}

// Unsubscribe removes the subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()

	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)

		for i, sid := range b.order {
			if sid == id {
				b.order = append(b.order[:i], b.order[i+1:]...)

				break
			}
		}
	}

	b.mu.Unlock()

	if ok {
		sub.stop()
	}
}

// Pause stops delivery to the subscription. Events that match keep queuing
// and are delivered after Resume.
func (b *Bus) Pause(id string) error {
	sub, err := b.subscription("pause", id)
	if err != nil {
		return err
	}

	sub.setPaused(true)

	return nil
}

func (b *Bus) Resume(id string) error {
	sub, err := b.subscription("resume", id)
	if err != nil {
		return err
	}

	sub.setPaused(false)

	return nil
}

// Subscriptions returns a snapshot of the active subscriptions in creation order.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(b.order))
	for _, id := range b.order {
		infos = append(infos, b.subs[id].info())
	}

	return infos
}

// History returns the most recent events matching filter, newest last.
// A limit of zero or less returns every retained match.
func (b *Bus) History(filter events.Filter, limit int) []events.ChoreographyEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matches []events.ChoreographyEvent

	for i := b.history.Length() - 1; i >= 0; i-- {
		event, _ := b.history.Get(i).(events.ChoreographyEvent)
		if !filter.Matches(event) {
			continue
		}

		matches = append(matches, event)
		if limit > 0 && len(matches) == limit {
			break
		}
	}

	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}

	return matches
}

// Capacity returns the ring buffer size.
func (b *Bus) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.capacity
}

// Resize changes the ring buffer size, evicting the oldest events if it shrinks.
func (b *Bus) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.capacity = capacity
	for b.history.Length() > b.capacity {
		b.history.Remove()
	}
}

// Close stops every delivery goroutine and waits for in-progress callbacks.
// Publishing after Close is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))

	for _, id := range b.order {
		subs = append(subs, b.subs[id])
	}

	b.subs = make(map[string]*Subscription)
	b.order = nil
	sink := b.sink
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	b.wg.Wait()

	if sink != nil {
		return sink.Close()
	}

	return nil
}

func (b *Bus) subscription(op, id string) (*Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subs[id]
	if !ok {
		return nil, choreoerr.Newf(op, id, choreoerr.ErrNotFound, "subscription not found")
	}

	return sub, nil
}

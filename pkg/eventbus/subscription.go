package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/eapache/queue"
)

// Subscription is one registered listener with its own mailbox.
type Subscription struct {
	ID     string
	Filter events.Filter

	callback Callback

	mu      sync.Mutex
	mailbox *queue.Queue
	paused  bool
	stopped bool
	wake    chan struct{}
}

// SubscriptionInfo is a read-only view of a subscription.
type SubscriptionInfo struct {
	ID      string        `json:"id"`
	Filter  events.Filter `json:"filter"`
	Paused  bool          `json:"paused"`
	Pending int           `json:"pending"`
}

func newSubscription(id string, filter events.Filter, callback Callback) *Subscription {
	return &Subscription{
		ID:       id,
		Filter:   filter,
		callback: callback,
		mailbox:  queue.New(),
		wake:     make(chan struct{}, 1),
	}
}

// enqueue adds an event and returns how many old events were dropped to stay within limit.
func (s *Subscription) enqueue(event events.ChoreographyEvent, limit int) int {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()

		return 0
	}

	s.mailbox.Add(event)

	dropped := 0
	for s.mailbox.Length() > limit {
		s.mailbox.Remove()
		dropped++
	}

	s.mu.Unlock()
	s.signal()

	return dropped
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) setPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()

	if !paused {
		s.signal()
	}
}

func (s *Subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.signal()
}

func (s *Subscription) info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SubscriptionInfo{
		ID:      s.ID,
		Filter:  s.Filter,
		Paused:  s.paused,
		Pending: s.mailbox.Length(),
	}
}

// next pops the oldest queued event unless the subscription is paused or stopped.
func (s *Subscription) next() (events.ChoreographyEvent, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return events.ChoreographyEvent{}, false, true
	}

	if s.paused || s.mailbox.Length() == 0 {
		return events.ChoreographyEvent{}, false, false
	}

	event, _ := s.mailbox.Remove().(events.ChoreographyEvent)

	return event, true, false
}

func (s *Subscription) run(logger *slog.Logger) {
	for range s.wake {
		for {
			event, ok, stopped := s.next()
			if stopped {
				return
			}

			if !ok {
				break
			}

			s.deliver(logger, event)
		}
	}
}

func (s *Subscription) deliver(logger *slog.Logger, event events.ChoreographyEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber callback panicked",
				"subscription_id", s.ID,
				"event_type", event.Type,
				"panic", r,
			)
		}
	}()

	s.callback(context.Background(), event)
}

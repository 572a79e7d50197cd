package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
)

// DefaultSinkBuffer is the number of events a sink queues before dropping.
const DefaultSinkBuffer = 1024

// Sink exports events to a watermill publisher (Kafka, gochannel) from a
// background goroutine. Export failures are logged and never reach publishers.
type Sink struct {
	logger    *slog.Logger
	publisher message.Publisher
	topic     string

	queue    chan events.ChoreographyEvent
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
}

func NewSink(logger *slog.Logger, pub message.Publisher, topic string) *Sink {
	if topic == "" {
		topic = events.Topic
	}

	s := &Sink{
		logger:    logger.With("module", "eventbus_sink"),
		publisher: pub,
		topic:     topic,
		queue:     make(chan events.ChoreographyEvent, DefaultSinkBuffer),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}

	go s.run()

	return s
}

// Forward queues the event for export, dropping it if the export queue is full.
func (s *Sink) Forward(ctx context.Context, event events.ChoreographyEvent) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- event:
	default:
		s.logger.WarnContext(ctx, "export queue full, dropping event",
			"event_id", event.ID,
			"event_type", event.Type,
		)
	}
}

func (s *Sink) run() {
	defer close(s.finished)

	for {
		select {
		case event := <-s.queue:
			s.export(event)
		case <-s.done:
			for {
				select {
				case event := <-s.queue:
					s.export(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) export(event events.ChoreographyEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal event", "event_id", event.ID, "error", err)

		return
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.Type))
	msg.Metadata.Set(events.CorrelationMetadataKey, event.CorrelationID)

	err = s.publisher.Publish(s.topic, msg)
	if err != nil {
		s.logger.Error("failed to export event",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}
}

// Close flushes queued events and closes the underlying publisher.
func (s *Sink) Close() error {
	var err error

	s.once.Do(func() {
		close(s.done)
		<-s.finished
		err = s.publisher.Close()
	})

	return err
}

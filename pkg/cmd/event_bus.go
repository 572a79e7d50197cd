// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/channels/gochannel"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/channels/kafka"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/eventbus"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
)

// NewEventSink builds the export sink for provider: "kafka", "gochannel" or
// "none". "none" and the empty string return a nil sink.
func NewEventSink(provider, brokers, topic string, logger *slog.Logger) (*eventbus.Sink, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	if topic == "" {
		topic = events.Topic
	}

	switch provider {
	case "", "none":
		return nil, nil //nolint:nilnil // export disabled
	case "kafka":
		pub, err := kafka.CreatePublisher(wmLogger, kafka.ParseBrokers(brokers))
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
		}

		return eventbus.NewSink(logger, pub, topic), nil
	case "gochannel":
		return eventbus.NewSink(logger, gochannel.CreateChannel(wmLogger, eventbus.DefaultSinkBuffer), topic), nil
	default:
		return nil, fmt.Errorf("unsupported event sink provider: %s", provider)
	}
}

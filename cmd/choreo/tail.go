package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/channels/kafka"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Print events exported to Kafka",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "event-topic",
				Usage:   "Topic events are exported on",
				Value:   events.Topic,
				Sources: cli.EnvVars("EVENT_TOPIC"),
			},
			&cli.StringFlag{
				Name:    "group",
				Usage:   "Consumer group suffix",
				Value:   "choreo-tail",
				Sources: cli.EnvVars("CONSUMER_GROUP"),
			},
			&cli.StringFlag{
				Name:  "types",
				Usage: "Comma separated event types to print",
			},
			&cli.StringFlag{
				Name:  "execution",
				Usage: "Only print events of this execution",
			},
		},
		Action: tail,
	}
}

func tail(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("choreo-tail")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub, err := kafka.CreateSubscriber(watermill.NewSlogLogger(logger), kafka.ParseBrokers(command.String("kafka-brokers")), command.String("group"))
	if err != nil {
		return err
	}

	defer func() {
		_ = sub.Close()
	}()

	filter := events.Filter{CorrelationID: command.String("execution")}

	if raw := command.String("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, events.EventType(strings.TrimSpace(t)))
		}
	}

	messages, err := sub.Subscribe(ctx, command.String("event-topic"))
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	out := json.NewEncoder(os.Stdout)

	for msg := range messages {
		var event events.ChoreographyEvent

		err := json.Unmarshal(msg.Payload, &event)
		if err != nil {
			logger.WarnContext(ctx, "skipping undecodable message", "message_uuid", msg.UUID, "error", err)
			msg.Ack()

			continue
		}

		if filter.Matches(event) {
			_ = out.Encode(event)
		}

		msg.Ack()
	}

	return nil
}

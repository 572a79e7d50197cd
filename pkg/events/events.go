// Package events defines event types and structures for choreography lifecycle notifications.
package events

import (
	"slices"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

type EventType string

// Topic is the watermill topic events are exported on.
const Topic = "choreo.events"

const EventTypeMetadataKey = "event_type"
const CorrelationMetadataKey = "correlation_id"

const (
	// Agent lifecycle events.
	AgentRegisteredEvent   EventType = "agent.registered"
	AgentDeregisteredEvent EventType = "agent.deregistered"
	AgentHealthEvent       EventType = "agent.health"

	// Workflow lifecycle events.
	WorkflowDefinedEvent   EventType = "workflow.defined"
	WorkflowStartedEvent   EventType = "workflow.started"
	WorkflowCompletedEvent EventType = "workflow.completed"
	WorkflowFailedEvent    EventType = "workflow.failed"

	// Step execution events.
	StepDispatchedEvent     EventType = "step.dispatched"
	StepSucceededEvent      EventType = "step.succeeded"
	StepFailedEvent         EventType = "step.failed"
	StepRetryScheduledEvent EventType = "step.retry_scheduled"
	StepSkippedEvent        EventType = "step.skipped"
	StepCompensatedEvent    EventType = "step.compensated"
	StepCallbackEvent       EventType = "step.callback"

	// Execution outcome events.
	ExecutionRolledBackEvent EventType = "execution.rolled_back"
	ExecutionCancelledEvent  EventType = "execution.cancelled"
)

// AllTypes lists every event type the core publishes.
var AllTypes = []EventType{
	AgentRegisteredEvent, AgentDeregisteredEvent, AgentHealthEvent,
	WorkflowDefinedEvent, WorkflowStartedEvent, WorkflowCompletedEvent, WorkflowFailedEvent,
	StepDispatchedEvent, StepSucceededEvent, StepFailedEvent, StepRetryScheduledEvent,
	StepSkippedEvent, StepCompensatedEvent, StepCallbackEvent,
	ExecutionRolledBackEvent, ExecutionCancelledEvent,
}

// ChoreographyEvent is an immutable record of something that happened.
type ChoreographyEvent struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	CorrelationID string         `json:"correlation_id,omitempty"` // execution id when applicable
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

func (e ChoreographyEvent) GetType() EventType {
	return e.Type
}

// New creates an event stamped with a fresh ULID and the current time.
func New(eventType EventType, correlationID string, payload map[string]any) ChoreographyEvent {
	return ChoreographyEvent{
		ID:            watermill.NewULID(),
		Type:          eventType,
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// Filter selects events. Zero values match everything.
type Filter struct {
	Types         []EventType `json:"types,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e ChoreographyEvent) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}

	if f.CorrelationID != "" && f.CorrelationID != e.CorrelationID {
		return false
	}

	return true
}

// OfTypes is a convenience constructor for a type filter.
func OfTypes(types ...EventType) Filter {
	return Filter{Types: types}
}

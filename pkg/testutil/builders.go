// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"context"
	"sync"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/google/uuid"
)

// Recorder is an event publisher that keeps everything it receives.
type Recorder struct {
	mu     sync.Mutex
	events []events.ChoreographyEvent
}

func (r *Recorder) Publish(_ context.Context, event events.ChoreographyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

// Events returns a copy of every recorded event in publish order.
func (r *Recorder) Events() []events.ChoreographyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]events.ChoreographyEvent(nil), r.events...)
}

func (r *Recorder) OfType(eventType events.EventType) []events.ChoreographyEvent {
	var out []events.ChoreographyEvent

	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}

	return out
}

func (r *Recorder) Count(eventType events.EventType) int {
	return len(r.OfType(eventType))
}

func (r *Recorder) Types() []events.EventType {
	recorded := r.Events()

	types := make([]events.EventType, 0, len(recorded))
	for _, e := range recorded {
		types = append(types, e.Type)
	}

	return types
}

// CreateTestAgent creates a test RegisteredAgent offering capabilities at version 1.0.
func CreateTestAgent(id string, capabilities []string, overrides ...func(*models.RegisteredAgent)) *models.RegisteredAgent {
	if id == "" {
		id = uuid.NewString()
	}

	agent := &models.RegisteredAgent{ID: id, Type: "worker"}
	for _, name := range capabilities {
		agent.Capabilities = append(agent.Capabilities, models.Capability{Name: name, Version: "1.0"})
	}

	for _, override := range overrides {
		override(agent)
	}

	return agent
}

// WithInvoker gives the agent an in-process invocation handle.
func WithInvoker(fn models.InvokerFunc) func(*models.RegisteredAgent) {
	return func(a *models.RegisteredAgent) {
		a.Invoker = fn
	}
}

// WithType overrides the agent type.
func WithType(agentType string) func(*models.RegisteredAgent) {
	return func(a *models.RegisteredAgent) {
		a.Type = agentType
	}
}

// WithTags sets the agent tags.
func WithTags(tags map[string]string) func(*models.RegisteredAgent) {
	return func(a *models.RegisteredAgent) {
		a.Tags = tags
	}
}

// CreateTestStep creates a step calling capability after deps.
func CreateTestStep(id, capability string, deps ...string) *models.WorkflowStep {
	return &models.WorkflowStep{ID: id, Capability: capability, DependsOn: deps}
}

// CreateTestWorkflow creates a version 1 workflow named after its id.
func CreateTestWorkflow(id string, steps ...*models.WorkflowStep) *models.Workflow {
	return &models.Workflow{ID: id, Name: id, Version: 1, Steps: steps}
}

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/eventbus"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/registry"
	"github.com/spf13/cast"
)

// Metrics is a point-in-time summary of the orchestrator.
type Metrics struct {
	ExecutionsByStatus     map[models.ExecutionStatus]int `json:"executions_by_status"`
	ActiveExecutions       int                            `json:"active_executions"`
	StepsSucceeded         int64                          `json:"steps_succeeded"`
	StepsFailed            int64                          `json:"steps_failed"`
	StepSuccessRate        float64                        `json:"step_success_rate"`
	MeanStepDuration       time.Duration                  `json:"mean_step_duration"`
	Retries                int64                          `json:"retries"`
	Dispatches             int64                          `json:"dispatches"`
	DispatchesByCapability map[string]int64               `json:"dispatches_by_capability"`
	DispatchesByAgent      map[string]int64               `json:"dispatches_by_agent"`
	AgentsByStatus         map[models.AgentStatus]int     `json:"agents_by_status"`
	InFlightDispatches     int                            `json:"in_flight_dispatches"`
	QueuedDispatches       int                            `json:"queued_dispatches"`
}

// recorder counts step events on their way to the bus. Counting happens
// synchronously in Publish so GetMetrics never lags behind an execution's
// terminal state.
type recorder struct {
	bus *eventbus.Bus

	mu            sync.Mutex
	succeeded     int64
	failed        int64
	retries       int64
	totalDuration time.Duration
	dispatches    int64
	byCapability  map[string]int64
	byAgent       map[string]int64
}

func newRecorder(bus *eventbus.Bus) *recorder {
	return &recorder{
		bus:          bus,
		byCapability: map[string]int64{},
		byAgent:      map[string]int64{},
	}
}

func (r *recorder) Publish(ctx context.Context, event events.ChoreographyEvent) {
	r.observe(event)
	r.bus.Publish(ctx, event)
}

func (r *recorder) observe(event events.ChoreographyEvent) {
	switch event.Type {
	case events.StepDispatchedEvent, events.StepSucceededEvent, events.StepFailedEvent, events.StepRetryScheduledEvent:
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case events.StepDispatchedEvent:
		r.dispatches++
		r.byCapability[cast.ToString(event.Payload["capability"])]++
		r.byAgent[cast.ToString(event.Payload["agent_id"])]++
	case events.StepSucceededEvent:
		r.succeeded++
		r.totalDuration += time.Duration(cast.ToInt64(event.Payload["duration_ns"]))
	case events.StepFailedEvent:
		r.failed++
	case events.StepRetryScheduledEvent:
		r.retries++
	}
}

func (r *recorder) fill(m *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m.StepsSucceeded = r.succeeded
	m.StepsFailed = r.failed
	m.Retries = r.retries
	m.Dispatches = r.dispatches
	m.DispatchesByCapability = make(map[string]int64, len(r.byCapability))
	m.DispatchesByAgent = make(map[string]int64, len(r.byAgent))

	for k, v := range r.byCapability {
		m.DispatchesByCapability[k] = v
	}

	for k, v := range r.byAgent {
		m.DispatchesByAgent[k] = v
	}

	if total := r.succeeded + r.failed; total > 0 {
		m.StepSuccessRate = float64(r.succeeded) / float64(total)
	}

	if r.succeeded > 0 {
		m.MeanStepDuration = r.totalDuration / time.Duration(r.succeeded)
	}
}

func (o *Orchestrator) GetMetrics() Metrics {
	m := Metrics{
		ExecutionsByStatus: o.engine.CountByStatus(),
		AgentsByStatus:     map[models.AgentStatus]int{},
		InFlightDispatches: o.gate.InFlight(),
		QueuedDispatches:   o.gate.Waiting(),
	}

	o.runMu.Lock()
	m.ActiveExecutions = len(o.runs)
	o.runMu.Unlock()

	for _, agent := range o.agents.Query(registry.Filter{}) {
		m.AgentsByStatus[agent.Status]++
	}

	o.recorder.fill(&m)

	return m
}

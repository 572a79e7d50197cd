// Package registry tracks the agents known to the orchestrator, their capabilities and liveness.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/go-playground/validator/v10"
)

// EventPublisher receives agent lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event events.ChoreographyEvent)
}

// Filter selects agents. Every set field must match; the zero Filter matches all agents.
type Filter struct {
	Type       string             `json:"type,omitempty"       query:"type"`
	Status     models.AgentStatus `json:"status,omitempty"     query:"status"`
	Capability string             `json:"capability,omitempty" query:"capability"`
	Tags       map[string]string  `json:"tags,omitempty"       query:"-"`
}

func (f Filter) matches(agent *models.RegisteredAgent) bool {
	if f.Type != "" && agent.Type != f.Type {
		return false
	}

	if f.Status != "" && agent.Status != f.Status {
		return false
	}

	if f.Capability != "" && !agent.HasCapability(f.Capability) {
		return false
	}

	for k, v := range f.Tags {
		if agent.Tags[k] != v {
			return false
		}
	}

	return true
}

type Registry struct {
	logger    *slog.Logger
	publisher EventPublisher
	validate  *validator.Validate
	now       func() time.Time

	mu     sync.RWMutex
	agents map[string]*models.RegisteredAgent
	order  []string
	cursor map[string]int
}

type Option func(*Registry)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(logger *slog.Logger, publisher EventPublisher, opts ...Option) *Registry {
	r := &Registry{
		logger:    logger.With("module", "registry"),
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
		agents:    make(map[string]*models.RegisteredAgent),
		cursor:    make(map[string]int),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds an agent as online. Re-registering an offline agent
// reactivates it with the new capabilities and address.
func (r *Registry) Register(ctx context.Context, agent *models.RegisteredAgent) error {
	if agent == nil {
		return choreoerr.Newf("register", "", choreoerr.ErrInvalidInput, "agent is required")
	}

	err := r.validate.Struct(agent)
	if err != nil {
		return choreoerr.Newf("register", agent.ID, choreoerr.ErrInvalidInput, "%v", err)
	}

	now := r.now().UTC()

	r.mu.Lock()

	existing, exists := r.agents[agent.ID]
	if exists && existing.Status != models.AgentStatusOffline {
		r.mu.Unlock()

		return choreoerr.New("register", agent.ID, choreoerr.ErrDuplicateAgent)
	}

	stored := agent.Clone()
	stored.Status = models.AgentStatusOnline
	stored.LastHealthCheck = now
	stored.RegisteredAt = now

	if exists {
		stored.RegisteredAt = existing.RegisteredAt
	} else {
		r.order = append(r.order, agent.ID)
	}

	r.agents[agent.ID] = stored
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "agent registered",
		"agent_id", agent.ID,
		"capabilities", len(agent.Capabilities),
		"reactivated", exists,
	)

	r.publish(ctx, events.AgentRegisteredEvent, map[string]any{
		"agent_id":     agent.ID,
		"type":         agent.Type,
		"capabilities": capabilityNames(stored),
		"reactivated":  exists,
	})

	return nil
}

// Deregister removes the agent.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()

	if _, ok := r.agents[id]; !ok {
		r.mu.Unlock()

		return choreoerr.New("deregister", id, choreoerr.ErrNotFound)
	}

	delete(r.agents, id)

	for i, aid := range r.order {
		if aid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)

			break
		}
	}

	r.mu.Unlock()

	r.logger.InfoContext(ctx, "agent deregistered", "agent_id", id)
	r.publish(ctx, events.AgentDeregisteredEvent, map[string]any{"agent_id": id})

	return nil
}

// RecordHealth stores a health report. An agent.health event is published
// only when the status changes.
func (r *Registry) RecordHealth(ctx context.Context, id string, report models.HealthReport) error {
	if !report.Status.Valid() {
		return choreoerr.Newf("record health", id, choreoerr.ErrInvalidInput, "unknown status %q", report.Status)
	}

	r.mu.Lock()

	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()

		return choreoerr.New("record health", id, choreoerr.ErrNotFound)
	}

	previous := agent.Status
	agent.Status = report.Status
	agent.LastHealthCheck = r.now().UTC()
	r.mu.Unlock()

	if previous == report.Status {
		return nil
	}

	r.logger.InfoContext(ctx, "agent status changed",
		"agent_id", id,
		"from", previous,
		"to", report.Status,
	)

	payload := map[string]any{
		"agent_id": id,
		"previous": string(previous),
		"status":   string(report.Status),
	}
	if len(report.Diagnostics) > 0 {
		payload["diagnostics"] = report.Diagnostics
	}

	r.publish(ctx, events.AgentHealthEvent, payload)

	return nil
}

// MarkStale marks offline every live agent whose last health report is older
// than window and returns their ids. Agents are never removed here.
func (r *Registry) MarkStale(ctx context.Context, window time.Duration) []string {
	if window <= 0 {
		return nil
	}

	cutoff := r.now().UTC().Add(-window)

	var stale []string

	r.mu.Lock()

	for _, id := range r.order {
		agent := r.agents[id]
		if agent.Status != models.AgentStatusOffline && agent.LastHealthCheck.Before(cutoff) {
			stale = append(stale, id)
		}
	}

	r.mu.Unlock()

	for _, id := range stale {
		r.mu.Lock()

		agent, ok := r.agents[id]
		if !ok || agent.Status == models.AgentStatusOffline {
			r.mu.Unlock()

			continue
		}

		previous := agent.Status
		agent.Status = models.AgentStatusOffline
		r.mu.Unlock()

		r.logger.WarnContext(ctx, "agent marked offline after missing health reports",
			"agent_id", id,
			"window", window.String(),
		)

		r.publish(ctx, events.AgentHealthEvent, map[string]any{
			"agent_id": id,
			"previous": string(previous),
			"status":   string(models.AgentStatusOffline),
			"reason":   "stale",
		})
	}

	return stale
}

// Get returns a copy of the agent.
func (r *Registry) Get(id string) (*models.RegisteredAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, choreoerr.New("get agent", id, choreoerr.ErrNotFound)
	}

	return agent.Clone(), nil
}

// Query returns copies of matching agents in registration order.
func (r *Registry) Query(filter Filter) []*models.RegisteredAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.RegisteredAgent, 0, len(r.order))

	for _, id := range r.order {
		agent := r.agents[id]
		if filter.matches(agent) {
			result = append(result, agent.Clone())
		}
	}

	return result
}

func (r *Registry) FindByCapability(name string) []*models.RegisteredAgent {
	return r.Query(Filter{Capability: name})
}

// SelectAgent picks an online agent offering capability, rotating between
// candidates on successive calls.
func (r *Registry) SelectAgent(capability string) (*models.RegisteredAgent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*models.RegisteredAgent

	for _, id := range r.order {
		agent := r.agents[id]
		if agent.Status == models.AgentStatusOnline && agent.HasCapability(capability) {
			candidates = append(candidates, agent)
		}
	}

	if len(candidates) == 0 {
		return nil, choreoerr.Newf("select agent", capability, choreoerr.ErrNoAgentAvailable,
			"no online agent offers capability %q", capability)
	}

	idx := r.cursor[capability] % len(candidates)
	r.cursor[capability] = idx + 1

	return candidates[idx].Clone(), nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.agents)
}

func (r *Registry) publish(ctx context.Context, eventType events.EventType, payload map[string]any) {
	if r.publisher == nil {
		return
	}

	r.publisher.Publish(ctx, events.New(eventType, "", payload))
}

func capabilityNames(agent *models.RegisteredAgent) []string {
	names := make([]string, 0, len(agent.Capabilities))
	for _, c := range agent.Capabilities {
		if c.Version == "" {
			names = append(names, c.Name)

			continue
		}

		names = append(names, fmt.Sprintf("%s@%s", c.Name, c.Version))
	}

	return names
}

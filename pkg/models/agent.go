package models

import (
	"context"
	"slices"
	"time"
)

// AgentStatus represents the liveness of a registered agent.
type AgentStatus string

const (
	AgentStatusOnline   AgentStatus = "online"
	AgentStatusDegraded AgentStatus = "degraded"
	AgentStatusOffline  AgentStatus = "offline"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	return s == AgentStatusOnline || s == AgentStatusDegraded || s == AgentStatusOffline
}

// Capability is a named, versioned unit of functionality an agent can perform.
type Capability struct {
	Name        string         `json:"name"                   validate:"required"`
	Version     string         `json:"version,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"` // JSON schema the step input must satisfy
}

// RegisteredAgent is an agent known to the registry.
type RegisteredAgent struct {
	ID              string            `json:"id"                validate:"required"`
	Type            string            `json:"type,omitempty"`
	Capabilities    []Capability      `json:"capabilities"      validate:"required,min=1,dive"`
	Address         string            `json:"address,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
	Status          AgentStatus       `json:"status"`
	LastHealthCheck time.Time         `json:"last_health_check"`
	RegisteredAt    time.Time         `json:"registered_at"`

	// Invoker and Prober are in-process handles. When nil the orchestrator
	// falls back to its configured transport.
	Invoker Invoker `json:"-"`
	Prober  Prober  `json:"-"`
}

// Capability returns the declared capability with the given name.
func (a *RegisteredAgent) Capability(name string) (Capability, bool) {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return c, true
		}
	}

	return Capability{}, false
}

// HasCapability reports whether the agent declares name.
func (a *RegisteredAgent) HasCapability(name string) bool {
	_, ok := a.Capability(name)

	return ok
}

// Clone returns a copy safe to hand out of the registry.
func (a *RegisteredAgent) Clone() *RegisteredAgent {
	if a == nil {
		return nil
	}

	cp := *a
	cp.Capabilities = slices.Clone(a.Capabilities)

	if a.Tags != nil {
		cp.Tags = make(map[string]string, len(a.Tags))
		for k, v := range a.Tags {
			cp.Tags[k] = v
		}
	}

	return &cp
}

// HealthReport is the answer of a health probe.
type HealthReport struct {
	Status      AgentStatus    `json:"status"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Invoker is the agent invocation boundary. Implementations must tolerate
// repeated calls with the same input, since steps are dispatched at least once.
type Invoker interface {
	Invoke(ctx context.Context, agent *RegisteredAgent, capability string, input map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, agent *RegisteredAgent, capability string, input map[string]any) (map[string]any, error)

func (f InvokerFunc) Invoke(ctx context.Context, agent *RegisteredAgent, capability string, input map[string]any) (map[string]any, error) {
	return f(ctx, agent, capability, input)
}

// Prober is the health probe boundary.
type Prober interface {
	Probe(ctx context.Context, agent *RegisteredAgent) (HealthReport, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, agent *RegisteredAgent) (HealthReport, error)

func (f ProberFunc) Probe(ctx context.Context, agent *RegisteredAgent) (HealthReport, error) {
	return f(ctx, agent)
}

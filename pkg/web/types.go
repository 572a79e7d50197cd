// Package web provides the admin HTTP API of the orchestrator.
package web

import (
	"fmt"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/config"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
)

// TriggerRequest is the body of POST /workflows/:id/executions.
type TriggerRequest struct {
	Input map[string]any `json:"input"`
}

// RegisterAgentRequest registers a remote agent reachable over HTTP.
type RegisterAgentRequest struct {
	ID           string              `json:"id"           validate:"required"`
	Type         string              `json:"type"`
	Address      string              `json:"address"      validate:"required,url"`
	Capabilities []models.Capability `json:"capabilities" validate:"required,min=1,dive"`
	Tags         map[string]string   `json:"tags,omitempty"`
}

func (r RegisterAgentRequest) Agent() *models.RegisteredAgent {
	return &models.RegisteredAgent{
		ID:           r.ID,
		Type:         r.Type,
		Address:      r.Address,
		Capabilities: r.Capabilities,
		Tags:         r.Tags,
	}
}

// HealthReportRequest is pushed by an agent to POST /agents/:id/health.
type HealthReportRequest struct {
	Status      models.AgentStatus `json:"status"                validate:"required,oneof=online degraded offline"`
	Diagnostics map[string]any     `json:"diagnostics,omitempty"`
}

// ConfigPatchRequest is a partial configuration update. Durations use Go
// duration syntax, e.g. "30s".
type ConfigPatchRequest struct {
	MaxConcurrentExecutions     *int    `json:"max_concurrent_executions,omitempty"      validate:"omitempty,min=1"`
	MaxConcurrentStepDispatches *int    `json:"max_concurrent_step_dispatches,omitempty" validate:"omitempty,min=1"`
	DefaultStepTimeout          *string `json:"default_step_timeout,omitempty"`
	EventBufferSize             *int    `json:"event_buffer_size,omitempty"              validate:"omitempty,min=1"`
	HealthCheckInterval         *string `json:"health_check_interval,omitempty"`
	HealthTimeout               *string `json:"health_timeout,omitempty"`
	RollbackEnabled             *bool   `json:"rollback_enabled,omitempty"`
}

func (r ConfigPatchRequest) Patch() (config.Patch, error) {
	patch := config.Patch{
		MaxConcurrentExecutions:     r.MaxConcurrentExecutions,
		MaxConcurrentStepDispatches: r.MaxConcurrentStepDispatches,
		EventBufferSize:             r.EventBufferSize,
		RollbackEnabled:             r.RollbackEnabled,
	}

	durations := []struct {
		name string
		raw  *string
		dst  **time.Duration
	}{
		{"default_step_timeout", r.DefaultStepTimeout, &patch.DefaultStepTimeout},
		{"health_check_interval", r.HealthCheckInterval, &patch.HealthCheckInterval},
		{"health_timeout", r.HealthTimeout, &patch.HealthTimeout},
	}

	for _, d := range durations {
		if d.raw == nil {
			continue
		}

		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return config.Patch{}, fmt.Errorf("%s: %w", d.name, err)
		}

		*d.dst = &parsed
	}

	return patch, nil
}

// ConfigResponse renders durations in Go duration syntax.
type ConfigResponse struct {
	MaxConcurrentExecutions     int    `json:"max_concurrent_executions"`
	MaxConcurrentStepDispatches int    `json:"max_concurrent_step_dispatches"`
	DefaultStepTimeout          string `json:"default_step_timeout"`
	EventBufferSize             int    `json:"event_buffer_size"`
	HealthCheckInterval         string `json:"health_check_interval"`
	HealthTimeout               string `json:"health_timeout"`
	RollbackEnabled             bool   `json:"rollback_enabled"`
}

func NewConfigResponse(cfg config.Config) ConfigResponse {
	return ConfigResponse{
		MaxConcurrentExecutions:     cfg.MaxConcurrentExecutions,
		MaxConcurrentStepDispatches: cfg.MaxConcurrentStepDispatches,
		DefaultStepTimeout:          cfg.DefaultStepTimeout.String(),
		EventBufferSize:             cfg.EventBufferSize,
		HealthCheckInterval:         cfg.HealthCheckInterval.String(),
		HealthTimeout:               cfg.HealthTimeout.String(),
		RollbackEnabled:             cfg.RollbackEnabled,
	}
}

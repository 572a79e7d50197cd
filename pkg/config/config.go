// Package config provides the orchestrator tunables and their YAML loading
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxConcurrentExecutions     = 100
	DefaultMaxConcurrentStepDispatches = 50
	DefaultStepTimeout                 = 30 * time.Second
	DefaultEventBufferSize             = 1000
	DefaultHealthCheckInterval         = 30 * time.Second
	DefaultHealthTimeout               = 2 * time.Minute
)

// Config holds every runtime tunable of the orchestrator.
type Config struct {
	MaxConcurrentExecutions     int           `json:"max_concurrent_executions"      yaml:"max_concurrent_executions"      validate:"min=1"`
	MaxConcurrentStepDispatches int           `json:"max_concurrent_step_dispatches" yaml:"max_concurrent_step_dispatches" validate:"min=1"`
	DefaultStepTimeout          time.Duration `json:"default_step_timeout"           yaml:"default_step_timeout"           validate:"gt=0"`
	EventBufferSize             int           `json:"event_buffer_size"              yaml:"event_buffer_size"              validate:"min=1"`
	HealthCheckInterval         time.Duration `json:"health_check_interval"          yaml:"health_check_interval"          validate:"min=0"`
	HealthTimeout               time.Duration `json:"health_timeout"                 yaml:"health_timeout"                 validate:"min=0"`
	RollbackEnabled             bool          `json:"rollback_enabled"               yaml:"rollback_enabled"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		MaxConcurrentExecutions:     DefaultMaxConcurrentExecutions,
		MaxConcurrentStepDispatches: DefaultMaxConcurrentStepDispatches,
		DefaultStepTimeout:          DefaultStepTimeout,
		EventBufferSize:             DefaultEventBufferSize,
		HealthCheckInterval:         DefaultHealthCheckInterval,
		HealthTimeout:               DefaultHealthTimeout,
		RollbackEnabled:             true,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field is in range.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err != nil {
		return fmt.Errorf("%w: %w", choreoerr.ErrInvalidConfig, err)
	}

	return nil
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	MaxConcurrentExecutions     *int           `json:"max_concurrent_executions,omitempty"      yaml:"max_concurrent_executions"`
	MaxConcurrentStepDispatches *int           `json:"max_concurrent_step_dispatches,omitempty" yaml:"max_concurrent_step_dispatches"`
	DefaultStepTimeout          *time.Duration `json:"default_step_timeout,omitempty"           yaml:"default_step_timeout"`
	EventBufferSize             *int           `json:"event_buffer_size,omitempty"              yaml:"event_buffer_size"`
	HealthCheckInterval         *time.Duration `json:"health_check_interval,omitempty"          yaml:"health_check_interval"`
	HealthTimeout               *time.Duration `json:"health_timeout,omitempty"                 yaml:"health_timeout"`
	RollbackEnabled             *bool          `json:"rollback_enabled,omitempty"               yaml:"rollback_enabled"`
}

// Apply returns c with the patch applied and validated. c itself is not modified.
func (c Config) Apply(p Patch) (Config, error) {
	next := c

	if p.MaxConcurrentExecutions != nil {
		next.MaxConcurrentExecutions = *p.MaxConcurrentExecutions
	}

	if p.MaxConcurrentStepDispatches != nil {
		next.MaxConcurrentStepDispatches = *p.MaxConcurrentStepDispatches
	}

	if p.DefaultStepTimeout != nil {
		next.DefaultStepTimeout = *p.DefaultStepTimeout
	}

	if p.EventBufferSize != nil {
		next.EventBufferSize = *p.EventBufferSize
	}

	if p.HealthCheckInterval != nil {
		next.HealthCheckInterval = *p.HealthCheckInterval
	}

	if p.HealthTimeout != nil {
		next.HealthTimeout = *p.HealthTimeout
	}

	if p.RollbackEnabled != nil {
		next.RollbackEnabled = *p.RollbackEnabled
	}

	err := next.Validate()
	if err != nil {
		return c, err
	}

	return next, nil
}

// LoadFile overlays the YAML file at path on top of base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return base, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var patch Patch

	err = yaml.Unmarshal(data, &patch)
	if err != nil {
		return base, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return base.Apply(patch)
}

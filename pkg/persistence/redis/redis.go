// Package redis provides Redis persistence for workflows and execution snapshots.
// Documents are stored as JSON strings and indexed by sorted sets scored by creation time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "choreo"

	workflowsIndex  = "workflows"
	executionsIndex = "executions"
)

// Persistence implements the persistence layer on top of a Redis client.
type Persistence struct {
	client redis.UniversalClient
	logger *slog.Logger
	prefix string
}

// NewPersistence connects to the Redis server at databaseURL (redis:// or rediss://).
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	opts, err := redis.ParseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewWithClient(logger, client, defaultPrefix), nil
}

// NewWithClient wraps an existing client. Every key is namespaced under prefix.
func NewWithClient(logger *slog.Logger, client redis.UniversalClient, prefix string) *Persistence {
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Persistence{client: client, logger: logger.With("module", "redis_persistence"), prefix: prefix}
}

func (p *Persistence) key(parts ...string) string {
	key := p.prefix
	for _, part := range parts {
		key += ":" + part
	}

	return key
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) Workflows(ctx context.Context) ([]*models.Workflow, error) {
	ids, err := p.client.ZRange(ctx, p.key(workflowsIndex), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		workflow, err := p.WorkflowByID(ctx, id)
		if err != nil {
			if persistence.IsWorkflowNotFound(err) {
				continue
			}

			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func (p *Persistence) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.key("workflow", workflow.ID), data, 0)
		pipe.ZAddNX(ctx, p.key(workflowsIndex), redis.Z{
			Score:  float64(workflow.CreatedAt.UnixNano()),
			Member: workflow.ID,
		})

		return nil
	})
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	var workflow models.Workflow

	err := p.get(ctx, p.key("workflow", id), &workflow)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return &workflow, nil
}

func (p *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key("workflow", id))
		pipe.ZRem(ctx, p.key(workflowsIndex), id)

		return nil
	})
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}

func (p *Persistence) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.key("execution", execution.ID), data, 0)
		pipe.ZAddNX(ctx, p.key(executionsIndex), redis.Z{
			Score:  float64(execution.CreatedAt.UnixNano()),
			Member: execution.ID,
		})

		return nil
	})
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution

	err := p.get(ctx, p.key("execution", id), &execution)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return &execution, nil
}

func (p *Persistence) Executions(ctx context.Context, query persistence.ExecutionQuery) ([]*models.WorkflowExecution, error) {
	ids, err := p.client.ZRange(ctx, p.key(executionsIndex), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	executions := make([]*models.WorkflowExecution, 0, len(ids))

	for _, id := range ids {
		execution, err := p.ExecutionByID(ctx, id)
		if err != nil {
			if persistence.IsExecutionNotFound(err) {
				p.logger.WarnContext(ctx, "execution index entry without snapshot", "execution_id", id)

				continue
			}

			return nil, err
		}

		if query.Matches(execution) {
			executions = append(executions, execution)
		}
	}

	return executions, nil
}

func (p *Persistence) DeleteExecution(ctx context.Context, id string) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key("execution", id))
		pipe.ZRem(ctx, p.key(executionsIndex), id)

		return nil
	})
	if err != nil {
		return persistence.NewExecutionError("Delete", id, err)
	}

	return nil
}

func (p *Persistence) get(ctx context.Context, key string, v any) error {
	data, err := p.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

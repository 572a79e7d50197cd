package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/registry"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentProbes = 16

// AgentHealth is the liveness view of one agent.
type AgentHealth struct {
	AgentID         string             `json:"agent_id"`
	Status          models.AgentStatus `json:"status"`
	LastHealthCheck time.Time          `json:"last_health_check"`
}

func (o *Orchestrator) RegisterAgent(ctx context.Context, agent *models.RegisteredAgent) error {
	return o.agents.Register(ctx, agent)
}

func (o *Orchestrator) DeregisterAgent(ctx context.Context, id string) error {
	return o.agents.Deregister(ctx, id)
}

func (o *Orchestrator) GetAgent(id string) (*models.RegisteredAgent, error) {
	return o.agents.Get(id)
}

func (o *Orchestrator) QueryAgents(filter registry.Filter) []*models.RegisteredAgent {
	return o.agents.Query(filter)
}

func (o *Orchestrator) FindByCapability(name string) []*models.RegisteredAgent {
	return o.agents.FindByCapability(name)
}

func (o *Orchestrator) GetAgentHealth(id string) (AgentHealth, error) {
	agent, err := o.agents.Get(id)
	if err != nil {
		return AgentHealth{}, err
	}

	return AgentHealth{AgentID: agent.ID, Status: agent.Status, LastHealthCheck: agent.LastHealthCheck}, nil
}

// RecordHealth stores a health report pushed by the agent itself.
func (o *Orchestrator) RecordHealth(ctx context.Context, id string, report models.HealthReport) error {
	return o.agents.RecordHealth(ctx, id, report)
}

// CheckAllHealth probes every agent that has a prober, concurrently, and
// records each successful report. Failed probes are logged and left to the
// stale sweep. The returned map holds the successful reports by agent id.
func (o *Orchestrator) CheckAllHealth(ctx context.Context) (map[string]models.HealthReport, error) {
	timeout := o.Config().DefaultStepTimeout

	var (
		mu      sync.Mutex
		reports = map[string]models.HealthReport{}
		g       errgroup.Group
	)

	g.SetLimit(maxConcurrentProbes)

	for _, agent := range o.agents.Query(registry.Filter{}) {
		prober := agent.Prober
		if prober == nil {
			prober = o.prober
		}

		if prober == nil {
			continue
		}

		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			report, err := prober.Probe(probeCtx, agent)
			if err != nil {
				o.logger.WarnContext(ctx, "health probe failed", "agent_id", agent.ID, "error", err)

				return nil
			}

			err = o.agents.RecordHealth(ctx, agent.ID, report)
			if err != nil {
				o.logger.WarnContext(ctx, "failed to record health", "agent_id", agent.ID, "error", err)

				return nil
			}

			mu.Lock()
			reports[agent.ID] = report
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return reports, ctx.Err()
}

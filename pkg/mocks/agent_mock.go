package mocks

import (
	"context"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a mock implementation of models.Invoker and models.Prober.
type MockTransport struct {
	mock.Mock
}

var (
	_ models.Invoker = (*MockTransport)(nil)
	_ models.Prober  = (*MockTransport)(nil)
)

func (m *MockTransport) Invoke(ctx context.Context, agent *models.RegisteredAgent, capability string, input map[string]any) (map[string]any, error) {
	args := m.Called(ctx, agent, capability, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *MockTransport) Probe(ctx context.Context, agent *models.RegisteredAgent) (models.HealthReport, error) {
	args := m.Called(ctx, agent)

	return args.Get(0).(models.HealthReport), args.Error(1)
}

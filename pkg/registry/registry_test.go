package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/log"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

func agent(id string, caps ...string) *models.RegisteredAgent {
	return testutil.CreateTestAgent(id, caps)
}

func TestRegistry_RegisterFindDeregister(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &testutil.Recorder{}
	reg := New(log.Discard(), pub)

	require.NoError(t, reg.Register(ctx, agent("agent-1", "chat")))

	found := reg.FindByCapability("chat")
	require.Len(t, found, 1)
	assert.Equal(t, "agent-1", found[0].ID)
	assert.Equal(t, models.AgentStatusOnline, found[0].Status)

	require.NoError(t, reg.Deregister(ctx, "agent-1"))
	assert.Empty(t, reg.FindByCapability("chat"))

	assert.Equal(t, []events.EventType{events.AgentRegisteredEvent, events.AgentDeregisteredEvent}, pub.Types())
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := New(log.Discard(), nil)

	require.NoError(t, reg.Register(ctx, agent("agent-1", "chat")))

	err := reg.Register(ctx, agent("agent-1", "chat"))
	require.ErrorIs(t, err, choreoerr.ErrDuplicateAgent)

	require.NoError(t, reg.RecordHealth(ctx, "agent-1", models.HealthReport{Status: models.AgentStatusDegraded}))
	err = reg.Register(ctx, agent("agent-1", "chat"))
	require.ErrorIs(t, err, choreoerr.ErrDuplicateAgent)
}

func TestRegistry_ReactivateOfflineAgent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := New(log.Discard(), nil)

	require.NoError(t, reg.Register(ctx, agent("agent-1", "chat")))
	require.NoError(t, reg.Register(ctx, agent("agent-2", "chat")))
	require.NoError(t, reg.RecordHealth(ctx, "agent-1", models.HealthReport{Status: models.AgentStatusOffline}))

	require.NoError(t, reg.Register(ctx, agent("agent-1", "summarize")))

	got, err := reg.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, got.Status)
	assert.True(t, got.HasCapability("summarize"))
	assert.False(t, got.HasCapability("chat"))

	all := reg.Query(Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, "agent-1", all[0].ID, "reactivation keeps registration order")
}

func TestRegistry_RegisterValidation(t *testing.T) {
	t.Parallel()

	reg := New(log.Discard(), nil)

	err := reg.Register(context.Background(), &models.RegisteredAgent{ID: "no-caps"})
	require.ErrorIs(t, err, choreoerr.ErrInvalidInput)

	err = reg.Register(context.Background(), nil)
	require.ErrorIs(t, err, choreoerr.ErrInvalidInput)
}

func TestRegistry_UnknownAgent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := New(log.Discard(), nil)

	require.ErrorIs(t, reg.Deregister(ctx, "ghost"), choreoerr.ErrNotFound)
	require.ErrorIs(t, reg.RecordHealth(ctx, "ghost", models.HealthReport{Status: models.AgentStatusOnline}), choreoerr.ErrNotFound)

	_, err := reg.Get("ghost")
	require.ErrorIs(t, err, choreoerr.ErrNotFound)
}

func TestRegistry_RecordHealthPublishesOnChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &testutil.Recorder{}
	reg := New(log.Discard(), pub)

	require.NoError(t, reg.Register(ctx, agent("agent-1", "chat")))
	require.NoError(t, reg.RecordHealth(ctx, "agent-1", models.HealthReport{Status: models.AgentStatusOnline}))
	require.NoError(t, reg.RecordHealth(ctx, "agent-1", models.HealthReport{Status: models.AgentStatusDegraded}))
	require.NoError(t, reg.RecordHealth(ctx, "agent-1", models.HealthReport{Status: models.AgentStatusDegraded}))

	assert.Equal(t, []events.EventType{events.AgentRegisteredEvent, events.AgentHealthEvent}, pub.Types())

	err := reg.RecordHealth(ctx, "agent-1", models.HealthReport{Status: "sleepy"})
	require.ErrorIs(t, err, choreoerr.ErrInvalidInput)
}

func TestRegistry_Query(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := New(log.Discard(), nil)

	a1 := agent("a1", "chat")
	a1.Tags = map[string]string{"region": "eu"}
	a2 := agent("a2", "chat", "translate")
	a2.Type = "llm"
	a2.Tags = map[string]string{"region": "us"}
	a3 := agent("a3", "translate")

	for _, a := range []*models.RegisteredAgent{a1, a2, a3} {
		require.NoError(t, reg.Register(ctx, a))
	}

	require.NoError(t, reg.RecordHealth(ctx, "a3", models.HealthReport{Status: models.AgentStatusDegraded}))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all", filter: Filter{}, want: []string{"a1", "a2", "a3"}},
		{name: "capability", filter: Filter{Capability: "translate"}, want: []string{"a2", "a3"}},
		{name: "type", filter: Filter{Type: "llm"}, want: []string{"a2"}},
		{name: "status", filter: Filter{Status: models.AgentStatusDegraded}, want: []string{"a3"}},
		{name: "tags", filter: Filter{Tags: map[string]string{"region": "eu"}}, want: []string{"a1"}},
		{name: "combined", filter: Filter{Capability: "chat", Tags: map[string]string{"region": "us"}}, want: []string{"a2"}},
		{name: "no match", filter: Filter{Capability: "paint"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ids := []string{}
			for _, a := range reg.Query(tt.filter) {
				ids = append(ids, a.ID)
			}

			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestRegistry_QueryReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := New(log.Discard(), nil)
	require.NoError(t, reg.Register(ctx, agent("a1", "chat")))

	got := reg.Query(Filter{})[0]
	got.Status = models.AgentStatusOffline
	got.Capabilities[0].Name = "mutated"

	fresh, err := reg.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, fresh.Status)
	assert.True(t, fresh.HasCapability("chat"))
}

func TestRegistry_SelectAgentRoundRobin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := New(log.Discard(), nil)

	require.NoError(t, reg.Register(ctx, agent("a1", "chat")))
	require.NoError(t, reg.Register(ctx, agent("a2", "chat")))
	require.NoError(t, reg.Register(ctx, agent("a3", "chat")))
	require.NoError(t, reg.RecordHealth(ctx, "a2", models.HealthReport{Status: models.AgentStatusOffline}))

	var picked []string

	for range 4 {
		a, err := reg.SelectAgent("chat")
		require.NoError(t, err)

		picked = append(picked, a.ID)
	}

	assert.Equal(t, []string{"a1", "a3", "a1", "a3"}, picked)

	_, err := reg.SelectAgent("paint")
	require.ErrorIs(t, err, choreoerr.ErrNoAgentAvailable)
}

func TestRegistry_MarkStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	pub := &testutil.Recorder{}
	reg := New(log.Discard(), pub, WithClock(clock.Now))

	require.NoError(t, reg.Register(ctx, agent("old", "chat")))
	clock.Advance(90 * time.Second)
	require.NoError(t, reg.Register(ctx, agent("fresh", "chat")))
	clock.Advance(45 * time.Second)

	stale := reg.MarkStale(ctx, time.Minute)
	assert.Equal(t, []string{"old"}, stale)

	old, err := reg.Get("old")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, old.Status)
	assert.Equal(t, 2, reg.Len(), "stale agents are not removed")

	assert.Empty(t, reg.MarkStale(ctx, time.Minute))
	assert.Contains(t, pub.Types(), events.AgentHealthEvent)
}

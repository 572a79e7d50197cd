package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/channels/gochannel"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.ChoreographyEvent
}

func (r *recorder) callback(_ context.Context, event events.ChoreographyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []events.ChoreographyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]events.ChoreographyEvent(nil), r.events...)
}

func (r *recorder) count() int {
	return len(r.snapshot())
}

func newTestBus(t *testing.T, capacity int, opts ...Option) *Bus {
	t.Helper()

	bus := New(log.Discard(), capacity, opts...)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestBus_HistoryEvictsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := newTestBus(t, 3)

	for i := range 5 {
		bus.Publish(ctx, events.New(events.StepDispatchedEvent, fmt.Sprintf("exec-%d", i), nil))
	}

	history := bus.History(events.Filter{}, 0)
	require.Len(t, history, 3)
	assert.Equal(t, "exec-2", history[0].CorrelationID)
	assert.Equal(t, "exec-4", history[2].CorrelationID)
}

func TestBus_HistoryFilterAndLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := newTestBus(t, 10)

	bus.Publish(ctx, events.New(events.AgentRegisteredEvent, "", nil))
	bus.Publish(ctx, events.New(events.StepDispatchedEvent, "e1", nil))
	bus.Publish(ctx, events.New(events.StepSucceededEvent, "e1", nil))
	bus.Publish(ctx, events.New(events.StepDispatchedEvent, "e2", nil))

	dispatched := bus.History(events.OfTypes(events.StepDispatchedEvent), 0)
	require.Len(t, dispatched, 2)
	assert.Equal(t, "e1", dispatched[0].CorrelationID)

	latest := bus.History(events.Filter{}, 2)
	require.Len(t, latest, 2)
	assert.Equal(t, events.StepSucceededEvent, latest[0].Type)
	assert.Equal(t, events.StepDispatchedEvent, latest[1].Type)

	byExecution := bus.History(events.Filter{CorrelationID: "e1"}, 0)
	assert.Len(t, byExecution, 2)
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := newTestBus(t, 1000)
	rec := &recorder{}

	bus.Subscribe(events.Filter{}, rec.callback)

	for i := range 200 {
		bus.Publish(ctx, events.New(events.StepDispatchedEvent, fmt.Sprintf("%03d", i), nil))
	}

	require.Eventually(t, func() bool { return rec.count() == 200 }, 2*time.Second, 5*time.Millisecond)

	for i, event := range rec.snapshot() {
		assert.Equal(t, fmt.Sprintf("%03d", i), event.CorrelationID)
	}
}

func TestBus_FilterByType(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := newTestBus(t, 10)
	rec := &recorder{}

	bus.Subscribe(events.OfTypes(events.WorkflowCompletedEvent), rec.callback)

	bus.Publish(ctx, events.New(events.WorkflowStartedEvent, "e1", nil))
	bus.Publish(ctx, events.New(events.WorkflowCompletedEvent, "e1", nil))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, events.WorkflowCompletedEvent, rec.snapshot()[0].Type)
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := newTestBus(t, 10)
	release := make(chan struct{})

	bus.Subscribe(events.Filter{}, func(context.Context, events.ChoreographyEvent) {
		<-release
	})

	done := make(chan struct{})

	go func() {
		for range 100 {
			bus.Publish(ctx, events.New(events.AgentHealthEvent, "", nil))
		}

		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	close(release)
}

func TestBus_PanickingSubscriberIsIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := newTestBus(t, 10)
	rec := &recorder{}

	bus.Subscribe(events.Filter{}, func(context.Context, events.ChoreographyEvent) {
		panic("boom")
	})
	bus.Subscribe(events.Filter{}, rec.callback)

	bus.Publish(ctx, events.New(events.AgentRegisteredEvent, "", nil))
	bus.Publish(ctx, events.New(events.AgentDeregisteredEvent, "", nil))

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBus_PauseResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := newTestBus(t, 10)
	rec := &recorder{}

	id := bus.Subscribe(events.Filter{}, rec.callback)
	require.NoError(t, bus.Pause(id))

	bus.Publish(ctx, events.New(events.WorkflowStartedEvent, "e1", nil))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	infos := bus.Subscriptions()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Paused)
	assert.Equal(t, 1, infos[0].Pending)

	require.NoError(t, bus.Resume(id))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_UnknownSubscription(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, 10)

	err := bus.Pause("missing")
	require.ErrorIs(t, err, choreoerr.ErrNotFound)

	err = bus.Resume("missing")
	require.ErrorIs(t, err, choreoerr.ErrNotFound)

	bus.Unsubscribe("missing")
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := newTestBus(t, 10)
	rec := &recorder{}

	id := bus.Subscribe(events.Filter{}, rec.callback)
	bus.Publish(ctx, events.New(events.WorkflowStartedEvent, "e1", nil))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	bus.Unsubscribe(id)
	bus.Unsubscribe(id)

	bus.Publish(ctx, events.New(events.WorkflowCompletedEvent, "e1", nil))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Empty(t, bus.Subscriptions())
}

func TestBus_Resize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := newTestBus(t, 5)

	for range 5 {
		bus.Publish(ctx, events.New(events.AgentHealthEvent, "", nil))
	}

	bus.Resize(2)
	assert.Equal(t, 2, bus.Capacity())
	assert.Len(t, bus.History(events.Filter{}, 0), 2)
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	bus := New(log.Discard(), 5)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	bus.Publish(context.Background(), events.New(events.AgentHealthEvent, "", nil))
	assert.Empty(t, bus.History(events.Filter{}, 0))
}

func TestBus_SinkExportsEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubSub := gochannel.CreateTestChannel(watermill.NopLogger{})

	messages, err := pubSub.Subscribe(ctx, events.Topic)
	require.NoError(t, err)

	bus := newTestBus(t, 10, WithSink(NewSink(log.Discard(), pubSub, "")))
	event := events.New(events.WorkflowDefinedEvent, "", map[string]any{"workflow_id": "W1"})
	bus.Publish(ctx, event)

	select {
	case msg := <-messages:
		msg.Ack()

		var exported events.ChoreographyEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &exported))
		assert.Equal(t, event.ID, exported.ID)
		assert.Equal(t, string(events.WorkflowDefinedEvent), msg.Metadata.Get(events.EventTypeMetadataKey))
	case <-time.After(2 * time.Second):
		t.Fatal("event was not exported")
	}
}

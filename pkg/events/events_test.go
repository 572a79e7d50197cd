package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Parallel()

	first := New(StepDispatchedEvent, "exec-1", map[string]any{"step_id": "A"})
	second := New(StepDispatchedEvent, "exec-1", nil)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, StepDispatchedEvent, first.GetType())
	assert.False(t, first.Timestamp.IsZero())
}

func TestFilter_Matches(t *testing.T) {
	t.Parallel()

	event := New(StepFailedEvent, "exec-1", nil)

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty filter matches all", filter: Filter{}, want: true},
		{name: "type in set", filter: OfTypes(StepSucceededEvent, StepFailedEvent), want: true},
		{name: "type not in set", filter: OfTypes(StepSucceededEvent), want: false},
		{name: "correlation match", filter: Filter{CorrelationID: "exec-1"}, want: true},
		{name: "correlation mismatch", filter: Filter{CorrelationID: "exec-2"}, want: false},
		{name: "type and correlation", filter: Filter{Types: []EventType{StepFailedEvent}, CorrelationID: "exec-2"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.filter.Matches(event))
		})
	}
}

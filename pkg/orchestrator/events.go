package orchestrator

import (
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/eventbus"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
)

func (o *Orchestrator) Subscribe(filter events.Filter, callback eventbus.Callback) string {
	return o.bus.Subscribe(filter, callback)
}

func (o *Orchestrator) Unsubscribe(id string) {
	o.bus.Unsubscribe(id)
}

func (o *Orchestrator) Pause(id string) error {
	return o.bus.Pause(id)
}

func (o *Orchestrator) Resume(id string) error {
	return o.bus.Resume(id)
}

func (o *Orchestrator) Subscriptions() []eventbus.SubscriptionInfo {
	return o.bus.Subscriptions()
}

// History returns up to limit retained events matching filter, oldest first.
func (o *Orchestrator) History(filter events.Filter, limit int) []events.ChoreographyEvent {
	return o.bus.History(filter, limit)
}

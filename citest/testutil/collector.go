package testutil

import (
	"sync"

	"github.com/tillerhq/tiller/internal/event"
)

// EventCollector records every bus event for later inspection. All accessors
// are safe to poll from Eventually blocks.
type EventCollector struct {
	mu     sync.Mutex
	events []event.Event
}

// Collect subscribes a new collector to every event on the bus.
func Collect(bus *event.Bus) *EventCollector {
	c := &EventCollector{}
	bus.SubscribeAll(func(ev event.Event) {
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
	})
	return c
}

// Events returns a snapshot of everything recorded so far.
func (c *EventCollector) Events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Types returns the event types in receipt order.
func (c *EventCollector) Types() []event.Type {
	evs := c.Events()
	out := make([]event.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// Count returns how many events of type t were recorded.
func (c *EventCollector) Count(t event.Type) int {
	n := 0
	for _, ev := range c.Events() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// First returns the first event of type t, or false when none arrived yet.
func (c *EventCollector) First(t event.Type) (event.Event, bool) {
	for _, ev := range c.Events() {
		if ev.Type == t {
			return ev, true
		}
	}
	return event.Event{}, false
}

// EndReasons returns the reasons of all agent_end events in order.
func (c *EventCollector) EndReasons() []string {
	var out []string
	for _, ev := range c.Events() {
		if ev.Type == event.AgentEnd {
			out = append(out, ev.Data.(event.AgentEndData).Reason)
		}
	}
	return out
}

// Package event provides the pub/sub event surface exposed to the UI layer,
// built on watermill's in-process gochannel transport.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies one of the closed set of events the core emits.
type Type string

const (
	ModeChanged          Type = "mode_changed"
	ModelChanged         Type = "model_changed"
	ThreadChanged        Type = "thread_changed"
	ThreadCreated        Type = "thread_created"
	StateChanged         Type = "state_changed"
	AgentStart           Type = "agent_start"
	AgentEnd             Type = "agent_end"
	MessageStart         Type = "message_start"
	MessageUpdate        Type = "message_update"
	MessageEnd           Type = "message_end"
	ToolStart            Type = "tool_start"
	ToolEnd              Type = "tool_end"
	ToolApprovalRequired Type = "tool_approval_required"
	UsageUpdate          Type = "usage_update"
	Error                Type = "error"
	OMStatus             Type = "om_status"
	OMCycle              Type = "om_cycle"
	FollowUpQueued       Type = "follow_up_queued"
	QuestionAsked        Type = "question_asked"
	PlanApproval         Type = "plan_approval_required"
)

// Event pairs a type with its payload.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Subscriber receives published events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans events out to subscribers. Watermill's gochannel is carried
// underneath for middleware and routing; direct subscriber dispatch preserves
// payload types.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]subscriberEntry),
	}
}

// Subscribe registers a subscriber for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[t]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, entry := range b.global {
			if entry.id == id {
				b.global = append(b.global[:i], b.global[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers an event to all matching subscribers in the calling
// goroutine. Operation events must reach the UI in exact receipt order, so
// dispatch is synchronous.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subscribers[event.Type])+len(b.global))
	for _, entry := range b.subscribers[event.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
}

// Close shuts down the bus; further publishes are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub exposes the underlying watermill channel for middleware or a future
// distributed backend.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

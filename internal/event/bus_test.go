package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got []Event
	bus.Subscribe(AgentStart, func(ev Event) { got = append(got, ev) })

	bus.Publish(Event{Type: AgentStart, Data: AgentStartData{OperationID: 1}})
	bus.Publish(Event{Type: AgentEnd, Data: AgentEndData{OperationID: 1}})

	require.Len(t, got, 1)
	assert.Equal(t, AgentStart, got[0].Type)
}

func TestBus_SubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var types []Type
	bus.SubscribeAll(func(ev Event) { types = append(types, ev.Type) })

	bus.Publish(Event{Type: MessageStart})
	bus.Publish(Event{Type: MessageUpdate})
	bus.Publish(Event{Type: MessageEnd})

	assert.Equal(t, []Type{MessageStart, MessageUpdate, MessageEnd}, types)
}

func TestBus_PublishPreservesOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var order []int
	bus.SubscribeAll(func(ev Event) { order = append(order, ev.Data.(int)) })

	for i := 0; i < 100; i++ {
		bus.Publish(Event{Type: MessageUpdate, Data: i})
	}

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	unsubscribe := bus.Subscribe(ToolStart, func(ev Event) { count++ })

	bus.Publish(Event{Type: ToolStart})
	unsubscribe()
	bus.Publish(Event{Type: ToolStart})

	assert.Equal(t, 1, count)
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.SubscribeAll(func(ev Event) { count++ })

	require.NoError(t, bus.Close())
	bus.Publish(Event{Type: Error})

	assert.Equal(t, 0, count)
}

func TestBus_SubscriberPayloadTypePreserved(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var data ApprovalRequiredData
	bus.Subscribe(ToolApprovalRequired, func(ev Event) {
		data = ev.Data.(ApprovalRequiredData)
	})

	bus.Publish(Event{Type: ToolApprovalRequired, Data: ApprovalRequiredData{
		RequestID: "r1",
		ToolName:  "bash",
	}})

	assert.Equal(t, "r1", data.RequestID)
	assert.Equal(t, "bash", data.ToolName)
}

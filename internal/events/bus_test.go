package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()

	var got []Type
	bus.Subscribe(func(e Event) {
		got = append(got, e.Type)
	})

	bus.Publish(Event{Type: Added, TaskID: "1"})
	bus.Publish(Event{Type: Updated, TaskID: "1"})

	assert.Equal(t, []Type{Added, Updated}, got)
}

func TestBus_DeliveryOrder(t *testing.T) {
	bus := NewBus()

	var order []int
	bus.Subscribe(func(Event) { order = append(order, 1) })
	bus.Subscribe(func(Event) { order = append(order, 2) })
	bus.Subscribe(func(Event) { order = append(order, 3) })

	bus.Publish(Event{Type: Added})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	unsub := bus.Subscribe(func(Event) { count++ })

	bus.Publish(Event{Type: Added})
	unsub()
	bus.Publish(Event{Type: Added})

	assert.Equal(t, 1, count)
}

func TestBus_UnsubscribeTwiceIsSafe(t *testing.T) {
	bus := NewBus()

	unsub := bus.Subscribe(func(Event) {})
	unsub()
	unsub()

	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: Updated})
	})
}

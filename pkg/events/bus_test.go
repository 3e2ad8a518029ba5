package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversOnlyToAddressedUsers(t *testing.T) {
	bus := NewBus(4, nil)
	studentCh, cancelStudent := bus.Subscribe("student-1")
	defer cancelStudent()
	otherCh, cancelOther := bus.Subscribe("student-2")
	defer cancelOther()

	bus.Publish(Event{Type: TypeNotificationCreated, ResourceID: "n-1", UserIDs: []string{"student-1"}})

	select {
	case evt := <-studentCh:
		assert.Equal(t, "n-1", evt.ResourceID)
		assert.False(t, evt.OccurredAt.IsZero())
	default:
		t.Fatal("expected event for student-1")
	}
	assert.Len(t, otherCh, 0)
}

func TestBusWildcardSubscriber(t *testing.T) {
	bus := NewBus(1, nil)
	all, cancel := bus.Subscribe("")
	defer cancel()

	bus.Publish(Event{Type: TypeSessionUpdated, UserIDs: []string{"a", "b"}})
	require.Len(t, all, 1)
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	hooks := 0
	bus := NewBus(1, nil, WithDropHook(func() { hooks++ }))
	_, cancel := bus.Subscribe("u")
	defer cancel()

	bus.Publish(Event{Type: TypeSessionUpdated, UserIDs: []string{"u"}})
	bus.Publish(Event{Type: TypeSessionUpdated, UserIDs: []string{"u"}})

	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Equal(t, 1, hooks)
}

func TestBusCancelAndClose(t *testing.T) {
	bus := NewBus(1, nil)
	ch, cancel := bus.Subscribe("u")
	assert.Equal(t, 1, bus.Subscribers())
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())

	ch2, _ := bus.Subscribe("u")
	bus.Close()
	_, open = <-ch2
	assert.False(t, open)

	ch3, _ := bus.Subscribe("u")
	_, open = <-ch3
	assert.False(t, open)
	bus.Publish(Event{Type: TypeSessionUpdated})
}

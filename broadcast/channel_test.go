package broadcast

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_FIFOPerPublisher(t *testing.T) {
	c := NewChannel()

	var got []string
	unsub := c.Subscribe(func(msg Message) { got = append(got, msg.Resource) })
	defer unsub()

	for i := 0; i < 10; i++ {
		c.Publish(Message{Type: TypeStorageWrite, Resource: fmt.Sprintf("r%d", i)})
	}

	require.Len(t, got, 10)
	for i, r := range got {
		assert.Equal(t, fmt.Sprintf("r%d", i), r)
	}
}

func TestChannel_AllSubscribersReceive(t *testing.T) {
	c := NewChannel()

	var a, b int
	defer c.Subscribe(func(Message) { a++ })()
	defer c.Subscribe(func(Message) { b++ })()

	c.Publish(Message{Type: TypeSyncScheduled})
	c.Publish(Message{Type: TypeSyncComplete})

	assert.Equal(t, 2, a)
	assert.Equal(t, 2, b)
}

func TestChannel_Unsubscribe(t *testing.T) {
	c := NewChannel()

	var count int
	unsub := c.Subscribe(func(Message) { count++ })

	c.Publish(Message{Type: TypeSyncScheduled})
	unsub()
	c.Publish(Message{Type: TypeSyncScheduled})

	assert.Equal(t, 1, count)
}

func TestChannel_NoReplayForLateSubscribers(t *testing.T) {
	c := NewChannel()

	c.Publish(Message{Type: TypeSyncComplete})

	var count int
	defer c.Subscribe(func(Message) { count++ })()

	assert.Equal(t, 0, count, "messages sent before subscribing are never delivered")
}

func TestChannel_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	c := NewChannel()

	var delivered bool
	defer c.Subscribe(func(Message) { panic("bad subscriber") })()
	defer c.Subscribe(func(Message) { delivered = true })()

	assert.NotPanics(t, func() { c.Publish(Message{Type: TypeSyncScheduled}) })
	assert.True(t, delivered)
}

package broadcast

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (*Relay, string) {
	t.Helper()

	relay := NewRelay()
	ctx, cancel := context.WithCancel(context.Background())
	go relay.Run(ctx)

	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		srv.Close()
		relay.Close()
		cancel()
	})

	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBridge_CrossContextDelivery(t *testing.T) {
	relay, url := startRelay(t)
	ctx := context.Background()

	chanA := NewChannel()
	chanB := NewChannel()

	bridgeA := NewBridge(chanA, url)
	require.NoError(t, bridgeA.Start(ctx))
	defer bridgeA.Close()

	bridgeB := NewBridge(chanB, url)
	require.NoError(t, bridgeB.Start(ctx))
	defer bridgeB.Close()

	require.Eventually(t, func() bool { return relay.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	received := make(chan Message, 4)
	defer chanB.Subscribe(func(m Message) { received <- m })()

	var deliveredToA int32
	defer chanA.Subscribe(func(Message) { atomic.AddInt32(&deliveredToA, 1) })()

	chanA.Publish(Message{Type: TypeSyncComplete})

	select {
	case msg := <-received:
		assert.Equal(t, TypeSyncComplete, msg.Type)
		assert.Equal(t, bridgeA.Origin(), msg.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the other context")
	}

	// The publishing context sees its own message exactly once: the relay
	// must not echo it back.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&deliveredToA))
}

func TestBridge_OriginAssigned(t *testing.T) {
	_, url := startRelay(t)

	bridge := NewBridge(NewChannel(), url)
	assert.NotEmpty(t, bridge.Origin())

	other := NewBridge(NewChannel(), url)
	assert.NotEqual(t, bridge.Origin(), other.Origin())
}

func TestRelay_DisconnectedClientRemoved(t *testing.T) {
	relay, url := startRelay(t)
	ctx := context.Background()

	bridge := NewBridge(NewChannel(), url)
	require.NoError(t, bridge.Start(ctx))

	require.Eventually(t, func() bool { return relay.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, bridge.Close())

	require.Eventually(t, func() bool { return relay.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

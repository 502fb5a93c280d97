package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/offlinekit/fieldsync"
	"github.com/offlinekit/fieldsync/broadcast"
)

func TestProjection_FollowsSchedulerEvents(t *testing.T) {
	channel := broadcast.NewChannel()
	p := New(channel, nil, nil)
	defer p.Close()

	assert.Equal(t, StateIdle, p.Snapshot().State)

	channel.Publish(broadcast.Message{Type: broadcast.TypeSyncScheduled})
	assert.Equal(t, StateSyncing, p.Snapshot().State)

	channel.Publish(broadcast.Message{Type: broadcast.TypeSyncError, Attempt: 2, Delay: time.Second})
	snap := p.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, 2, snap.Attempt)
	assert.Equal(t, time.Second, snap.Delay)

	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	channel.Publish(broadcast.Message{Type: broadcast.TypeSyncComplete, CompletedAt: completed})
	snap = p.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Zero(t, snap.Attempt)
	assert.Zero(t, snap.Delay)
	assert.Equal(t, completed, snap.LastCompletedAt)
}

func TestProjection_IgnoresNonStatusEvents(t *testing.T) {
	channel := broadcast.NewChannel()
	p := New(channel, nil, nil)
	defer p.Close()

	channel.Publish(broadcast.Message{Type: broadcast.TypeSyncScheduled})
	channel.Publish(broadcast.Message{Type: broadcast.TypeStorageWrite, Resource: "deck"})

	assert.Equal(t, StateSyncing, p.Snapshot().State,
		"storage writes carry no status transition")
}

func TestProjection_StaleSyncingFallsBackToIdle(t *testing.T) {
	channel := broadcast.NewChannel()

	now := time.Now()
	p := New(channel, nil, &Options{StaleAfter: time.Minute, Now: func() time.Time { return now }})
	defer p.Close()

	channel.Publish(broadcast.Message{Type: broadcast.TypeSyncScheduled})
	assert.Equal(t, StateSyncing, p.Snapshot().State)

	// A context that slept through the terminal event must not display
	// "syncing" forever.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, StateIdle, p.Snapshot().State)
}

func TestProjection_ErrorStateIsNotStale(t *testing.T) {
	channel := broadcast.NewChannel()

	now := time.Now()
	p := New(channel, nil, &Options{StaleAfter: time.Minute, Now: func() time.Time { return now }})
	defer p.Close()

	channel.Publish(broadcast.Message{Type: broadcast.TypeSyncError, Attempt: 1, Delay: time.Minute})

	now = now.Add(time.Hour)
	assert.Equal(t, StateError, p.Snapshot().State,
		"a backing-off scheduler really is in error until it retries")
}

func TestProjection_TracksConnectivity(t *testing.T) {
	conn := fieldsync.NewManualConnectivity(false)
	p := New(broadcast.NewChannel(), conn, nil)
	defer p.Close()

	assert.False(t, p.Snapshot().Online)

	conn.Set(true)
	assert.True(t, p.Snapshot().Online)

	conn.Set(false)
	assert.False(t, p.Snapshot().Online)
}

func TestProjection_CloseDetaches(t *testing.T) {
	channel := broadcast.NewChannel()
	p := New(channel, nil, nil)
	p.Close()

	channel.Publish(broadcast.Message{Type: broadcast.TypeSyncScheduled})
	assert.Equal(t, StateIdle, p.Snapshot().State)
}

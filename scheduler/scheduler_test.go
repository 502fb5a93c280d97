package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinekit/fieldsync"
	"github.com/offlinekit/fieldsync/broadcast"
	"github.com/offlinekit/fieldsync/conflict"
	syncErrors "github.com/offlinekit/fieldsync/errors"
	"github.com/offlinekit/fieldsync/queue"
	"github.com/offlinekit/fieldsync/storage/memory"
)

// fixture wires a scheduler against an in-memory store with a recording
// broadcast subscriber.
type fixture struct {
	queue     *queue.Queue
	conflicts *conflict.Service
	channel   *broadcast.Channel
	conn      *fieldsync.ManualConnectivity
	sched     *Scheduler

	mu     sync.Mutex
	events []broadcast.Message
}

func newFixture(t *testing.T, handler fieldsync.PushHandler, opts *Options) *fixture {
	t.Helper()

	store := memory.New()
	channel := broadcast.NewChannel()
	f := &fixture{
		queue:     queue.New(store, &queue.Options{Channel: channel}),
		conflicts: conflict.New(store, nil),
		channel:   channel,
		conn:      fieldsync.NewManualConnectivity(true),
	}

	unsub := channel.Subscribe(func(msg broadcast.Message) {
		f.mu.Lock()
		f.events = append(f.events, msg)
		f.mu.Unlock()
	})
	t.Cleanup(unsub)

	f.sched = New(f.queue, f.conflicts, channel, f.conn, handler, opts)
	t.Cleanup(f.sched.Stop)
	return f
}

func (f *fixture) enqueue(t *testing.T, recordID string) fieldsync.Mutation {
	t.Helper()
	m, err := f.queue.Enqueue(context.Background(), fieldsync.Mutation{
		Resource: "deck",
		RecordID: recordID,
		Op:       fieldsync.OpUpdate,
		Payload:  json.RawMessage(`{"name":"X"}`),
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) size(t *testing.T) int {
	t.Helper()
	size, err := f.queue.Size(context.Background())
	require.NoError(t, err)
	return size
}

func (f *fixture) eventsOfType(typ broadcast.Type) []broadcast.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []broadcast.Message
	for _, msg := range f.events {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

// applyAll acknowledges every mutation it is handed.
func applyAll(calls *int32) fieldsync.PushFunc {
	return func(_ context.Context, batch []fieldsync.Mutation) (fieldsync.PushResult, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		var result fieldsync.PushResult
		for _, m := range batch {
			result.AppliedIDs = append(result.AppliedIDs, m.ID)
		}
		return result, nil
	}
}

func TestScheduler_DrainsToIdle(t *testing.T) {
	f := newFixture(t, applyAll(nil), nil)
	f.sched.Start()

	for i := 0; i < 3; i++ {
		f.enqueue(t, fmt.Sprintf("d%d", i))
	}

	require.Eventually(t, func() bool { return f.size(t) == 0 },
		2*time.Second, 5*time.Millisecond, "queue must converge to empty")
	require.Eventually(t, func() bool { return f.sched.State() == StateIdle },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, f.sched.Attempt())
	assert.False(t, f.sched.LastCompletedAt().IsZero(),
		"lastCompletedAt is stamped when the queue drains to empty")
	assert.NotEmpty(t, f.eventsOfType(broadcast.TypeSyncComplete))
	assert.Empty(t, f.eventsOfType(broadcast.TypeSyncError))
}

func TestScheduler_SingleCompleteEventPerDrain(t *testing.T) {
	f := newFixture(t, applyAll(nil), nil)

	// Enqueue before Start so no storage-write trigger fires, then schedule
	// exactly one drain.
	f.enqueue(t, "d1")
	f.sched.Start()
	f.sched.Notify()

	require.Eventually(t, func() bool { return f.size(t) == 0 },
		2*time.Second, 5*time.Millisecond)

	assert.Len(t, f.eventsOfType(broadcast.TypeSyncComplete), 1)
}

func TestScheduler_BatchCapReenters(t *testing.T) {
	var calls int32
	f := newFixture(t, applyAll(&calls), &Options{MaxBatch: 2})

	for i := 0; i < 5; i++ {
		f.enqueue(t, fmt.Sprintf("d%d", i))
	}
	f.sched.Start()
	f.sched.Notify()

	require.Eventually(t, func() bool { return f.size(t) == 0 },
		2*time.Second, 5*time.Millisecond)

	// 5 mutations at 2 per push is at least 3 pushes within one episode.
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestScheduler_BatchOrderOldestFirst(t *testing.T) {
	var mu sync.Mutex
	var pushed []string
	handler := fieldsync.PushFunc(func(_ context.Context, batch []fieldsync.Mutation) (fieldsync.PushResult, error) {
		var result fieldsync.PushResult
		mu.Lock()
		for _, m := range batch {
			pushed = append(pushed, m.RecordID)
			result.AppliedIDs = append(result.AppliedIDs, m.ID)
		}
		mu.Unlock()
		return result, nil
	})

	f := newFixture(t, handler, &Options{MaxBatch: 1})
	for i := 0; i < 4; i++ {
		f.enqueue(t, fmt.Sprintf("d%d", i))
	}
	f.sched.Start()
	f.sched.Notify()

	require.Eventually(t, func() bool { return f.size(t) == 0 },
		2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"d0", "d1", "d2", "d3"}, pushed)
}

func TestScheduler_BackoffOnFailure(t *testing.T) {
	handler := fieldsync.PushFunc(func(context.Context, []fieldsync.Mutation) (fieldsync.PushResult, error) {
		return fieldsync.PushResult{}, syncErrors.NewTransportError("push", fmt.Errorf("authority unreachable"))
	})
	backoff := &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2.0}
	f := newFixture(t, handler, &Options{Backoff: backoff})

	f.enqueue(t, "d1")
	f.sched.Start()

	require.Eventually(t, func() bool {
		return len(f.eventsOfType(broadcast.TypeSyncError)) >= 5
	}, 2*time.Second, 5*time.Millisecond)

	errs := f.eventsOfType(broadcast.TypeSyncError)
	for i, e := range errs {
		assert.Equal(t, i+1, e.Attempt, "attempt counter increments monotonically")
		assert.LessOrEqual(t, e.Delay, backoff.MaxDelay, "delay never exceeds the ceiling")
		if i > 0 {
			assert.GreaterOrEqual(t, e.Delay, errs[i-1].Delay, "delays never shrink while failing")
		}
	}
	assert.Equal(t, time.Millisecond, errs[0].Delay)

	// The mutation was never acknowledged.
	assert.Equal(t, 1, f.size(t))
}

func TestScheduler_AttemptResetsOnRecovery(t *testing.T) {
	var fails int32 = 3
	handler := fieldsync.PushFunc(func(_ context.Context, batch []fieldsync.Mutation) (fieldsync.PushResult, error) {
		if atomic.AddInt32(&fails, -1) >= 0 {
			return fieldsync.PushResult{}, syncErrors.NewTransportError("push", fmt.Errorf("flaky"))
		}
		return applyAll(nil)(context.Background(), batch)
	})
	backoff := &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}
	f := newFixture(t, handler, &Options{Backoff: backoff})

	f.enqueue(t, "d1")
	f.sched.Start()

	require.Eventually(t, func() bool { return f.size(t) == 0 },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.sched.State() == StateIdle },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, f.sched.Attempt(), "a successful drain resets the failure streak")
	assert.Len(t, f.eventsOfType(broadcast.TypeSyncError), 3)
}

func TestScheduler_StopCancelsBackoff(t *testing.T) {
	var calls int32
	handler := fieldsync.PushFunc(func(context.Context, []fieldsync.Mutation) (fieldsync.PushResult, error) {
		atomic.AddInt32(&calls, 1)
		return fieldsync.PushResult{}, syncErrors.NewTransportError("push", fmt.Errorf("down"))
	})
	backoff := &ExponentialBackoff{InitialDelay: 5 * time.Second, MaxDelay: 5 * time.Second, Multiplier: 2.0}
	f := newFixture(t, handler, &Options{Backoff: backoff})

	f.enqueue(t, "d1")
	f.sched.Start()

	require.Eventually(t, func() bool {
		return len(f.eventsOfType(broadcast.TypeSyncError)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.sched.Stop()
	callsAtStop := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, callsAtStop, atomic.LoadInt32(&calls), "no push after Stop")
	assert.Len(t, f.eventsOfType(broadcast.TypeSyncError), 1, "no events after Stop")
}

func TestScheduler_OfflineDefersPush(t *testing.T) {
	var calls int32
	f := newFixture(t, applyAll(&calls), nil)
	f.conn.Set(false)
	f.sched.Start()

	for i := 0; i < 3; i++ {
		f.enqueue(t, fmt.Sprintf("d%d", i))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls), "no push attempt while offline")
	assert.Equal(t, 3, f.size(t))

	// Coming online triggers a drain without any new enqueue.
	f.conn.Set(true)
	require.Eventually(t, func() bool { return f.size(t) == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestScheduler_OnlineTransitionInterruptsBackoff(t *testing.T) {
	var failing int32 = 1
	handler := fieldsync.PushFunc(func(_ context.Context, batch []fieldsync.Mutation) (fieldsync.PushResult, error) {
		if atomic.LoadInt32(&failing) == 1 {
			return fieldsync.PushResult{}, syncErrors.NewTransportError("push", fmt.Errorf("down"))
		}
		return applyAll(nil)(context.Background(), batch)
	})
	backoff := &ExponentialBackoff{InitialDelay: time.Minute, MaxDelay: time.Minute, Multiplier: 2.0}
	f := newFixture(t, handler, &Options{Backoff: backoff})

	f.enqueue(t, "d1")
	f.sched.Start()

	require.Eventually(t, func() bool {
		return len(f.eventsOfType(broadcast.TypeSyncError)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A reconnect must cut the minute-long backoff wait short.
	atomic.StoreInt32(&failing, 0)
	f.conn.Set(false)
	f.conn.Set(true)

	require.Eventually(t, func() bool { return f.size(t) == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestScheduler_ConflictsPersistedAndQueueRetained(t *testing.T) {
	local := json.RawMessage(`{"name":"mine"}`)
	server := json.RawMessage(`{"name":"theirs"}`)

	handler := fieldsync.PushFunc(func(_ context.Context, batch []fieldsync.Mutation) (fieldsync.PushResult, error) {
		var result fieldsync.PushResult
		for _, m := range batch {
			result.Conflicts = append(result.Conflicts, fieldsync.PushConflict{
				Resource: m.Resource,
				RecordID: m.RecordID,
				Local:    local,
				Server:   server,
			})
		}
		return result, nil
	})
	f := newFixture(t, handler, nil)

	f.enqueue(t, "d1")
	f.sched.Start()

	require.Eventually(t, func() bool {
		records, err := f.conflicts.List(context.Background())
		return err == nil && len(records) == 1
	}, 2*time.Second, 5*time.Millisecond)

	records, err := f.conflicts.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, records[0].Fields)

	// The conflicted mutation stays queued for a later retry, and the episode
	// settles instead of hammering the authority with the same batch.
	require.Eventually(t, func() bool { return f.sched.State() == StateIdle },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.size(t))
	assert.Empty(t, f.eventsOfType(broadcast.TypeSyncError), "conflicts are not errors")
}

func TestScheduler_SetPushHandlerTakesEffect(t *testing.T) {
	var first, second int32
	f := newFixture(t, applyAll(&first), nil)
	f.sched.SetPushHandler(applyAll(&second))
	f.sched.Start()

	f.enqueue(t, "d1")

	require.Eventually(t, func() bool { return f.size(t) == 0 },
		2*time.Second, 5*time.Millisecond)

	assert.Zero(t, atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
}

func TestScheduler_StartIdempotent(t *testing.T) {
	f := newFixture(t, applyAll(nil), nil)
	f.sched.Start()
	f.sched.Start()

	f.enqueue(t, "d1")
	require.Eventually(t, func() bool { return f.size(t) == 0 },
		2*time.Second, 5*time.Millisecond)

	f.sched.Stop()
	f.sched.Stop()
}

func TestExponentialBackoff_Ceiling(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2.0}

	assert.Equal(t, 500*time.Millisecond, b.NextDelay(0))
	assert.Equal(t, time.Second, b.NextDelay(1))
	assert.Equal(t, 2*time.Second, b.NextDelay(2))
	assert.Equal(t, 30*time.Second, b.NextDelay(7), "capped at the ceiling")
	assert.Equal(t, 30*time.Second, b.NextDelay(50), "stays at the ceiling")
	assert.Equal(t, 500*time.Millisecond, b.NextDelay(-1), "negative attempts clamp to zero")
}

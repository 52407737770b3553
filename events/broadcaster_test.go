package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBroadcaster(opts Options) *Broadcaster {
	// Long keepalive unless a test overrides it, so pings never interfere
	if opts.KeepaliveTimeout == 0 {
		opts.KeepaliveTimeout = time.Hour
	}
	return NewBroadcaster(opts, zap.NewNop().Sugar())
}

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early after %d events", len(out))
			out = append(out, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := newTestBroadcaster(Options{})
	defer b.Close()

	sub := b.Subscribe(false)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(New(TypeJobStarted, fmt.Sprintf("job-%d", i), nil))
	}

	events := collect(t, sub, 5)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("job-%d", i), ev.JobID)
		assert.Equal(t, uint64(i), ev.Seq)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestSubscribeWithReplay(t *testing.T) {
	b := newTestBroadcaster(Options{ReplayCount: 20})
	defer b.Close()

	// More history than the replay window holds
	for i := 0; i < 25; i++ {
		b.Publish(New(TypeTaskOutput, "job-history", map[string]interface{}{"line": i}))
	}

	sub := b.Subscribe(true)
	defer b.Unsubscribe(sub)

	replayed := collect(t, sub, 20)
	assert.Equal(t, uint64(5), replayed[0].Seq, "replay should start at the oldest retained event")
	assert.Equal(t, uint64(24), replayed[19].Seq, "replay should end at the newest event")

	// Future events still follow the replay
	b.Publish(New(TypeJobCompleted, "job-history", nil))
	live := collect(t, sub, 1)
	assert.Equal(t, TypeJobCompleted, live[0].Type)
	assert.Equal(t, uint64(25), live[0].Seq)
}

func TestSubscribeWithoutReplay(t *testing.T) {
	b := newTestBroadcaster(Options{})
	defer b.Close()

	b.Publish(New(TypeJobStarted, "old-job", nil))

	sub := b.Subscribe(false)
	defer b.Unsubscribe(sub)

	b.Publish(New(TypeJobCompleted, "new-job", nil))

	events := collect(t, sub, 1)
	assert.Equal(t, "new-job", events[0].JobID, "pre-subscribe history must not be delivered")
}

func TestOverflowDropsOldest(t *testing.T) {
	b := newTestBroadcaster(Options{QueueSize: 3})
	defer b.Close()

	sub := b.Subscribe(false)
	defer b.Unsubscribe(sub)

	// Flood without reading; the bounded queue must shed oldest entries
	const published = 20
	for i := 0; i < published; i++ {
		b.Publish(New(TypeTaskOutput, "flood", map[string]interface{}{"n": i}))
	}

	// Give the pump a moment to settle, then drain whatever survived
	time.Sleep(100 * time.Millisecond)
	var received []Event
drain:
	for {
		select {
		case ev := <-sub.Events():
			received = append(received, ev)
		case <-time.After(200 * time.Millisecond):
			break drain
		}
	}

	require.NotEmpty(t, received)
	assert.Less(t, len(received), published, "some events must have been dropped")
	assert.Equal(t, uint64(published-len(received)), sub.Dropped(),
		"dropped counter must account for every lost event")

	// Drop-oldest keeps the newest event; order is a subsequence of publish order
	assert.Equal(t, uint64(published-1), received[len(received)-1].Seq)
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i].Seq, received[i-1].Seq,
			"delivery must preserve publish order")
	}
}

func TestConcurrentPublishersPreserveOrder(t *testing.T) {
	const (
		publishers   = 16
		perGoroutine = 500
	)
	total := publishers * perGoroutine

	b := newTestBroadcaster(Options{QueueSize: total})
	defer b.Close()

	sub := b.Subscribe(false)
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(New(TypeTaskOutput, fmt.Sprintf("job-%d", p), nil))
			}
		}(p)
	}
	wg.Wait()

	received := collect(t, sub, total)
	require.Equal(t, uint64(0), sub.Dropped())
	for i := 1; i < len(received); i++ {
		require.Greater(t, received[i].Seq, received[i-1].Seq,
			"saw seq %d after seq %d; delivery must preserve publish order",
			received[i].Seq, received[i-1].Seq)
	}
}

func TestSubscribersAreIndependent(t *testing.T) {
	b := newTestBroadcaster(Options{})
	defer b.Close()

	fast := b.Subscribe(false)
	slow := b.Subscribe(false)
	defer b.Unsubscribe(fast)
	defer b.Unsubscribe(slow)

	for i := 0; i < 10; i++ {
		b.Publish(New(TypeJobStatusChanged, "shared-job", map[string]interface{}{"i": i}))
	}

	// The fast subscriber drains fully even though the slow one reads nothing
	events := collect(t, fast, 10)
	assert.Len(t, events, 10)
	assert.Equal(t, uint64(0), fast.Dropped())
}

func TestUnsubscribeClosesChannelAndIsIdempotent(t *testing.T) {
	b := newTestBroadcaster(Options{})
	defer b.Close()

	sub := b.Subscribe(false)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after unsubscribe")
	}

	assert.Equal(t, 0, b.SubscriberCount())

	// Publishing after unsubscribe must not panic or block
	b.Publish(New(TypeJobStarted, "post-unsub", nil))
}

func TestKeepaliveEmittedWhenIdle(t *testing.T) {
	b := NewBroadcaster(Options{KeepaliveTimeout: 50 * time.Millisecond}, zap.NewNop().Sugar())
	defer b.Close()

	sub := b.Subscribe(false)
	defer b.Unsubscribe(sub)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, TypeKeepAlive, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a keep-alive on an idle stream")
	}
}

func TestKeepaliveExcludedFromReplay(t *testing.T) {
	b := NewBroadcaster(Options{KeepaliveTimeout: 30 * time.Millisecond}, zap.NewNop().Sugar())
	defer b.Close()

	b.Publish(New(TypeJobStarted, "real-event", nil))

	// Let several keep-alives fire
	time.Sleep(150 * time.Millisecond)

	sub := b.Subscribe(true)
	defer b.Unsubscribe(sub)

	events := collect(t, sub, 1)
	assert.Equal(t, TypeJobStarted, events[0].Type,
		"replay should contain the real event, not keep-alives")
}

func TestCloseDetachesSubscribers(t *testing.T) {
	b := newTestBroadcaster(Options{})
	sub := b.Subscribe(false)

	b.Close()
	b.Close() // idempotent

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription should close when the broadcaster closes")
	}
}

func TestEventConstructors(t *testing.T) {
	ev := New(TypeJobFailed, "j1", map[string]interface{}{"error": "boom"})
	assert.Equal(t, NoTask, ev.TaskIndex)
	assert.Equal(t, "j1", ev.JobID)

	tev := NewTask(TypeTaskCompleted, "j1", 2, nil)
	assert.Equal(t, 2, tev.TaskIndex)
	assert.Equal(t, TypeTaskCompleted, tev.Type)
}

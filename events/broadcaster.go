package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults applied when Options fields are zero.
const (
	DefaultQueueSize        = 100
	DefaultReplayCount      = 20
	DefaultKeepaliveTimeout = 30 * time.Second
)

// Options tunes a Broadcaster.
type Options struct {
	// QueueSize bounds each subscriber's pending queue.
	QueueSize int
	// ReplayCount is how many recent events a new subscriber can replay.
	ReplayCount int
	// KeepaliveTimeout is the idle period before a keep-alive is emitted.
	KeepaliveTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.ReplayCount <= 0 {
		o.ReplayCount = DefaultReplayCount
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	return o
}

// Broadcaster fans events out to subscribers. Publishing never blocks:
// each subscriber owns a bounded queue that drops its oldest entry when
// full. Every subscriber observes events in global publish order
// (a subsequence of it when drops occur).
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	replay      []Event
	nextSeq     uint64
	lastEvent   time.Time
	opts        Options
	logger      *zap.SugaredLogger

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewBroadcaster creates a broadcaster and starts its keep-alive loop.
// A nil logger disables logging.
func NewBroadcaster(opts Options, logger *zap.SugaredLogger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	b := &Broadcaster{
		subscribers: make(map[*Subscription]struct{}),
		opts:        opts.withDefaults(),
		logger:      logger,
		lastEvent:   time.Now(),
		stopCh:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.keepaliveLoop()
	return b
}

// Publish delivers ev to every subscriber without blocking. The event
// receives the next global sequence number and lands in the replay ring.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	ev.Seq = b.nextSeq
	b.nextSeq++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.lastEvent = time.Now()

	// Keep-alives are liveness pings, not history
	if ev.Type != TypeKeepAlive {
		b.replay = append(b.replay, ev)
		if len(b.replay) > b.opts.ReplayCount {
			b.replay = b.replay[1:]
		}
	}

	// Offers happen under the broadcaster lock so concurrent publishers
	// cannot interleave between seq assignment and delivery; offer never
	// blocks, so the lock is held only for queue appends.
	for sub := range b.subscribers {
		sub.offer(ev)
	}
	b.mu.Unlock()
}

// Subscribe registers a new subscriber. With sendReplay the most recent
// events (up to the replay count) are queued first, then all future events
// until Unsubscribe. Read delivered events from Subscription.Events().
func (b *Broadcaster) Subscribe(sendReplay bool) *Subscription {
	sub := newSubscription(b.opts.QueueSize)

	b.mu.Lock()
	if sendReplay {
		for _, ev := range b.replay {
			sub.offer(ev)
		}
	}
	b.subscribers[sub] = struct{}{}
	count := len(b.subscribers)
	b.mu.Unlock()

	sub.start()

	b.logger.Debugw("Subscriber attached",
		"replay", sendReplay,
		"subscribers", count,
	)
	return sub
}

// Unsubscribe detaches a subscriber and releases its queue. Idempotent;
// the subscription's channel closes shortly after.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, present := b.subscribers[sub]
	delete(b.subscribers, sub)
	count := len(b.subscribers)
	b.mu.Unlock()

	sub.stop()

	if present {
		b.logger.Debugw("Subscriber detached", "subscribers", count)
	}
}

// SubscriberCount reports the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close stops the keep-alive loop and detaches every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.stopCh)
	subs := make([]*Subscription, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

// keepaliveLoop emits a keep-alive whenever no event has been published
// for the configured idle period, so long-lived consumers detect liveness.
func (b *Broadcaster) keepaliveLoop() {
	defer b.wg.Done()

	interval := b.opts.KeepaliveTimeout
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			idle := time.Since(b.lastEvent) >= interval
			b.mu.Unlock()
			if idle {
				b.Publish(Event{Type: TypeKeepAlive, TaskIndex: NoTask})
			}
		}
	}
}

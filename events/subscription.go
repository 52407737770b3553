package events

import (
	"sync"
	"sync/atomic"
)

// Subscription is one consumer's view of the stream. Events arrive on
// Events() in publish order; when the consumer lags far enough for the
// bounded queue to overflow, the oldest pending event is dropped and the
// dropped counter increments.
type Subscription struct {
	mu      sync.Mutex
	queue   []Event
	maxLen  int
	closed  bool
	started bool

	// notify carries at most one pending wake-up for the pump.
	notify chan struct{}
	done   chan struct{}
	out    chan Event

	dropped atomic.Uint64
}

func newSubscription(queueSize int) *Subscription {
	return &Subscription{
		maxLen: queueSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
}

// Events returns the delivery channel. It closes after Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Dropped reports how many events this subscriber lost to queue overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// offer enqueues an event, dropping the oldest pending one when the queue
// is full. Never blocks the caller.
func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.maxLen {
		s.queue = s.queue[1:]
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// start launches the pump that moves queued events to the out channel.
func (s *Subscription) start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.pump()
}

// stop marks the subscription closed and releases the queue. Safe to call
// more than once.
func (s *Subscription) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	wasStarted := s.started
	s.mu.Unlock()

	close(s.done)
	if !wasStarted {
		// No pump to close the channel for us
		close(s.out)
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		var next Event
		var have bool
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
			have = true
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

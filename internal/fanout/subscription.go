package fanout

import (
	"sync"

	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/topic"
)

// Subscription is one connection's view of one topic.
type Subscription struct {
	connID string
	topic  topic.Topic
	since  uint64

	inbox chan eventlog.Event // live events, filled by the broker handler
	out   chan eventlog.Event // ordered, de-duplicated events for the consumer
	done  chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newSubscription(connID string, t topic.Topic, since uint64, buffer int) *Subscription {
	return &Subscription{
		connID: connID,
		topic:  t,
		since:  since,
		inbox:  make(chan eventlog.Event, buffer),
		out:    make(chan eventlog.Event),
		done:   make(chan struct{}),
	}
}

// C yields the events. It is closed once the subscription has ended.
func (s *Subscription) C() <-chan eventlog.Event { return s.out }

// Done is closed as soon as the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended: nil for a regular unsubscribe,
// ErrSlowConsumer, ErrClosed, a context error or a backfill failure.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() topic.Topic { return s.topic }

// ConnID returns the owning connection id.
func (s *Subscription) ConnID() string { return s.connID }

// offer queues a live event without blocking. It reports false when the
// queue is full.
func (s *Subscription) offer(ev eventlog.Event) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.inbox <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) close(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
	})
}

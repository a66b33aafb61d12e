// Package fanout routes logged and ephemeral events to live subscribers.
//
// A subscription is registered for live delivery before its backfill runs,
// so nothing published during the backfill is lost. Each subscriber sees its
// topic in ascending sequence order with duplicates removed; a live event
// that skips ahead triggers a read from the event log to fill the gap.
// Delivery is at-least-once per live subscription, and nothing is retained
// for disconnected clients beyond what the event log itself holds.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/metrics"
	"github.com/mystify/realtime/internal/topic"
)

var (
	// ErrSlowConsumer ends a subscription whose live queue overflowed. The
	// client should resubscribe with its last seen sequence.
	ErrSlowConsumer = errors.New("fanout: slow consumer")

	// ErrClosed ends subscriptions when the router shuts down.
	ErrClosed = errors.New("fanout: router closed")

	errStopped = errors.New("fanout: subscription stopped")
)

// Config tunes a Router.
type Config struct {
	Buffer       int // live events queued per subscription before it is dropped
	BackfillPage int // page size for ReadSince during backfill
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Buffer:       256,
		BackfillPage: eventlog.DefaultPageSize,
	}
}

// Router owns the broker subscriptions of one service instance. It holds a
// single broker subscription per topic that has at least one local
// subscriber.
type Router struct {
	store  eventlog.Store
	broker Broker
	config Config

	mu     sync.Mutex
	topics map[topic.Topic]*topicEntry
	conns  map[string]map[topic.Topic]*Subscription
	closed bool
}

type topicEntry struct {
	unsubscribe func() error
	subs        map[*Subscription]struct{}
}

// NewRouter creates a router reading backfill from store and live events
// from broker.
func NewRouter(store eventlog.Store, broker Broker, config Config) *Router {
	if config.Buffer <= 0 {
		config.Buffer = DefaultConfig().Buffer
	}
	if config.BackfillPage <= 0 {
		config.BackfillPage = DefaultConfig().BackfillPage
	}
	return &Router{
		store:  store,
		broker: broker,
		config: config,
		topics: make(map[topic.Topic]*topicEntry),
		conns:  make(map[string]map[topic.Topic]*Subscription),
	}
}

// Subscribe starts delivery of every event of t with sequence > since,
// backfill first and live afterwards. A second Subscribe for the same
// connection and topic replaces the first. The subscription ends when ctx is
// done, on Unsubscribe, or when the consumer falls too far behind.
func (r *Router) Subscribe(ctx context.Context, connID string, t topic.Topic, since uint64) (*Subscription, error) {
	if connID == "" || t.IsZero() {
		return nil, fmt.Errorf("fanout: subscribe: %w",
			errs.Reject(errs.ReasonInvalidPayload, "connection id and topic are required"))
	}

	sub := newSubscription(connID, t, since, r.config.Buffer)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if old := r.conns[connID][t]; old != nil {
		r.removeLocked(old)
		old.close(nil)
	}

	entry := r.topics[t]
	if entry == nil {
		unsub, err := r.broker.Subscribe(t.Subject(), r.handler(t))
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("fanout: subscribe %s: %w", t, errs.Transient(err))
		}
		entry = &topicEntry{unsubscribe: unsub, subs: make(map[*Subscription]struct{})}
		r.topics[t] = entry
	}
	entry.subs[sub] = struct{}{}

	if r.conns[connID] == nil {
		r.conns[connID] = make(map[topic.Topic]*Subscription)
	}
	r.conns[connID][t] = sub
	metrics.SubscriptionsActive.Inc()
	r.mu.Unlock()

	go r.pump(ctx, sub)
	return sub, nil
}

// Unsubscribe stops delivery of t to connID. Unknown pairs are ignored.
func (r *Router) Unsubscribe(connID string, t topic.Topic) {
	r.mu.Lock()
	sub := r.conns[connID][t]
	if sub != nil {
		r.removeLocked(sub)
	}
	r.mu.Unlock()

	if sub != nil {
		sub.close(nil)
	}
}

// UnsubscribeAll drops every subscription of a connection, as on disconnect.
func (r *Router) UnsubscribeAll(connID string) {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.conns[connID]))
	for _, sub := range r.conns[connID] {
		subs = append(subs, sub)
	}
	for _, sub := range subs {
		r.removeLocked(sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close(nil)
	}
}

// Publish broadcasts an appended event to every instance's subscribers.
func (r *Router) Publish(ctx context.Context, ev eventlog.Event) error {
	if ev.Sequence == 0 {
		return fmt.Errorf("fanout: publish %s: logged event without sequence", ev.Topic)
	}
	return r.publish(ctx, ev)
}

// PublishEphemeral broadcasts an event that is never logged, such as a
// typing indicator. Its sequence is forced to 0 so subscribers neither
// de-duplicate it nor treat it as a gap.
func (r *Router) PublishEphemeral(ctx context.Context, ev eventlog.Event) error {
	ev.Sequence = 0
	return r.publish(ctx, ev)
}

func (r *Router) publish(ctx context.Context, ev eventlog.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("fanout: encode event: %w", err)
	}
	if err := r.broker.Publish(ev.Topic.Subject(), data); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", ev.Topic, errs.Transient(err))
	}
	return nil
}

// Subscribers returns the number of local subscriptions on t.
func (r *Router) Subscribers(t topic.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry := r.topics[t]; entry != nil {
		return len(entry.subs)
	}
	return 0
}

// Close ends all subscriptions with ErrClosed and releases broker
// subscriptions.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	var subs []*Subscription
	for _, entry := range r.topics {
		for sub := range entry.subs {
			subs = append(subs, sub)
		}
	}
	for _, sub := range subs {
		r.removeLocked(sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close(ErrClosed)
	}
	log.Printf("[fanout] router closed, %d subscriptions ended", len(subs))
}

// handler decodes broker messages for t and offers them to local subscribers.
func (r *Router) handler(t topic.Topic) func([]byte) {
	return func(data []byte) {
		var ev eventlog.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[fanout] bad event on %s: %v", t, err)
			return
		}
		// Distinct topics may share a sanitized subject.
		if ev.Topic != t {
			return
		}

		r.mu.Lock()
		var subs []*Subscription
		if entry := r.topics[t]; entry != nil {
			subs = make([]*Subscription, 0, len(entry.subs))
			for sub := range entry.subs {
				subs = append(subs, sub)
			}
		}
		r.mu.Unlock()

		for _, sub := range subs {
			if !sub.offer(ev) {
				log.Printf("[fanout] dropping slow consumer conn=%s topic=%s", sub.connID, t)
				metrics.FanoutDrops.Inc()
				r.remove(sub, ErrSlowConsumer)
			}
		}
	}
}

func (r *Router) pump(ctx context.Context, sub *Subscription) {
	defer close(sub.out)
	defer func() { r.remove(sub, ctx.Err()) }()

	last := sub.since

	deliver := func(ev eventlog.Event, source string) bool {
		select {
		case sub.out <- ev:
			metrics.EventsDelivered.WithLabelValues(source).Inc()
			return true
		case <-sub.done:
			return false
		case <-ctx.Done():
			return false
		}
	}

	// backfill reads the log after last. With upTo > 0 it stops once the
	// subscriber has caught up to upTo.
	backfill := func(upTo uint64) error {
		for {
			page, err := r.store.ReadSince(ctx, sub.topic, last, r.config.BackfillPage)
			if err != nil {
				return err
			}
			for _, ev := range page {
				if ev.Sequence <= last {
					continue
				}
				if !deliver(ev, "backfill") {
					return errStopped
				}
				last = ev.Sequence
			}
			if len(page) < r.config.BackfillPage || (upTo > 0 && last >= upTo) {
				return nil
			}
		}
	}

	fail := func(err error) {
		if errors.Is(err, errStopped) || ctx.Err() != nil {
			return
		}
		log.Printf("[fanout] backfill conn=%s topic=%s: %v", sub.connID, sub.topic, err)
		r.remove(sub, err)
	}

	if err := backfill(0); err != nil {
		fail(err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case ev := <-sub.inbox:
			switch {
			case ev.Sequence == 0:
				if !deliver(ev, "ephemeral") {
					return
				}
			case ev.Sequence <= last:
				// duplicate
			case ev.Sequence > last+1:
				if err := backfill(ev.Sequence); err != nil {
					fail(err)
					return
				}
				if ev.Sequence > last {
					if !deliver(ev, "live") {
						return
					}
					last = ev.Sequence
				}
			default:
				if !deliver(ev, "live") {
					return
				}
				last = ev.Sequence
			}
		}
	}
}

func (r *Router) remove(sub *Subscription, reason error) {
	r.mu.Lock()
	r.removeLocked(sub)
	r.mu.Unlock()
	sub.close(reason)
}

// removeLocked detaches sub from the indexes and releases the broker
// subscription of its topic when it was the last local subscriber.
func (r *Router) removeLocked(sub *Subscription) {
	entry := r.topics[sub.topic]
	if entry == nil {
		return
	}
	if _, ok := entry.subs[sub]; !ok {
		return
	}
	delete(entry.subs, sub)
	metrics.SubscriptionsActive.Dec()

	if byTopic := r.conns[sub.connID]; byTopic[sub.topic] == sub {
		delete(byTopic, sub.topic)
		if len(byTopic) == 0 {
			delete(r.conns, sub.connID)
		}
	}

	if len(entry.subs) == 0 {
		delete(r.topics, sub.topic)
		if err := entry.unsubscribe(); err != nil {
			log.Printf("[fanout] broker unsubscribe %s: %v", sub.topic, err)
		}
	}
}

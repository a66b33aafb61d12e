// Package messaging provides the NATS client wrapper used to fan events out
// across service instances. Each topic maps to one subject (see
// topic.Topic.Subject); the wrapper tracks its subscriptions so that Close
// can drain them.
package messaging

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mystify/realtime/internal/metrics"
)

// SubjectTopicPrefix is the root of all topic subjects: topic.<kind>.<id>.
const SubjectTopicPrefix = "topic"

// ErrForeignSubject is returned for subjects outside SubjectTopicPrefix.
var ErrForeignSubject = errors.New("messaging: subject outside the topic namespace")

// NATSClient carries topic events between instances. It satisfies
// fanout.Broker.
type NATSClient struct {
	conn   *nats.Conn
	config NATSConfig
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	nextID uint64
}

// NATSConfig configures the connection and per-subscription buffering.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
	PendingMsgs   int           // per-subscription queue before NATS drops messages
	PendingBytes  int           // per-subscription byte budget
}

// DefaultNATSConfig targets a local server and reconnects forever.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		PendingMsgs:   65536,
		PendingBytes:  64 * 1024 * 1024,
	}
}

// NewNATSClient dials config.URL. Only the first connect can fail; later
// outages are retried in the background.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			// Dropped broker messages leave gaps the router repairs by backfill.
			if errors.Is(err, nats.ErrSlowConsumer) {
				metrics.BrokerSlowConsumers.Inc()
			}
			if sub != nil {
				log.Printf("[nats] async error on %s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		config: config,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// checkSubject accepts topic.<kind>.<id> subjects only.
func checkSubject(subject string) error {
	rest, ok := strings.CutPrefix(subject, SubjectTopicPrefix+".")
	if !ok || rest == "" || strings.ContainsAny(subject, " \t*>") {
		return fmt.Errorf("%w: %q", ErrForeignSubject, subject)
	}
	return nil
}

// Publish sends data to a topic subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := checkSubject(subject); err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for a topic subject. Several handlers may
// share a subject; each call returns its own unsubscribe function, which is
// safe to call more than once.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) (func() error, error) {
	if err := checkSubject(subject); err != nil {
		return nil, err
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	if c.config.PendingMsgs > 0 {
		if err := sub.SetPendingLimits(c.config.PendingMsgs, c.config.PendingBytes); err != nil {
			log.Printf("[nats] pending limits on %s: %v", subject, err)
		}
	}

	c.mu.Lock()
	c.nextID++
	key := subject + "#" + strconv.FormatUint(c.nextID, 10)
	c.subs[key] = sub
	c.mu.Unlock()

	return func() error { return c.unsubscribe(key) }, nil
}

// Close drains every subscription, then the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a single registration. Unknown keys
// are ignored so that repeated unsubscribes are harmless.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", key, err)
	}
	return nil
}

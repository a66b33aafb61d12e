package fanout

import (
	"sync"
)

// Broker carries encoded events between router instances. The NATS client
// in package messaging satisfies it for multi-node deployments; LocalBroker
// serves a single process.
type Broker interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
}

// LocalBroker is an in-process Broker. Publish invokes every handler of the
// subject synchronously.
type LocalBroker struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]func([]byte)
}

// NewLocalBroker creates an empty in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[string]map[uint64]func([]byte))}
}

// Publish implements Broker.
func (b *LocalBroker) Publish(subject string, data []byte) error {
	b.mu.RLock()
	hs := make([]func([]byte), 0, len(b.handlers[subject]))
	for _, h := range b.handlers[subject] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
	return nil
}

// Subscribe implements Broker.
func (b *LocalBroker) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[uint64]func([]byte))
	}
	b.handlers[subject][id] = handler

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[subject], id)
		if len(b.handlers[subject]) == 0 {
			delete(b.handlers, subject)
		}
		return nil
	}, nil
}

// Subjects returns the number of subjects with at least one handler.
func (b *LocalBroker) Subjects() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

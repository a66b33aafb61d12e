package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/topic"
)

// MemoryStore keeps the log in process memory. Each topic has its own mutex
// so appends to different topics never contend.
type MemoryStore struct {
	mu     sync.RWMutex
	topics map[topic.Topic]*topicLog
	byID   map[string]Event
	now    func() time.Time
}

type topicLog struct {
	mu     sync.Mutex
	events []Event
	dedupe map[string]Event // idempotency key -> stored event
}

// NewMemoryStore creates an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topics: make(map[topic.Topic]*topicLog),
		byID:   make(map[string]Event),
		now:    time.Now,
	}
}

func (s *MemoryStore) log(t topic.Topic, create bool) *topicLog {
	s.mu.RLock()
	tl, ok := s.topics[t]
	s.mu.RUnlock()
	if ok || !create {
		return tl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tl, ok = s.topics[t]; ok {
		return tl
	}
	tl = &topicLog{dedupe: make(map[string]Event)}
	s.topics[t] = tl
	return tl
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	if err := validate(req); err != nil {
		return AppendResult{}, err
	}

	tl := s.log(req.Topic, true)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if req.IdempotencyKey != "" {
		if existing, ok := tl.dedupe[req.IdempotencyKey]; ok {
			return AppendResult{Event: existing, Duplicate: true}, nil
		}
	}

	head := uint64(len(tl.events))
	if req.ExpectedSequence != nil && *req.ExpectedSequence != head {
		return AppendResult{}, fmt.Errorf("eventlog: append %s: head is %d, expected %d: %w",
			req.Topic, head, *req.ExpectedSequence, errs.ErrConflict)
	}

	ev := Event{
		ID:             uuid.New().String(),
		Topic:          req.Topic,
		Sequence:       head + 1,
		Kind:           req.Kind,
		ActorID:        req.ActorID,
		Payload:        append([]byte(nil), req.Payload...),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      s.now().UTC(),
	}
	tl.events = append(tl.events, ev)
	if req.IdempotencyKey != "" {
		tl.dedupe[req.IdempotencyKey] = ev
	}

	s.mu.Lock()
	s.byID[ev.ID] = ev
	s.mu.Unlock()

	return AppendResult{Event: ev}, nil
}

// ReadSince implements Store.
func (s *MemoryStore) ReadSince(ctx context.Context, t topic.Topic, since uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	tl := s.log(t, false)
	if tl == nil {
		return []Event{}, nil
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	if since >= uint64(len(tl.events)) {
		return []Event{}, nil
	}
	// Sequence n lives at index n-1, so events after `since` start at index `since`.
	end := since + uint64(limit)
	if end > uint64(len(tl.events)) {
		end = uint64(len(tl.events))
	}
	out := make([]Event, end-since)
	copy(out, tl.events[since:end])
	return out, nil
}

// Head implements Store.
func (s *MemoryStore) Head(ctx context.Context, t topic.Topic) (uint64, error) {
	tl := s.log(t, false)
	if tl == nil {
		return 0, nil
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return uint64(len(tl.events)), nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, eventID string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[eventID]
	if !ok {
		return Event{}, fmt.Errorf("eventlog: event %s: %w", eventID, errs.ErrNotFound)
	}
	return ev, nil
}

func validate(req AppendRequest) error {
	switch {
	case req.Topic.IsZero():
		return fmt.Errorf("eventlog: append: %w", errs.Reject(errs.ReasonInvalidPayload, "missing topic"))
	case !req.Kind.Valid() || req.Kind == KindTyping:
		return fmt.Errorf("eventlog: append: %w", errs.Reject(errs.ReasonInvalidPayload, "kind %q cannot be logged", req.Kind))
	case req.ActorID == "":
		return fmt.Errorf("eventlog: append: %w", errs.Reject(errs.ReasonInvalidPayload, "missing actor"))
	}
	return nil
}

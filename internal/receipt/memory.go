package receipt

import (
	"context"
	"sync"
	"time"
)

type memoryReceipt struct {
	deliveredAt time.Time
	readBy      map[string]time.Time
}

// MemoryTracker is the in-process Tracker.
type MemoryTracker struct {
	mu        sync.Mutex
	receipts  map[string]*memoryReceipt
	reactions map[string]map[string]string
	now       func() time.Time
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		receipts:  make(map[string]*memoryReceipt),
		reactions: make(map[string]map[string]string),
		now:       time.Now,
	}
}

func (t *MemoryTracker) receiptLocked(eventID string) *memoryReceipt {
	r := t.receipts[eventID]
	if r == nil {
		r = &memoryReceipt{readBy: make(map[string]time.Time)}
		t.receipts[eventID] = r
	}
	return r
}

// MarkDelivered implements Tracker.
func (t *MemoryTracker) MarkDelivered(_ context.Context, eventID string) error {
	if err := validateEvent(eventID); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiptLocked(eventID).deliveredAt = t.now().UTC()
	return nil
}

// MarkRead implements Tracker.
func (t *MemoryTracker) MarkRead(_ context.Context, userID string, eventIDs []string) error {
	if err := validateRead(userID, eventIDs); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	at := t.now().UTC()
	for _, id := range eventIDs {
		r := t.receiptLocked(id)
		r.readBy[userID] = at
		if r.deliveredAt.IsZero() {
			r.deliveredAt = at
		}
	}
	return nil
}

// Status implements Tracker.
func (t *MemoryTracker) Status(_ context.Context, eventID string) (Receipt, error) {
	if err := validateEvent(eventID); err != nil {
		return Receipt{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Receipt{EventID: eventID, ReadBy: make(map[string]time.Time)}
	r, ok := t.receipts[eventID]
	if !ok {
		return out, nil
	}
	out.Delivered = !r.deliveredAt.IsZero()
	out.DeliveredAt = r.deliveredAt
	for user, at := range r.readBy {
		out.ReadBy[user] = at
	}
	return out, nil
}

// React implements Tracker.
func (t *MemoryTracker) React(_ context.Context, eventID, userID, emoji string) (bool, error) {
	if err := ValidateReaction(eventID, userID, emoji); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	byUser := t.reactions[eventID]
	if byUser == nil {
		byUser = make(map[string]string)
		t.reactions[eventID] = byUser
	}
	if byUser[userID] == emoji {
		delete(byUser, userID)
		return false, nil
	}
	byUser[userID] = emoji
	return true, nil
}

// Reactions implements Tracker.
func (t *MemoryTracker) Reactions(_ context.Context, eventID string) (Reactions, error) {
	if err := validateEvent(eventID); err != nil {
		return Reactions{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	byUser := make(map[string]string, len(t.reactions[eventID]))
	for user, emoji := range t.reactions[eventID] {
		byUser[user] = emoji
	}
	return newReactions(eventID, byUser), nil
}

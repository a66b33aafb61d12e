package receipt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mystify/realtime/internal/errs"
)

const (
	ReceiptPrefix  = "receipt:"
	ReactionPrefix = "reactions:"
	ReceiptTTL     = 30 * 24 * time.Hour

	deliveredField = "delivered_at"
	readPrefix     = "read:"
)

// RedisTracker keeps receipts and reactions in Redis hashes:
//
//	receipt:<event>    delivered_at -> unix ms, read:<user> -> unix ms
//	reactions:<event>  user -> emoji
type RedisTracker struct {
	rdb         *redis.Client
	toggleReact *redis.Script
	now         func() time.Time
}

// NewRedisTracker creates a tracker backed by Redis.
func NewRedisTracker(rdb *redis.Client) *RedisTracker {
	return &RedisTracker{
		rdb:         rdb,
		toggleReact: redis.NewScript(toggleReactionLua),
		now:         time.Now,
	}
}

// MarkDelivered implements Tracker.
func (t *RedisTracker) MarkDelivered(ctx context.Context, eventID string) error {
	if err := validateEvent(eventID); err != nil {
		return err
	}
	key := ReceiptPrefix + eventID
	pipe := t.rdb.Pipeline()
	pipe.HSet(ctx, key, deliveredField, t.now().UnixMilli())
	pipe.Expire(ctx, key, ReceiptTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("receipt: mark delivered: %w", errs.Transient(err))
	}
	return nil
}

// MarkRead implements Tracker.
func (t *RedisTracker) MarkRead(ctx context.Context, userID string, eventIDs []string) error {
	if err := validateRead(userID, eventIDs); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}
	at := t.now().UnixMilli()
	pipe := t.rdb.Pipeline()
	for _, id := range eventIDs {
		key := ReceiptPrefix + id
		pipe.HSet(ctx, key, readPrefix+userID, at)
		pipe.HSetNX(ctx, key, deliveredField, at)
		pipe.Expire(ctx, key, ReceiptTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("receipt: mark read: %w", errs.Transient(err))
	}
	return nil
}

// Status implements Tracker. Unknown events report as undelivered.
func (t *RedisTracker) Status(ctx context.Context, eventID string) (Receipt, error) {
	if err := validateEvent(eventID); err != nil {
		return Receipt{}, err
	}
	fields, err := t.rdb.HGetAll(ctx, ReceiptPrefix+eventID).Result()
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt: status: %w", errs.Transient(err))
	}

	r := Receipt{EventID: eventID, ReadBy: make(map[string]time.Time)}
	for field, value := range fields {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case field == deliveredField:
			r.Delivered = true
			r.DeliveredAt = time.UnixMilli(ms).UTC()
		case strings.HasPrefix(field, readPrefix):
			r.ReadBy[strings.TrimPrefix(field, readPrefix)] = time.UnixMilli(ms).UTC()
		}
	}
	return r, nil
}

// React implements Tracker.
func (t *RedisTracker) React(ctx context.Context, eventID, userID, emoji string) (bool, error) {
	if err := ValidateReaction(eventID, userID, emoji); err != nil {
		return false, err
	}
	set, err := t.toggleReact.Run(ctx, t.rdb, []string{ReactionPrefix + eventID},
		userID, emoji, int(ReceiptTTL/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("receipt: react: %w", errs.Transient(err))
	}
	return set == 1, nil
}

// Reactions implements Tracker.
func (t *RedisTracker) Reactions(ctx context.Context, eventID string) (Reactions, error) {
	if err := validateEvent(eventID); err != nil {
		return Reactions{}, err
	}
	byUser, err := t.rdb.HGetAll(ctx, ReactionPrefix+eventID).Result()
	if err != nil {
		return Reactions{}, fmt.Errorf("receipt: reactions: %w", errs.Transient(err))
	}
	return newReactions(eventID, byUser), nil
}

// toggleReactionLua sets or clears one user's reaction. Returns:
//
//	1 = reaction set (new or replaced)
//	0 = reaction removed
const toggleReactionLua = `
local key = KEYS[1]
local user_id = ARGV[1]
local emoji = ARGV[2]

if redis.call('HGET', key, user_id) == emoji then
    redis.call('HDEL', key, user_id)
    return 0
end

redis.call('HSET', key, user_id, emoji)
redis.call('EXPIRE', key, tonumber(ARGV[3]))
return 1
`

// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Each client action (append, move, typing, connect) has its
// own rule keyed by user id or remote address.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one limit: at most Limit hits per Window, counted under Key+id.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleAppend allows 20 appended events per 10 seconds per user.
	RuleAppend = Rule{Key: "rl:append:", Limit: 20, Window: 10 * time.Second}

	// RuleMove allows 30 game moves per 10 seconds per user. Tap race
	// batches taps, so this stays well above human play.
	RuleMove = Rule{Key: "rl:move:", Limit: 30, Window: 10 * time.Second}

	// RuleTyping allows 30 typing signals per 10 seconds per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket connections per minute per user.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// Checker is what callers depend on; *Limiter and Noop satisfy it.
type Checker interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// Noop allows everything.
type Noop struct{}

// Allow implements Checker.
func (Noop) Allow(context.Context, string, Rule) (bool, error) { return true, nil }

// incrWindowLua counts a hit and opens the window on the first one, in one
// round trip so a key can never be left without a TTL.
const incrWindowLua = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`

// Limiter counts hits per identifier in fixed Redis windows.
type Limiter struct {
	client *redis.Client
	incr   *redis.Script
}

// NewLimiter creates a Limiter on client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, incr: redis.NewScript(incrWindowLua)}
}

// Allow counts one hit for identifier under rule and reports whether it is
// within the limit. Redis errors fail open: the hit is allowed and the error
// returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	count, err := l.incr.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		log.Printf("[ratelimit] count key=%s: %v (failing open)", key, err)
		return true, err
	}
	return count <= int64(rule.Limit), nil
}

// Remaining returns how many requests the identifier has left in the current
// window. A missing key means the full limit; Redis errors fail open.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] remaining key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The relay applies one rule per inbound event kind, keyed by
// the authenticated user so that a user's limit is shared across all of
// their connections.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-relay/internal/protocol"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:send:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSend allows 20 messages per 10 seconds per user.
	RuleSend = Rule{Key: "rl:send:", Limit: 20, Window: 10 * time.Second}

	// RuleTyping allows 30 typing starts per 10 seconds per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	// RuleRead allows 120 read receipts per 10 seconds per user. Clients
	// mark whole backlogs read when a chat is opened.
	RuleRead = Rule{Key: "rl:read:", Limit: 120, Window: 10 * time.Second}
)

// RuleFor returns the rule guarding an inbound event type. Events without a
// rule (authenticate, ping, typing_stop) are never limited; a dropped stop
// would leave peers showing a typing indicator until it expires.
func RuleFor(eventType string) (Rule, bool) {
	switch eventType {
	case protocol.TypeSendMessage:
		return RuleSend, true
	case protocol.TypeTypingStart:
		return RuleTyping, true
	case protocol.TypeMarkRead:
		return RuleRead, true
	}
	return Rule{}, false
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// When the request is limited, retryAfter is the time left in the current
// window. On Redis errors the method fails open (returns true) so that a
// Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (allowed bool, retryAfter time.Duration, err error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, 0, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, 0, err
		}
	}

	if int(count) <= rule.Limit {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = rule.Window
	}
	return false, ttl, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

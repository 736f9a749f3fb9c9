// Package cache decorates a store.Store with a Redis read-through cache for
// chat participant lists, the lookup every send, typing and read receipt
// performs. Membership changes made through the decorator invalidate the
// cached set. Redis failures fall through to the underlying store.
package cache

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/store"
)

// ParticipantsPrefix is the key prefix for cached participant sets.
const ParticipantsPrefix = "chat:participants:"

// DefaultTTL bounds how long a cached set may lag membership changes made by
// another process.
const DefaultTTL = 5 * time.Minute

var _ store.Store = (*Store)(nil)

// Store wraps a store.Store. Every method not overridden here is served by
// the wrapped store directly.
type Store struct {
	store.Store
	client *redis.Client
	ttl    time.Duration
}

// New returns a caching decorator around next.
func New(next store.Store, client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{Store: next, client: client, ttl: ttl}
}

func key(chatID string) string { return ParticipantsPrefix + chatID }

// GetChatParticipants serves the participant set from Redis, loading and
// filling it on a miss.
func (s *Store) GetChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, key(chatID)).Result()
	if err != nil {
		log.Printf("[cache] SMEMBERS %s: %v (falling through)", chatID, err)
	} else if len(ids) > 0 {
		return chat.NormalizeMembers(ids...), nil
	}

	ids, err = s.Store.GetChatParticipants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, chatID, ids)
	return ids, nil
}

func (s *Store) fill(ctx context.Context, chatID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key(chatID))
	pipe.SAdd(ctx, key(chatID), members...)
	pipe.Expire(ctx, key(chatID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[cache] fill %s: %v", chatID, err)
	}
}

// Invalidate drops the cached participant set for chatID.
func (s *Store) Invalidate(ctx context.Context, chatID string) {
	if err := s.client.Del(ctx, key(chatID)).Err(); err != nil {
		log.Printf("[cache] invalidate %s: %v", chatID, err)
	}
}

func (s *Store) AddParticipant(ctx context.Context, chatID, actorID, userID string) (*chat.Chat, error) {
	c, err := s.Store.AddParticipant(ctx, chatID, actorID, userID)
	if err == nil {
		s.Invalidate(ctx, chatID)
	}
	return c, err
}

func (s *Store) RemoveParticipant(ctx context.Context, chatID, actorID, userID string) (*chat.Chat, error) {
	c, err := s.Store.RemoveParticipant(ctx, chatID, actorID, userID)
	if err == nil {
		s.Invalidate(ctx, chatID)
	}
	return c, err
}

// Close closes the wrapped store. The Redis client is owned by the caller.
func (s *Store) Close() error {
	return s.Store.Close()
}

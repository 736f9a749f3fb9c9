package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix keys the set of session IDs held by a user.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis. Heartbeats
	// refresh it, so only sessions of a crashed server age out.
	SessionTTL = 1 * time.Hour
)

// Record is the mirrored view of a connection stored in Redis.
type Record struct {
	ID         string `redis:"id"`
	State      string `redis:"state"`       // unauthenticated | authenticated
	UserID     string `redis:"user_id"`     // empty until authenticated
	Server     string `redis:"server"`      // which relay instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store mirrors session state in Redis. It is informational only; presence
// decisions are made from the in-process registry.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// Create records a new unauthenticated session.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"state":       StateUnauthenticated.String(),
		"user_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Authenticate marks the session authenticated as userID and indexes it
// under the user.
func (s *Store) Authenticate(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	userKey := UserSessionsPrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "state", StateAuthenticated.String(), "user_id", userID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, sessionID)
	pipe.Expire(ctx, userKey, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, nil
	}
	return &rec, nil
}

// SessionsForUser lists the mirrored session IDs of userID across servers.
func (s *Store) SessionsForUser(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, UserSessionsPrefix+userID).Result()
}

// Touch refreshes the session's last-active time and TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session and its user index entry.
func (s *Store) Delete(ctx context.Context, sessionID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	if userID != "" {
		pipe.SRem(ctx, UserSessionsPrefix+userID, sessionID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/store"
	"github.com/whisper/chat-relay/internal/store/memory"
)

// countingStore counts participant lookups that reach the backing store.
type countingStore struct {
	store.Store
	lookups int
}

func (c *countingStore) GetChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	c.lookups++
	return c.Store.GetChatParticipants(ctx, chatID)
}

// newTestCache requires a running Redis on localhost:6379.
func newTestCache(t *testing.T) (*Store, *countingStore, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	backing := &countingStore{Store: memory.New()}
	t.Cleanup(func() { client.Close() })
	return New(backing, client, time.Minute), backing, client
}

func TestParticipantsAreCached(t *testing.T) {
	s, backing, client := newTestCache(t)
	ctx := context.Background()

	admin, _ := s.CreateUser(ctx, "admin", "admin@example.com", "")
	b, _ := s.CreateUser(ctx, "b", "b@example.com", "")
	c, _ := s.CreateUser(ctx, "c", "c@example.com", "")
	g, err := s.CreateGroupChat(ctx, "team", admin.ID, []string{b.ID})
	if err != nil {
		t.Fatalf("CreateGroupChat: %v", err)
	}
	t.Cleanup(func() { client.Del(ctx, key(g.ID)) })

	for i := 0; i < 3; i++ {
		ids, err := s.GetChatParticipants(ctx, g.ID)
		if err != nil || len(ids) != 2 {
			t.Fatalf("lookup #%d = %v, %v", i, ids, err)
		}
	}
	if backing.lookups != 1 {
		t.Fatalf("backing lookups = %d, want 1", backing.lookups)
	}

	if _, err := s.AddParticipant(ctx, g.ID, admin.ID, c.ID); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	ids, _ := s.GetChatParticipants(ctx, g.ID)
	if len(ids) != 3 {
		t.Fatalf("after add participants = %v", ids)
	}
	if backing.lookups != 2 {
		t.Fatalf("backing lookups after invalidate = %d, want 2", backing.lookups)
	}
}

func TestMissingChatIsNotCached(t *testing.T) {
	s, _, _ := newTestCache(t)

	_, err := s.GetChatParticipants(context.Background(), "missing-chat")
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisDownFallsThrough(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	backing := &countingStore{Store: memory.New()}
	s := New(backing, client, time.Minute)
	ctx := context.Background()

	a, _ := s.CreateUser(ctx, "a", "a@example.com", "")
	b, _ := s.CreateUser(ctx, "b", "b@example.com", "")
	d, _, err := s.FindOrCreateDirectChat(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("FindOrCreateDirectChat: %v", err)
	}

	ids, err := s.GetChatParticipants(ctx, d.ID)
	if err != nil || len(ids) != 2 {
		t.Fatalf("GetChatParticipants = %v, %v", ids, err)
	}
}

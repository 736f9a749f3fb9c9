package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/whisper/chat-relay/internal/chat"
)

// newTestStore connects to the database named by RELAY_TEST_DATABASE_URL,
// applies migrations and returns a Store. Tests are skipped when the
// variable is unset or the database is unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("postgres not available: RELAY_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Open(ctx, DefaultConfig(dsn))
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(dsn); err != nil {
		s.Close()
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func uniqueUser(t *testing.T, s *Store, name string) *chat.User {
	t.Helper()
	email := fmt.Sprintf("%s-%d@test.local", name, time.Now().UnixNano())
	u, err := s.CreateUser(context.Background(), name, email, "")
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return u
}

func TestMessageLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := uniqueUser(t, s, "alice")
	b := uniqueUser(t, s, "bob")

	c, created, err := s.FindOrCreateDirectChat(ctx, a.ID, b.ID)
	if err != nil || !created {
		t.Fatalf("FindOrCreateDirectChat: created=%v err=%v", created, err)
	}
	again, created, err := s.FindOrCreateDirectChat(ctx, b.ID, a.ID)
	if err != nil || created || again.ID != c.ID {
		t.Fatalf("second FindOrCreateDirectChat: id=%v created=%v err=%v", again, created, err)
	}

	ids, err := s.GetChatParticipants(ctx, c.ID)
	if err != nil || len(ids) != 2 {
		t.Fatalf("GetChatParticipants = %v, %v", ids, err)
	}

	m, err := s.AppendMessage(ctx, c.ID, a.ID, "hello")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.SetLatestMessage(ctx, c.ID, m.ID); err != nil {
		t.Fatalf("SetLatestMessage: %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := s.AddReader(ctx, m.ID, b.ID)
		if err != nil {
			t.Fatalf("AddReader #%d: %v", i, err)
		}
		if len(got.ReadBy) != 1 || got.ReadBy[0] != b.ID {
			t.Fatalf("AddReader #%d: read_by = %v", i, got.ReadBy)
		}
	}

	pm, err := s.GetPopulatedMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetPopulatedMessage: %v", err)
	}
	if pm.Sender.DisplayName != "alice" || len(pm.ReadBy) != 1 || pm.ReadBy[0].DisplayName != "bob" {
		t.Fatalf("populated = %+v", pm)
	}

	msgs, err := s.ListMessages(ctx, c.ID, 1, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListMessages = %v, %v", msgs, err)
	}
}

func TestNotFoundMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetChatParticipants(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("missing chat: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetMessage(ctx, "not-a-uuid"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("malformed id: expected ErrNotFound, got %v", err)
	}
}

func TestGroupAdminRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	admin := uniqueUser(t, s, "admin")
	b := uniqueUser(t, s, "b")
	c := uniqueUser(t, s, "c")

	g, err := s.CreateGroupChat(ctx, "team", admin.ID, []string{b.ID})
	if err != nil {
		t.Fatalf("CreateGroupChat: %v", err)
	}
	if _, err := s.AddParticipant(ctx, g.ID, b.ID, c.ID); !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("non-admin add: expected ErrForbidden, got %v", err)
	}
	if g, err = s.AddParticipant(ctx, g.ID, admin.ID, c.ID); err != nil || !g.IsParticipant(c.ID) {
		t.Fatalf("admin add: %v %v", g, err)
	}
	if g, err = s.RemoveParticipant(ctx, g.ID, admin.ID, c.ID); err != nil || g.IsParticipant(c.ID) {
		t.Fatalf("admin remove: %v %v", g, err)
	}
	if _, err := s.RemoveParticipant(ctx, g.ID, admin.ID, b.ID); !errors.Is(err, chat.ErrInvalidChat) {
		t.Fatalf("remove below two: expected ErrInvalidChat, got %v", err)
	}
}

func TestHistoryPagesAndUserChats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := uniqueUser(t, s, "alice")
	b := uniqueUser(t, s, "bob")
	c, _, err := s.FindOrCreateDirectChat(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("FindOrCreateDirectChat: %v", err)
	}

	var last *chat.Message
	for _, body := range []string{"1", "2", "3"} {
		if last, err = s.AppendMessage(ctx, c.ID, a.ID, body); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	if err := s.SetLatestMessage(ctx, c.ID, last.ID); err != nil {
		t.Fatalf("SetLatestMessage: %v", err)
	}

	page1, err := s.ListMessages(ctx, c.ID, 1, 2)
	if err != nil || len(page1) != 2 || page1[0].Content != "2" || page1[1].Content != "3" {
		t.Fatalf("page 1 = %v, %v", page1, err)
	}
	page2, err := s.ListMessages(ctx, c.ID, 2, 2)
	if err != nil || len(page2) != 1 || page2[0].Content != "1" {
		t.Fatalf("page 2 = %v, %v", page2, err)
	}

	chats, err := s.ListUserChats(ctx, b.ID)
	if err != nil || len(chats) != 1 {
		t.Fatalf("ListUserChats = %v, %v", chats, err)
	}
	if len(chats[0].Participants) != 2 || chats[0].LatestMessage == nil || chats[0].LatestMessage.Content != "3" {
		t.Fatalf("summary = %+v", chats[0])
	}
}

func TestProfileAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := uniqueUser(t, s, "carol")

	name := fmt.Sprintf("Carol_%d", time.Now().UnixNano())
	updated, err := s.UpdateProfile(ctx, u.ID, name, "https://img/c.png")
	if err != nil || updated.Username != name || updated.Avatar != "https://img/c.png" {
		t.Fatalf("UpdateProfile = %+v, %v", updated, err)
	}
	if _, err := s.UpdateProfile(ctx, "00000000-0000-0000-0000-000000000000", "x", ""); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("missing user: expected ErrNotFound, got %v", err)
	}

	found, err := s.SearchUsers(ctx, name[len("Carol"):], 10)
	if err != nil || len(found) != 1 || found[0].ID != u.ID {
		t.Fatalf("SearchUsers literal underscore = %+v, %v", found, err)
	}
	found, err = s.SearchUsers(ctx, "CAROL_", 10)
	if err != nil || len(found) == 0 {
		t.Fatalf("SearchUsers case-insensitive = %+v, %v", found, err)
	}
}

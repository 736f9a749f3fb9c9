// Package memory is an in-process implementation of store.Store. It backs
// the relay's tests and single-node development runs where no database is
// configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps every record in maps guarded by a single RWMutex. Returned
// values are copies; callers can never mutate stored state.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*chat.User
	emails   map[string]string // lower(email) -> user_id
	chats    map[string]*chat.Chat
	direct   map[string]string // direct key -> chat_id
	messages map[string]*chat.Message
	byChat   map[string][]string // chat_id -> message ids in insert order
	now      func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]*chat.User),
		emails:   make(map[string]string),
		chats:    make(map[string]*chat.Chat),
		direct:   make(map[string]string),
		messages: make(map[string]*chat.Message),
		byChat:   make(map[string][]string),
		now:      time.Now,
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ---------------------------------------------------------------------------
// Core
// ---------------------------------------------------------------------------

func (s *Store) AppendMessage(_ context.Context, chatID, senderID, content string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, notFound("append message", "chat", chatID)
	}
	if _, ok := s.users[senderID]; !ok {
		return nil, notFound("append message", "user", senderID)
	}

	m := &chat.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	s.messages[m.ID] = m
	s.byChat[chatID] = append(s.byChat[chatID], m.ID)
	return copyMessage(m), nil
}

func (s *Store) SetLatestMessage(_ context.Context, chatID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return notFound("set latest message", "chat", chatID)
	}
	if m, ok := s.messages[messageID]; !ok || m.ChatID != chatID {
		return notFound("set latest message", "message", messageID)
	}
	c.LatestMessageID = messageID
	c.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) GetChatParticipants(_ context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, notFound("get participants", "chat", chatID)
	}
	return append([]string(nil), c.Participants...), nil
}

func (s *Store) GetMessage(_ context.Context, messageID string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, notFound("get message", "message", messageID)
	}
	return copyMessage(m), nil
}

func (s *Store) AddReader(_ context.Context, messageID, userID string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, notFound("add reader", "message", messageID)
	}
	if _, ok := s.users[userID]; !ok {
		return nil, notFound("add reader", "user", userID)
	}
	for _, id := range m.ReadBy {
		if id == userID {
			return copyMessage(m), nil
		}
	}
	m.ReadBy = append(m.ReadBy, userID)
	return copyMessage(m), nil
}

func (s *Store) GetPopulatedMessage(_ context.Context, messageID string) (*chat.PopulatedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, notFound("get populated message", "message", messageID)
	}
	return chat.Populate(m, func(id string) (*chat.User, bool) {
		u, ok := s.users[id]
		return u, ok
	}), nil
}

func (s *Store) SetUserStatus(_ context.Context, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return notFound("set user status", "user", userID)
	}
	u.IsOnline = online
	u.LastActive = s.now().UTC()
	return nil
}

// ---------------------------------------------------------------------------
// Management
// ---------------------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, username, email, avatar string) (*chat.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || email == "" {
		return nil, fmt.Errorf("store: create user: %w: username and email are required", chat.ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.emails[email]; taken {
		return nil, fmt.Errorf("store: create user: %w: email %q already registered", chat.ErrConflict, email)
	}
	now := s.now().UTC()
	u := &chat.User{
		ID:         uuid.NewString(),
		Username:   username,
		Email:      email,
		Avatar:     avatar,
		LastActive: now,
		CreatedAt:  now,
	}
	s.users[u.ID] = u
	s.emails[email] = u.ID
	cp := *u
	return &cp, nil
}

func (s *Store) GetUser(_ context.Context, userID string) (*chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, notFound("get user", "user", userID)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UpdateProfile(_ context.Context, userID, username, avatar string) (*chat.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("store: update profile: %w: username is required", chat.ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, notFound("update profile", "user", userID)
	}
	u.Username = username
	u.Avatar = avatar
	cp := *u
	return &cp, nil
}

func (s *Store) SearchUsers(_ context.Context, term string, limit int) ([]*chat.User, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return []*chat.User{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*chat.User{}
	for _, u := range s.users {
		if strings.Contains(strings.ToLower(u.Username), term) || strings.Contains(u.Email, term) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindOrCreateDirectChat(_ context.Context, a, b string) (*chat.Chat, bool, error) {
	if a == b {
		return nil, false, fmt.Errorf("store: direct chat: %w: participants must differ", chat.ErrInvalidChat)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range []string{a, b} {
		if _, ok := s.users[id]; !ok {
			return nil, false, notFound("direct chat", "user", id)
		}
	}

	key := chat.DirectKey(a, b)
	if id, ok := s.direct[key]; ok {
		return copyChat(s.chats[id]), false, nil
	}

	now := s.now().UTC()
	c := &chat.Chat{
		ID:           uuid.NewString(),
		Kind:         chat.KindDirect,
		Participants: chat.NormalizeMembers(a, b),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.chats[c.ID] = c
	s.direct[key] = c.ID
	return copyChat(c), true, nil
}

func (s *Store) CreateGroupChat(_ context.Context, name, adminID string, members []string) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	c := &chat.Chat{
		ID:           uuid.NewString(),
		Kind:         chat.KindGroup,
		Name:         strings.TrimSpace(name),
		AdminID:      adminID,
		Participants: chat.NormalizeMembers(append(members, adminID)...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("store: create group: %w", err)
	}
	for _, id := range c.Participants {
		if _, ok := s.users[id]; !ok {
			return nil, notFound("create group", "user", id)
		}
	}
	s.chats[c.ID] = c
	return copyChat(c), nil
}

func (s *Store) AddParticipant(_ context.Context, chatID, actorID, userID string) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.adminGroupLocked("add participant", chatID, actorID)
	if err != nil {
		return nil, err
	}
	if _, ok := s.users[userID]; !ok {
		return nil, notFound("add participant", "user", userID)
	}
	if !c.IsParticipant(userID) {
		c.Participants = chat.NormalizeMembers(append(c.Participants, userID)...)
		c.UpdatedAt = s.now().UTC()
	}
	return copyChat(c), nil
}

func (s *Store) RemoveParticipant(_ context.Context, chatID, actorID, userID string) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.adminGroupLocked("remove participant", chatID, actorID)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(userID) {
		return copyChat(c), nil
	}

	next := *c
	next.Participants = make([]string, 0, len(c.Participants)-1)
	for _, id := range c.Participants {
		if id != userID {
			next.Participants = append(next.Participants, id)
		}
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("store: remove participant: %w", err)
	}
	c.Participants = next.Participants
	c.UpdatedAt = s.now().UTC()
	return copyChat(c), nil
}

func (s *Store) GetChat(_ context.Context, chatID string) (*chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, notFound("get chat", "chat", chatID)
	}
	return copyChat(c), nil
}

func (s *Store) ListUserChats(_ context.Context, userID string) ([]*chat.ChatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID]; !ok {
		return nil, notFound("list user chats", "user", userID)
	}
	lookup := func(id string) (*chat.User, bool) {
		u, ok := s.users[id]
		return u, ok
	}

	var out []*chat.ChatSummary
	for _, c := range s.chats {
		if !c.IsParticipant(userID) {
			continue
		}
		sum := &chat.ChatSummary{Chat: *copyChat(c)}
		if m, ok := s.messages[c.LatestMessageID]; ok {
			sum.LatestMessage = chat.Populate(m, lookup)
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListMessages(_ context.Context, chatID string, page, limit int) ([]*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, notFound("list messages", "chat", chatID)
	}
	_, limit, skip := store.PageBounds(page, limit)
	ids := s.byChat[chatID]
	end := len(ids) - skip
	if end <= 0 {
		return []*chat.Message{}, nil
	}
	ids = ids[max(0, end-limit):end]

	out := make([]*chat.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyMessage(s.messages[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// adminGroupLocked resolves chatID and checks it is a group administered by
// actorID. s.mu must be held.
func (s *Store) adminGroupLocked(op, chatID, actorID string) (*chat.Chat, error) {
	c, ok := s.chats[chatID]
	if !ok {
		return nil, notFound(op, "chat", chatID)
	}
	if c.Kind != chat.KindGroup {
		return nil, fmt.Errorf("store: %s: %w: chat %s is not a group", op, chat.ErrInvalidChat, chatID)
	}
	if c.AdminID != actorID {
		return nil, fmt.Errorf("store: %s: %w: only the group admin may change membership", op, chat.ErrForbidden)
	}
	return c, nil
}

func notFound(op, kind, id string) error {
	return fmt.Errorf("store: %s: %s %s: %w", op, kind, id, chat.ErrNotFound)
}

func copyMessage(m *chat.Message) *chat.Message {
	cp := *m
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	return &cp
}

func copyChat(c *chat.Chat) *chat.Chat {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return &cp
}

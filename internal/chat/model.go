// Package chat holds the durable conversation model shared by the relay and
// the store implementations: users, direct and group chats, messages and the
// populated message view that is broadcast to clients.
package chat

import (
	"sort"
	"time"
)

// Kind discriminates the two chat shapes.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// User is a registered account.
type User struct {
	ID         string
	Username   string
	Email      string
	Avatar     string
	IsOnline   bool
	LastActive time.Time
	CreatedAt  time.Time
}

// Summary returns the display subset of the user.
func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, DisplayName: u.Username, Avatar: u.Avatar}
}

// UserSummary is the part of a user that is embedded in broadcast events.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

// Chat is either a direct chat (two participants, no admin, no name) or a
// group chat (named, one admin, two or more participants).
type Chat struct {
	ID              string
	Kind            Kind
	Name            string // empty for direct chats
	AdminID         string // empty for direct chats
	Participants    []string
	LatestMessageID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsParticipant reports whether userID is a member of the chat.
func (c *Chat) IsParticipant(userID string) bool {
	return containsID(c.Participants, userID)
}

// Validate checks the direct/group shape invariant.
func (c *Chat) Validate() error {
	switch c.Kind {
	case KindDirect:
		if len(c.Participants) != 2 || c.Participants[0] == c.Participants[1] {
			return ErrInvalidChat
		}
		if c.AdminID != "" || c.Name != "" {
			return ErrInvalidChat
		}
	case KindGroup:
		if c.Name == "" || c.AdminID == "" || len(c.Participants) < 2 {
			return ErrInvalidChat
		}
		if !c.IsParticipant(c.AdminID) {
			return ErrInvalidChat
		}
	default:
		return ErrInvalidChat
	}
	return nil
}

// DirectKey returns the order-independent key identifying the direct chat
// between a and b. Stores use it to keep one direct chat per pair.
func DirectKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// ChatSummary is a chat as listed for one of its members, carrying its
// latest message when it has one.
type ChatSummary struct {
	Chat
	LatestMessage *PopulatedMessage `json:",omitempty"`
}

// Message is a single chat message. Content is immutable once written; only
// ReadBy grows.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	CreatedAt time.Time
	ReadBy    []string
}

// PopulatedMessage is a message with the sender and readers resolved to
// summaries, in the shape clients render.
type PopulatedMessage struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chat_id"`
	Sender    UserSummary   `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	ReadBy    []UserSummary `json:"read_by"`
}

// Populate builds the populated view of m from a user lookup. Unknown users
// degrade to a summary carrying only the ID.
func Populate(m *Message, lookup func(id string) (*User, bool)) *PopulatedMessage {
	summary := func(id string) UserSummary {
		if u, ok := lookup(id); ok {
			return u.Summary()
		}
		return UserSummary{ID: id}
	}

	pm := &PopulatedMessage{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Sender:    summary(m.SenderID),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		ReadBy:    make([]UserSummary, 0, len(m.ReadBy)),
	}
	for _, id := range m.ReadBy {
		pm.ReadBy = append(pm.ReadBy, summary(id))
	}
	return pm
}

// NormalizeMembers returns ids with duplicates and empty values removed,
// sorted for stable storage.
func NormalizeMembers(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

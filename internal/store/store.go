// Package store defines the durable store contract for users, chats and
// messages. Implementations live in subpackages: postgres for production,
// memory for tests and single-process development, and cache for the Redis
// participant cache that decorates either of them.
//
// Every error returned by an implementation wraps one of chat.ErrNotFound,
// chat.ErrForbidden, chat.ErrInvalidChat, chat.ErrConflict or
// chat.ErrPersistence.
package store

import (
	"context"

	"github.com/whisper/chat-relay/internal/chat"
)

// DefaultPageSize is the history page size used when a caller passes none.
const DefaultPageSize = 50

// PageBounds normalizes page and limit and returns the number of newest
// messages to skip.
func PageBounds(page, limit int) (p, l, skip int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	return page, limit, (page - 1) * limit
}

// Core is the part of the store the real-time relay depends on.
type Core interface {
	// AppendMessage durably writes a new message.
	AppendMessage(ctx context.Context, chatID, senderID, content string) (*chat.Message, error)

	// SetLatestMessage moves the chat's latest-message pointer.
	SetLatestMessage(ctx context.Context, chatID, messageID string) error

	// GetChatParticipants returns the chat's member IDs, or ErrNotFound.
	GetChatParticipants(ctx context.Context, chatID string) ([]string, error)

	// GetMessage returns a message with its read-by set.
	GetMessage(ctx context.Context, messageID string) (*chat.Message, error)

	// AddReader adds userID to the message's read-by set if absent and
	// returns the updated message.
	AddReader(ctx context.Context, messageID, userID string) (*chat.Message, error)

	// GetPopulatedMessage returns the message with sender and readers
	// resolved to user summaries.
	GetPopulatedMessage(ctx context.Context, messageID string) (*chat.PopulatedMessage, error)

	// SetUserStatus records the user's online flag and last-active time.
	SetUserStatus(ctx context.Context, userID string, online bool) error
}

// Management covers account and chat administration.
type Management interface {
	CreateUser(ctx context.Context, username, email, avatar string) (*chat.User, error)
	GetUser(ctx context.Context, userID string) (*chat.User, error)

	// UpdateProfile replaces the user's display name and avatar.
	UpdateProfile(ctx context.Context, userID, username, avatar string) (*chat.User, error)

	// SearchUsers returns up to limit users whose username or email contains
	// term, ignoring case, ordered by username. An empty term matches nobody.
	SearchUsers(ctx context.Context, term string, limit int) ([]*chat.User, error)

	// FindOrCreateDirectChat returns the unique direct chat between a and b,
	// creating it on first use. created reports whether it was new.
	FindOrCreateDirectChat(ctx context.Context, a, b string) (c *chat.Chat, created bool, err error)

	// CreateGroupChat creates a named group administered by adminID. The
	// admin is always a member.
	CreateGroupChat(ctx context.Context, name, adminID string, members []string) (*chat.Chat, error)

	// AddParticipant and RemoveParticipant change group membership. Only
	// the group admin may call them; direct chats are rejected.
	AddParticipant(ctx context.Context, chatID, actorID, userID string) (*chat.Chat, error)
	RemoveParticipant(ctx context.Context, chatID, actorID, userID string) (*chat.Chat, error)

	GetChat(ctx context.Context, chatID string) (*chat.Chat, error)

	// ListUserChats returns every chat userID belongs to, most recently
	// updated first.
	ListUserChats(ctx context.Context, userID string) ([]*chat.ChatSummary, error)

	// ListMessages returns one page of history, oldest first within the
	// page. Page 1 holds the limit most recent messages, page 2 the limit
	// before those. page < 1 is treated as 1 and limit < 1 as
	// DefaultPageSize.
	ListMessages(ctx context.Context, chatID string, page, limit int) ([]*chat.Message, error)
}

// Store is a complete durable store.
type Store interface {
	Core
	Management
	Close() error
}

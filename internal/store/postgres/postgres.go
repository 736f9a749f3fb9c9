// Package postgres implements store.Store on PostgreSQL using lib/pq.
//
// Read receipts live in message_reads with a (message_id, user_id) primary
// key, so AddReader is naturally idempotent. Direct chats carry a unique
// direct_key so concurrent FindOrCreateDirectChat calls converge on one row.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db *sql.DB
}

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool defaults suitable for a single relay node.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Core
// ---------------------------------------------------------------------------

func (s *Store) AppendMessage(ctx context.Context, chatID, senderID, content string) (*chat.Message, error) {
	const query = `
		INSERT INTO messages (chat_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	m := &chat.Message{ChatID: chatID, SenderID: senderID, Content: content, ReadBy: []string{}}
	if err := s.db.QueryRowContext(ctx, query, chatID, senderID, content).Scan(&m.ID, &m.CreatedAt); err != nil {
		return nil, classify("append message", err)
	}
	return m, nil
}

func (s *Store) SetLatestMessage(ctx context.Context, chatID, messageID string) error {
	const query = `
		UPDATE chats SET latest_message_id = $2, updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, chatID, messageID)
	if err != nil {
		return classify("set latest message", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: set latest message: chat %s: %w", chatID, chat.ErrNotFound)
	}
	return nil
}

func (s *Store) GetChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	const query = `
		SELECT COALESCE(array_agg(p.user_id::text ORDER BY p.user_id) FILTER (WHERE p.user_id IS NOT NULL), '{}')
		FROM chats c
		LEFT JOIN chat_participants p ON p.chat_id = c.id
		WHERE c.id = $1
		GROUP BY c.id`

	var ids pq.StringArray
	if err := s.db.QueryRowContext(ctx, query, chatID).Scan(&ids); err != nil {
		return nil, classify("get participants", err)
	}
	return []string(ids), nil
}

const messageColumns = `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.created_at,
		       COALESCE(array_agg(r.user_id::text ORDER BY r.read_at, r.user_id) FILTER (WHERE r.user_id IS NOT NULL), '{}')
		FROM messages m
		LEFT JOIN message_reads r ON r.message_id = m.id`

func scanMessage(row interface{ Scan(...any) error }) (*chat.Message, error) {
	var (
		m      chat.Message
		readBy pq.StringArray
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt, &readBy); err != nil {
		return nil, err
	}
	m.ReadBy = []string(readBy)
	return &m, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	return s.getMessage(ctx, s.db, messageID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) getMessage(ctx context.Context, q queryer, messageID string) (*chat.Message, error) {
	query := messageColumns + `
		WHERE m.id = $1
		GROUP BY m.id`

	m, err := scanMessage(q.QueryRowContext(ctx, query, messageID))
	if err != nil {
		return nil, classify("get message", err)
	}
	return m, nil
}

func (s *Store) AddReader(ctx context.Context, messageID, userID string) (*chat.Message, error) {
	const query = `
		INSERT INTO message_reads (message_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, messageID, userID); err != nil {
		return nil, classify("add reader", err)
	}
	return s.getMessage(ctx, s.db, messageID)
}

func (s *Store) GetPopulatedMessage(ctx context.Context, messageID string) (*chat.PopulatedMessage, error) {
	m, err := s.getMessage(ctx, s.db, messageID)
	if err != nil {
		return nil, err
	}

	users, err := s.usersByID(ctx, append([]string{m.SenderID}, m.ReadBy...))
	if err != nil {
		return nil, err
	}
	return chat.Populate(m, func(id string) (*chat.User, bool) {
		u, ok := users[id]
		return u, ok
	}), nil
}

func (s *Store) usersByID(ctx context.Context, ids []string) (map[string]*chat.User, error) {
	query := userColumns + ` WHERE id = ANY($1::uuid[])`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, classify("load users", err)
	}
	defer rows.Close()

	out := make(map[string]*chat.User, len(ids))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify("load users", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load users", err)
	}
	return out, nil
}

func (s *Store) SetUserStatus(ctx context.Context, userID string, online bool) error {
	const query = `
		UPDATE users SET is_online = $2, last_active = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, userID, online)
	if err != nil {
		return classify("set user status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: set user status: user %s: %w", userID, chat.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Management
// ---------------------------------------------------------------------------

const userColumns = `
		SELECT id, username, email, avatar, is_online, last_active, created_at
		FROM users`

func scanUser(row interface{ Scan(...any) error }) (*chat.User, error) {
	var u chat.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Avatar, &u.IsOnline, &u.LastActive, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, username, email, avatar string) (*chat.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || email == "" {
		return nil, fmt.Errorf("store: create user: %w: username and email are required", chat.ErrConflict)
	}

	const query = `
		INSERT INTO users (username, email, avatar)
		VALUES ($1, $2, $3)
		RETURNING id, username, email, avatar, is_online, last_active, created_at`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, username, email, avatar))
	if err != nil {
		return nil, classify("create user", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*chat.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, userColumns+` WHERE id = $1`, userID))
	if err != nil {
		return nil, classify("get user", err)
	}
	return u, nil
}

func (s *Store) UpdateProfile(ctx context.Context, userID, username, avatar string) (*chat.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("store: update profile: %w: username is required", chat.ErrConflict)
	}

	const query = `
		UPDATE users SET username = $2, avatar = $3
		WHERE id = $1
		RETURNING id, username, email, avatar, is_online, last_active, created_at`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, userID, username, avatar))
	if err != nil {
		return nil, classify("update profile", err)
	}
	return u, nil
}

func (s *Store) SearchUsers(ctx context.Context, term string, limit int) ([]*chat.User, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []*chat.User{}, nil
	}
	if limit < 1 {
		limit = store.DefaultPageSize
	}

	query := userColumns + `
		WHERE username ILIKE $1 ESCAPE '\' OR email ILIKE $1 ESCAPE '\'
		ORDER BY username, id
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, "%"+likeEscaper.Replace(term)+"%", limit)
	if err != nil {
		return nil, classify("search users", err)
	}
	defer rows.Close()

	out := []*chat.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify("search users", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("search users", err)
	}
	return out, nil
}

// likeEscaper quotes LIKE metacharacters so search terms match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) FindOrCreateDirectChat(ctx context.Context, a, b string) (*chat.Chat, bool, error) {
	if a == b {
		return nil, false, fmt.Errorf("store: direct chat: %w: participants must differ", chat.ErrInvalidChat)
	}
	key := chat.DirectKey(a, b)

	var (
		chatID  string
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const insert = `
			INSERT INTO chats (kind, direct_key)
			VALUES ('direct', $1)
			ON CONFLICT (direct_key) DO NOTHING
			RETURNING id`

		err := tx.QueryRowContext(ctx, insert, key).Scan(&chatID)
		if errors.Is(err, sql.ErrNoRows) {
			// Another caller created it first; the conflicting row is
			// committed by the time DO NOTHING resolves.
			return tx.QueryRowContext(ctx, `SELECT id FROM chats WHERE direct_key = $1`, key).Scan(&chatID)
		}
		if err != nil {
			return err
		}
		created = true
		return insertParticipants(ctx, tx, chatID, []string{a, b})
	})
	if err != nil {
		return nil, false, classify("direct chat", err)
	}

	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	return c, created, nil
}

func (s *Store) CreateGroupChat(ctx context.Context, name, adminID string, members []string) (*chat.Chat, error) {
	c := &chat.Chat{
		Kind:         chat.KindGroup,
		Name:         strings.TrimSpace(name),
		AdminID:      adminID,
		Participants: chat.NormalizeMembers(append(members, adminID)...),
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("store: create group: %w", err)
	}

	var chatID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const insert = `
			INSERT INTO chats (kind, name, admin_id)
			VALUES ('group', $1, $2)
			RETURNING id`

		if err := tx.QueryRowContext(ctx, insert, c.Name, adminID).Scan(&chatID); err != nil {
			return err
		}
		return insertParticipants(ctx, tx, chatID, c.Participants)
	})
	if err != nil {
		return nil, classify("create group", err)
	}
	return s.GetChat(ctx, chatID)
}

func (s *Store) AddParticipant(ctx context.Context, chatID, actorID, userID string) (*chat.Chat, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockAdminGroup(ctx, tx, chatID, actorID); err != nil {
			return err
		}
		const insert = `
			INSERT INTO chat_participants (chat_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (chat_id, user_id) DO NOTHING`

		res, err := tx.ExecContext(ctx, insert, chatID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			_, err = tx.ExecContext(ctx, `UPDATE chats SET updated_at = NOW() WHERE id = $1`, chatID)
		}
		return err
	})
	if err != nil {
		return nil, classify("add participant", err)
	}
	return s.GetChat(ctx, chatID)
}

func (s *Store) RemoveParticipant(ctx context.Context, chatID, actorID, userID string) (*chat.Chat, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockAdminGroup(ctx, tx, chatID, actorID); err != nil {
			return err
		}
		if userID == actorID {
			return fmt.Errorf("%w: the admin cannot leave their own group", chat.ErrInvalidChat)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM chat_participants WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_participants WHERE chat_id = $1`, chatID).Scan(&remaining); err != nil {
			return err
		}
		if remaining < 2 {
			return fmt.Errorf("%w: a group needs at least two participants", chat.ErrInvalidChat)
		}
		_, err = tx.ExecContext(ctx, `UPDATE chats SET updated_at = NOW() WHERE id = $1`, chatID)
		return err
	})
	if err != nil {
		return nil, classify("remove participant", err)
	}
	return s.GetChat(ctx, chatID)
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*chat.Chat, error) {
	const query = `
		SELECT c.id, c.kind, COALESCE(c.name, ''), COALESCE(c.admin_id::text, ''),
		       COALESCE(c.latest_message_id::text, ''), c.created_at, c.updated_at,
		       COALESCE(array_agg(p.user_id::text ORDER BY p.user_id) FILTER (WHERE p.user_id IS NOT NULL), '{}')
		FROM chats c
		LEFT JOIN chat_participants p ON p.chat_id = c.id
		WHERE c.id = $1
		GROUP BY c.id`

	c, err := scanChat(s.db.QueryRowContext(ctx, query, chatID))
	if err != nil {
		return nil, classify("get chat", err)
	}
	return c, nil
}

func scanChat(row interface{ Scan(...any) error }) (*chat.Chat, error) {
	var (
		c            chat.Chat
		kind         string
		participants pq.StringArray
	)
	err := row.Scan(&c.ID, &kind, &c.Name, &c.AdminID, &c.LatestMessageID, &c.CreatedAt, &c.UpdatedAt, &participants)
	if err != nil {
		return nil, err
	}
	c.Kind = chat.Kind(kind)
	c.Participants = []string(participants)
	return &c, nil
}

func (s *Store) ListUserChats(ctx context.Context, userID string) ([]*chat.ChatSummary, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	const query = `
		SELECT c.id, c.kind, COALESCE(c.name, ''), COALESCE(c.admin_id::text, ''),
		       COALESCE(c.latest_message_id::text, ''), c.created_at, c.updated_at,
		       ARRAY(SELECT p.user_id::text FROM chat_participants p WHERE p.chat_id = c.id ORDER BY p.user_id)
		FROM chats c
		JOIN chat_participants me ON me.chat_id = c.id AND me.user_id = $1
		ORDER BY c.updated_at DESC, c.id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, classify("list user chats", err)
	}
	defer rows.Close()

	var out []*chat.ChatSummary
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, classify("list user chats", err)
		}
		out = append(out, &chat.ChatSummary{Chat: *c})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list user chats", err)
	}

	for _, sum := range out {
		if sum.LatestMessageID == "" {
			continue
		}
		pm, err := s.GetPopulatedMessage(ctx, sum.LatestMessageID)
		if errors.Is(err, chat.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sum.LatestMessage = pm
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string, page, limit int) ([]*chat.Message, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}
	_, limit, skip := store.PageBounds(page, limit)

	query := `SELECT * FROM (` + messageColumns + `
		WHERE m.chat_id = $1
		GROUP BY m.id
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3
	) recent ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID, limit, skip)
	if err != nil {
		return nil, classify("list messages", err)
	}
	defer rows.Close()

	out := []*chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify("list messages", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list messages", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertParticipants(ctx context.Context, tx *sql.Tx, chatID string, userIDs []string) error {
	const query = `
		INSERT INTO chat_participants (chat_id, user_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT (chat_id, user_id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, chatID, pq.Array(userIDs))
	return err
}

// lockAdminGroup row-locks the chat and checks it is a group administered by
// actorID.
func lockAdminGroup(ctx context.Context, tx *sql.Tx, chatID, actorID string) error {
	var (
		kind    string
		adminID string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT kind, COALESCE(admin_id::text, '') FROM chats WHERE id = $1 FOR UPDATE`, chatID,
	).Scan(&kind, &adminID)
	if err != nil {
		return err
	}
	if chat.Kind(kind) != chat.KindGroup {
		return fmt.Errorf("%w: chat %s is not a group", chat.ErrInvalidChat, chatID)
	}
	if adminID != actorID {
		return fmt.Errorf("%w: only the group admin may change membership", chat.ErrForbidden)
	}
	return nil
}

// PostgreSQL error codes mapped onto the chat taxonomy.
const (
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
	codeCheckViolation      = "23514"
	codeInvalidText         = "22P02" // malformed uuid
)

// classify wraps err with the store prefix and the matching chat sentinel.
// Errors that already carry a sentinel pass through unchanged in kind.
func classify(op string, err error) error {
	for _, sentinel := range []error{chat.ErrNotFound, chat.ErrForbidden, chat.ErrInvalidChat, chat.ErrConflict} {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("store: %s: %w", op, err)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: %s: %w", op, chat.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeForeignKeyViolation, codeInvalidText:
			return fmt.Errorf("store: %s: %w: %s", op, chat.ErrNotFound, pqErr.Message)
		case codeUniqueViolation:
			return fmt.Errorf("store: %s: %w: %s", op, chat.ErrConflict, pqErr.Message)
		case codeCheckViolation:
			return fmt.Errorf("store: %s: %w: %s", op, chat.ErrInvalidChat, pqErr.Message)
		}
	}
	return fmt.Errorf("store: %s: %w: %v", op, chat.ErrPersistence, err)
}

// Package protocol defines the WebSocket events exchanged between clients
// and the relay. All frames are JSON objects carrying a "type"
// discriminator. Inbound frames decode into the closed ClientEvent variant
// set and are validated here, so handlers never see a malformed payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/whisper/chat-relay/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuthenticate = "authenticate"
	TypeSendMessage  = "send_message"
	TypeTypingStart  = "typing_start"
	TypeTypingStop   = "typing_stop"
	TypeMarkRead     = "mark_read"
	TypePing         = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated  = "session_created"
	TypePresenceChanged = "presence_changed"
	TypeOnlineUsers     = "online_users"
	TypeNewMessage      = "new_message"
	TypeTypingChanged   = "typing_changed"
	TypeReadUpdated     = "read_updated"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError           = "parse_error"
	CodeUnauthenticated      = "unauthenticated"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeForbidden            = "forbidden"
	CodeNotFound             = "not_found"
	CodeInvalidMessage       = "invalid_message"
	CodePersistence          = "persistence_error"
	CodeInternal             = "internal_error"
)

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// ClientEvent is the closed set of inbound events. Only types declared in
// this package implement it.
type ClientEvent interface {
	EventType() string
	clientEvent()
}

// Authenticate carries the bearer credential for the connection.
type Authenticate struct {
	Token string `json:"token"`
}

// SendMessage posts content to a chat.
type SendMessage struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// TypingStart signals the sender began typing in a chat.
type TypingStart struct {
	ChatID string `json:"chat_id"`
}

// TypingStop signals the sender stopped typing in a chat.
type TypingStop struct {
	ChatID string `json:"chat_id"`
}

// MarkRead acknowledges that the sender read a message.
type MarkRead struct {
	MessageID string `json:"message_id"`
}

// Ping is a client-initiated keepalive.
type Ping struct{}

func (Authenticate) EventType() string { return TypeAuthenticate }
func (SendMessage) EventType() string  { return TypeSendMessage }
func (TypingStart) EventType() string  { return TypeTypingStart }
func (TypingStop) EventType() string   { return TypeTypingStop }
func (MarkRead) EventType() string     { return TypeMarkRead }
func (Ping) EventType() string         { return TypePing }

func (Authenticate) clientEvent() {}
func (SendMessage) clientEvent()  {}
func (TypingStart) clientEvent()  {}
func (TypingStop) clientEvent()   {}
func (MarkRead) clientEvent()     {}
func (Ping) clientEvent()         {}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// ServerEvent is an outbound event. Encode injects its type discriminator.
type ServerEvent interface {
	EventType() string
}

// SessionCreatedMsg is sent when a transport session is accepted.
type SessionCreatedMsg struct {
	SessionID string `json:"session_id"`
}

// PresenceChangedMsg announces a user going online or offline.
type PresenceChangedMsg struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// OnlineUsersMsg is the snapshot sent to a freshly authenticated connection.
type OnlineUsersMsg struct {
	UserIDs []string `json:"user_ids"`
}

// NewMessageMsg delivers a persisted message to chat participants.
type NewMessageMsg struct {
	Message *chat.PopulatedMessage `json:"message"`
}

// TypingChangedMsg relays a participant's typing indicator.
type TypingChangedMsg struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ReadUpdatedMsg announces that a user read a message.
type ReadUpdatedMsg struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
}

// RateLimitedMsg is sent when an inbound event was dropped by the limiter.
type RateLimitedMsg struct {
	Event      string `json:"event"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent to the requesting connection only.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct{}

func (SessionCreatedMsg) EventType() string  { return TypeSessionCreated }
func (PresenceChangedMsg) EventType() string { return TypePresenceChanged }
func (OnlineUsersMsg) EventType() string     { return TypeOnlineUsers }
func (NewMessageMsg) EventType() string      { return TypeNewMessage }
func (TypingChangedMsg) EventType() string   { return TypeTypingChanged }
func (ReadUpdatedMsg) EventType() string     { return TypeReadUpdated }
func (RateLimitedMsg) EventType() string     { return TypeRateLimited }
func (ErrorMsg) EventType() string           { return TypeError }
func (PongMsg) EventType() string            { return TypePong }

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseError reports a frame that could not be turned into a ClientEvent.
// Type is set when the discriminator itself was readable.
type ParseError struct {
	Type string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type == "" {
		return "protocol: " + e.Err.Error()
	}
	return fmt.Sprintf("protocol: %q: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseClientEvent decodes a raw frame into a validated ClientEvent.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("malformed envelope: %w", err)}
	}
	if env.Type == "" {
		return nil, &ParseError{Err: fmt.Errorf("missing or empty \"type\" field")}
	}

	var (
		ev  ClientEvent
		err error
	)
	switch env.Type {
	case TypeAuthenticate:
		var m Authenticate
		if err = json.Unmarshal(data, &m); err == nil {
			err = required("token", m.Token)
		}
		ev = m
	case TypeSendMessage:
		var m SendMessage
		if err = json.Unmarshal(data, &m); err == nil {
			err = required("chat_id", m.ChatID)
		}
		ev = m
	case TypeTypingStart:
		var m TypingStart
		if err = json.Unmarshal(data, &m); err == nil {
			err = required("chat_id", m.ChatID)
		}
		ev = m
	case TypeTypingStop:
		var m TypingStop
		if err = json.Unmarshal(data, &m); err == nil {
			err = required("chat_id", m.ChatID)
		}
		ev = m
	case TypeMarkRead:
		var m MarkRead
		if err = json.Unmarshal(data, &m); err == nil {
			err = required("message_id", m.MessageID)
		}
		ev = m
	case TypePing:
		ev = Ping{}
	default:
		return nil, &ParseError{Type: env.Type, Err: fmt.Errorf("unknown client event type")}
	}

	if err != nil {
		return nil, &ParseError{Type: env.Type, Err: err}
	}
	return ev, nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required field %q", field)
	}
	return nil
}

// Encode serializes an outbound event with its "type" discriminator.
func Encode(ev ServerEvent) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s: %w", ev.EventType(), err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal %s into map: %w", ev.EventType(), err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, _ := json.Marshal(ev.EventType())
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}

// MustEncode is Encode for events built from plain values, which cannot fail
// to marshal.
func MustEncode(ev ServerEvent) []byte {
	data, err := Encode(ev)
	if err != nil {
		panic(err)
	}
	return data
}

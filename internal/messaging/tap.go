package messaging

import (
	"encoding/json"
	"log"
	"time"

	"github.com/whisper/chat-relay/internal/chat"
)

// Publisher is the subset of NATSClient the tap needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// MessageEvent is published on relay.chat.<id>.message after a message is
// durably written.
type MessageEvent struct {
	Server  string                 `json:"server"`
	Message *chat.PopulatedMessage `json:"message"`
}

// ReadEvent is published on relay.chat.<id>.read for every accepted receipt.
type ReadEvent struct {
	Server    string    `json:"server"`
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	At        time.Time `json:"at"`
}

// PresenceEvent is published on relay.presence for online/offline
// transitions.
type PresenceEvent struct {
	Server string    `json:"server"`
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Tap publishes relay events to NATS. All methods are best-effort: failures
// are logged and never reach the caller.
type Tap struct {
	pub    Publisher
	server string
	now    func() time.Time
}

// NewTap returns a Tap that tags every event with serverName.
func NewTap(pub Publisher, serverName string) *Tap {
	return &Tap{pub: pub, server: serverName, now: time.Now}
}

// MessageCreated publishes a new message.
func (t *Tap) MessageCreated(m *chat.PopulatedMessage) {
	t.publish(MessageSubject(m.ChatID), MessageEvent{Server: t.server, Message: m})
}

// ReadUpdated publishes a read receipt.
func (t *Tap) ReadUpdated(chatID, messageID, userID string) {
	t.publish(ReadSubject(chatID), ReadEvent{
		Server:    t.server,
		MessageID: messageID,
		ChatID:    chatID,
		UserID:    userID,
		At:        t.now().UTC(),
	})
}

// PresenceChanged publishes an online/offline transition.
func (t *Tap) PresenceChanged(userID string, online bool) {
	t.publish(SubjectPresence, PresenceEvent{
		Server: t.server,
		UserID: userID,
		Online: online,
		At:     t.now().UTC(),
	})
}

func (t *Tap) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[nats] marshal %s: %v", subject, err)
		return
	}
	if err := t.pub.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

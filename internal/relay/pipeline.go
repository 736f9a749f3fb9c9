package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/metrics"
	"github.com/whisper/chat-relay/internal/protocol"
	"github.com/whisper/chat-relay/internal/typing"
)

// Pipeline writes a message through the store and then fans it out.
type Pipeline struct {
	router *Router
}

// Send validates, persists and broadcasts a chat message.
//
// Only a failed append aborts: the message is then neither stored nor
// broadcast and the error wraps chat.ErrPersistence. A failure to move the
// chat's latest-message pointer is logged and counted. A failed read-back of
// the populated view falls back to a view built from the appended message.
// On success new_message has been delivered (best-effort) to every
// connection of every participant, the sender's included.
func (p *Pipeline) Send(ctx context.Context, chatID, senderID, content string) (*chat.PopulatedMessage, error) {
	r := p.router
	start := time.Now()
	defer func() { metrics.PipelineLatency.Observe(time.Since(start).Seconds()) }()

	if err := chat.ValidateMessage(content); err != nil {
		return nil, err
	}
	participants, err := r.store.GetChatParticipants(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve chat %s: %w", chatID, err)
	}
	if !contains(participants, senderID) {
		return nil, fmt.Errorf("pipeline: user %s in chat %s: %w", senderID, chatID, chat.ErrForbidden)
	}

	msg, err := r.store.AppendMessage(ctx, chatID, senderID, content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("pipeline: append to chat %s: %w: %v", chatID, chat.ErrPersistence, err)
	}
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()

	if err := r.store.SetLatestMessage(ctx, chatID, msg.ID); err != nil {
		metrics.MessagesTotal.WithLabelValues("pointer_stale").Inc()
		log.Printf("[pipeline] latest pointer not updated chat=%s message=%s: %v", chatID, msg.ID, err)
	}

	populated, err := r.store.GetPopulatedMessage(ctx, msg.ID)
	if err != nil {
		log.Printf("[pipeline] read back message=%s: %v (using appended copy)", msg.ID, err)
		populated = chat.Populate(msg, func(string) (*chat.User, bool) { return nil, false })
	}

	r.fanout(ctx, protocol.NewMessageMsg{Message: populated}, r.connectionsOf(participants, ""))

	// Sending ends the sender's typing indicator.
	r.clearTyping(ctx, typing.Key{ChatID: chatID, UserID: senderID})

	if r.tap != nil {
		r.tap.MessageCreated(populated)
	}
	return populated, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

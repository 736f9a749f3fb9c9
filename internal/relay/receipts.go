package relay

import (
	"context"
	"fmt"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/protocol"
)

// Receipts records read receipts.
type Receipts struct {
	router *Router
}

// MarkRead adds userID to the message's read-by set and broadcasts
// read_updated to every participant connection. Repeating the call does not
// change the set but broadcasts again.
func (rc *Receipts) MarkRead(ctx context.Context, messageID, userID string) error {
	r := rc.router

	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("receipts: resolve message %s: %w", messageID, err)
	}
	participants, err := r.store.GetChatParticipants(ctx, msg.ChatID)
	if err != nil {
		return fmt.Errorf("receipts: resolve chat %s: %w", msg.ChatID, err)
	}
	if !contains(participants, userID) {
		return fmt.Errorf("receipts: user %s in chat %s: %w", userID, msg.ChatID, chat.ErrForbidden)
	}

	if _, err := r.store.AddReader(ctx, messageID, userID); err != nil {
		return fmt.Errorf("receipts: add reader to %s: %w", messageID, err)
	}

	r.fanout(ctx, protocol.ReadUpdatedMsg{
		MessageID: messageID,
		ChatID:    msg.ChatID,
		UserID:    userID,
	}, r.connectionsOf(participants, ""))

	if r.tap != nil {
		r.tap.ReadUpdated(msg.ChatID, messageID, userID)
	}
	return nil
}

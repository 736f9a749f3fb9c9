package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/metrics"
	"github.com/whisper/chat-relay/internal/protocol"
	"github.com/whisper/chat-relay/internal/typing"
)

// setTyping applies a typing_start/typing_stop from userID and relays it to
// the other participants' connections. The broadcast runs under the
// tracker's per-key lock so peers see updates in the order they applied.
func (r *Router) setTyping(ctx context.Context, chatID, userID string, isTyping bool) error {
	participants, err := r.store.GetChatParticipants(ctx, chatID)
	if err != nil {
		return fmt.Errorf("typing: resolve chat %s: %w", chatID, err)
	}
	if !contains(participants, userID) {
		return fmt.Errorf("typing: user %s in chat %s: %w", userID, chatID, chat.ErrForbidden)
	}

	k := typing.Key{ChatID: chatID, UserID: userID}
	r.typing.Set(k, isTyping, func(bool) {
		r.fanout(ctx, protocol.TypingChangedMsg{ChatID: chatID, UserID: userID, IsTyping: isTyping},
			r.connectionsOf(participants, userID))
	})
	return nil
}

// clearTyping stops k and, if it was typing, tells the other participants.
func (r *Router) clearTyping(ctx context.Context, k typing.Key) {
	r.typing.Set(k, false, func(wasTyping bool) {
		if wasTyping {
			r.emitStopped(ctx, k)
		}
	})
}

// typingExpired runs when an indicator times out.
func (r *Router) typingExpired(k typing.Key) {
	metrics.TypingExpired.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()
	r.emitStopped(ctx, k)
}

func (r *Router) emitStopped(ctx context.Context, k typing.Key) {
	participants, err := r.store.GetChatParticipants(ctx, k.ChatID)
	if err != nil {
		log.Printf("[relay] typing stop chat=%s user=%s: %v", k.ChatID, k.UserID, err)
		return
	}
	r.fanout(ctx, protocol.TypingChangedMsg{ChatID: k.ChatID, UserID: k.UserID, IsTyping: false},
		r.connectionsOf(participants, k.UserID))
}

package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/protocol"
)

func TestSendDeliversToEveryParticipantConnection(t *testing.T) {
	tap := &recordingTap{}
	f := newFixture(t, WithEventTap(tap))
	alice, bob, carol := f.user("alice"), f.user("bob"), f.user("carol")
	room := f.direct(alice, bob)
	a1, a2 := f.login(alice), f.login(alice)
	b := f.login(bob)
	c := f.login(carol)
	reset(a1, a2, b, c)

	f.send(a1, map[string]any{"type": "send_message", "chat_id": room.ID, "content": "hello"})

	for name, conn := range map[string]*fakeConn{"a1": a1, "a2": a2, "b": b} {
		got := conn.EventsOfType(protocol.TypeNewMessage)
		if len(got) != 1 {
			t.Fatalf("%s: new_message events = %v", name, conn.Events())
		}
		msg := got[0]["message"].(map[string]any)
		sender := msg["sender"].(map[string]any)
		if msg["content"] != "hello" || msg["chat_id"] != room.ID || sender["display_name"] != "alice" {
			t.Fatalf("%s: message = %v", name, msg)
		}
	}
	if len(c.Events()) != 0 {
		t.Fatalf("non-participant received %v", c.Events())
	}

	updated, _ := f.store.GetChat(context.Background(), room.ID)
	if updated.LatestMessageID == "" {
		t.Fatal("latest message pointer not set")
	}
	if len(tap.messages) != 1 || tap.messages[0].ID != updated.LatestMessageID {
		t.Fatalf("tap messages = %v", tap.messages)
	}
}

func TestAppendFailureBroadcastsNothing(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	room := f.direct(alice, bob)
	a, b := f.login(alice), f.login(bob)
	reset(a, b)
	f.store.appendErr = errors.New("disk full")

	f.send(a, map[string]any{"type": "send_message", "chat_id": room.ID, "content": "hello"})

	if lastError(a) != protocol.CodePersistence {
		t.Fatalf("expected persistence_error, got %v", a.Events())
	}
	if len(a.EventsOfType(protocol.TypeNewMessage))+len(b.EventsOfType(protocol.TypeNewMessage)) != 0 {
		t.Fatal("failed append must not be broadcast")
	}
	msgs, _ := f.store.ListMessages(context.Background(), room.ID, 1, 10)
	if len(msgs) != 0 {
		t.Fatalf("nothing should be stored, got %d", len(msgs))
	}
}

func TestPointerFailureStillBroadcasts(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	room := f.direct(alice, bob)
	a, b := f.login(alice), f.login(bob)
	reset(a, b)
	f.store.latestErr = errors.New("timeout")

	f.send(a, map[string]any{"type": "send_message", "chat_id": room.ID, "content": "hello"})

	if len(b.EventsOfType(protocol.TypeNewMessage)) != 1 {
		t.Fatalf("expected delivery despite pointer failure, got %v", b.Events())
	}
	if len(a.EventsOfType(protocol.TypeError)) != 0 {
		t.Fatalf("sender should not see an error, got %v", a.Events())
	}
}

func TestReadBackFailureFallsBackToAppendedMessage(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	room := f.direct(alice, bob)
	f.store.populatedErr = errors.New("replica lag")

	pm, err := f.router.Pipeline().Send(context.Background(), room.ID, alice.ID, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if pm.Sender.ID != alice.ID || pm.Content != "hello" {
		t.Fatalf("fallback message = %+v", pm)
	}
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.user("alice"), f.user("bob"), f.user("carol")
	room := f.direct(alice, bob)
	ctx := context.Background()
	p := f.router.Pipeline()

	cases := []struct {
		name    string
		chatID  string
		sender  string
		content string
		want    error
	}{
		{"empty", room.ID, alice.ID, "   ", chat.ErrInvalidMessage},
		{"too long", room.ID, alice.ID, strings.Repeat("x", chat.MaxTextChars+1), chat.ErrInvalidMessage},
		{"outsider", room.ID, carol.ID, "hi", chat.ErrForbidden},
		{"unknown chat", "missing", alice.ID, "hi", chat.ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := p.Send(ctx, tc.chatID, tc.sender, tc.content); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestSendClearsSenderTyping(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	room := f.direct(alice, bob)
	a, b := f.login(alice), f.login(bob)

	f.send(a, map[string]any{"type": "typing_start", "chat_id": room.ID})
	reset(b)
	f.send(a, map[string]any{"type": "send_message", "chat_id": room.ID, "content": "done"})

	evs := b.Events()
	if len(evs) != 2 || evs[0]["type"] != protocol.TypeNewMessage || evs[1]["type"] != protocol.TypeTypingChanged || evs[1]["is_typing"] != false {
		t.Fatalf("expected new_message then typing stop, got %v", evs)
	}
}

func TestMarkReadIsIdempotentAndBroadcastsEachTime(t *testing.T) {
	tap := &recordingTap{}
	f := newFixture(t, WithEventTap(tap))
	alice, bob := f.user("alice"), f.user("bob")
	room := f.direct(alice, bob)
	a, b := f.login(alice), f.login(bob)

	pm, err := f.router.Pipeline().Send(context.Background(), room.ID, alice.ID, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	reset(a, b)

	for i := 0; i < 2; i++ {
		f.send(b, map[string]any{"type": "mark_read", "message_id": pm.ID})
	}

	for name, conn := range map[string]*fakeConn{"a": a, "b": b} {
		got := conn.EventsOfType(protocol.TypeReadUpdated)
		if len(got) != 2 {
			t.Fatalf("%s: read_updated events = %v", name, conn.Events())
		}
		if got[0]["message_id"] != pm.ID || got[0]["user_id"] != bob.ID || got[0]["chat_id"] != room.ID {
			t.Fatalf("%s: read_updated = %v", name, got[0])
		}
	}

	msg, _ := f.store.GetMessage(context.Background(), pm.ID)
	if len(msg.ReadBy) != 1 || msg.ReadBy[0] != bob.ID {
		t.Fatalf("read_by = %v", msg.ReadBy)
	}
	if len(tap.reads) != 2 {
		t.Fatalf("tap reads = %v", tap.reads)
	}
}

func TestMarkReadRejections(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.user("alice"), f.user("bob"), f.user("carol")
	room := f.direct(alice, bob)
	pm, _ := f.router.Pipeline().Send(context.Background(), room.ID, alice.ID, "hello")
	c := f.login(carol)

	f.send(c, map[string]any{"type": "mark_read", "message_id": pm.ID})
	if lastError(c) != protocol.CodeForbidden {
		t.Fatalf("outsider: expected forbidden, got %v", c.Events())
	}

	f.send(c, map[string]any{"type": "mark_read", "message_id": "missing"})
	if lastError(c) != protocol.CodeNotFound {
		t.Fatalf("missing message: expected not_found, got %v", c.Events())
	}
}

func TestTypingRelayedToOtherParticipantsInOrder(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	room := f.direct(alice, bob)
	a, b := f.login(alice), f.login(bob)
	reset(a, b)

	f.send(a, map[string]any{"type": "typing_start", "chat_id": room.ID})
	f.send(a, map[string]any{"type": "typing_stop", "chat_id": room.ID})

	got := b.EventsOfType(protocol.TypeTypingChanged)
	if len(got) != 2 || got[0]["is_typing"] != true || got[1]["is_typing"] != false {
		t.Fatalf("bob typing events = %v", got)
	}
	if got[0]["user_id"] != alice.ID || got[0]["chat_id"] != room.ID {
		t.Fatalf("typing event = %v", got[0])
	}
	if len(a.EventsOfType(protocol.TypeTypingChanged)) != 0 {
		t.Fatal("sender must not receive its own typing event")
	}
}

func TestTypingRequiresMembership(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.user("alice"), f.user("bob"), f.user("carol")
	room := f.direct(alice, bob)
	c := f.login(carol)

	f.send(c, map[string]any{"type": "typing_start", "chat_id": room.ID})
	if lastError(c) != protocol.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", c.Events())
	}
}

func TestTypingExpiresServerSide(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TypingTimeout = 30 * time.Millisecond
	f := newFixtureWithConfig(t, cfg)
	alice, bob := f.user("alice"), f.user("bob")
	room := f.direct(alice, bob)
	a, b := f.login(alice), f.login(bob)
	reset(b)

	f.send(a, map[string]any{"type": "typing_start", "chat_id": room.ID})

	ok := waitFor(t, time.Second, func() bool {
		return len(b.EventsOfType(protocol.TypeTypingChanged)) == 2
	})
	if !ok {
		t.Fatalf("expected typing to expire, got %v", b.Events())
	}
	got := b.EventsOfType(protocol.TypeTypingChanged)
	if got[1]["is_typing"] != false {
		t.Fatalf("expiry event = %v", got[1])
	}
}

func TestDisconnectWhileTyping(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	room := f.direct(alice, bob)
	a, b := f.login(alice), f.login(bob)

	f.send(a, map[string]any{"type": "typing_start", "chat_id": room.ID})
	reset(b)
	a.Close()

	typingEvs := b.EventsOfType(protocol.TypeTypingChanged)
	if len(typingEvs) != 1 || typingEvs[0]["is_typing"] != false {
		t.Fatalf("expected typing cleared, got %v", b.Events())
	}
	presenceEvs := b.EventsOfType(protocol.TypePresenceChanged)
	if len(presenceEvs) != 1 || presenceEvs[0]["online"] != false {
		t.Fatalf("expected exactly one offline event, got %v", presenceEvs)
	}
}

func TestFailedDeliveryDoesNotAffectOthers(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	room := f.direct(alice, bob)
	a := f.login(alice)
	b1, b2 := f.login(bob), f.login(bob)
	reset(a, b1, b2)
	b1.SetFail(true)

	f.send(a, map[string]any{"type": "send_message", "chat_id": room.ID, "content": "hello"})

	if len(b2.EventsOfType(protocol.TypeNewMessage)) != 1 {
		t.Fatalf("healthy connection missed the message: %v", b2.Events())
	}
	if len(a.EventsOfType(protocol.TypeError)) != 0 {
		t.Fatalf("delivery failures must not reach the sender: %v", a.Events())
	}
}

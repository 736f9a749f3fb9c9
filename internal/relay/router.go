// Package relay is the event-routing core. Router drives each connection
// through Unauthenticated -> Authenticated -> Closed, turns inbound client
// events into pipeline, receipt and typing operations, and announces
// presence transitions. Pipeline implements write-then-broadcast for chat
// messages; Receipts handles read receipts.
package relay

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/whisper/chat-relay/internal/broadcast"
	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/identity"
	"github.com/whisper/chat-relay/internal/metrics"
	"github.com/whisper/chat-relay/internal/presence"
	"github.com/whisper/chat-relay/internal/protocol"
	"github.com/whisper/chat-relay/internal/ratelimit"
	"github.com/whisper/chat-relay/internal/session"
	"github.com/whisper/chat-relay/internal/store"
	"github.com/whisper/chat-relay/internal/typing"
)

// Conn is a live client connection as seen by the router.
type Conn interface {
	presence.Handle

	State() session.State
	UserID() string
	Bind(userID string, onBind func()) bool
	MarkClosed() (userID string, prev session.State)

	// Close tears the connection down. The transport must call
	// Router.HandleDisconnect exactly once as a result.
	Close() error
}

// Limiter throttles inbound events per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, time.Duration, error)
}

// EventTap receives a copy of durable events for downstream consumers.
type EventTap interface {
	MessageCreated(m *chat.PopulatedMessage)
	ReadUpdated(chatID, messageID, userID string)
	PresenceChanged(userID string, online bool)
}

// SessionMirror records which user a session authenticated as.
type SessionMirror interface {
	Authenticate(ctx context.Context, sessionID, userID string) error
}

// Config holds router tuning.
type Config struct {
	StoreTimeout  time.Duration // bound on every store call made for one event
	TypingTimeout time.Duration // idle time before a typing indicator is cleared
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:  5 * time.Second,
		TypingTimeout: typing.DefaultTimeout,
	}
}

// Option customizes a Router.
type Option func(*Router)

// WithLimiter enables per-user rate limiting.
func WithLimiter(l Limiter) Option { return func(r *Router) { r.limiter = l } }

// WithEventTap enables the outbound event tap.
func WithEventTap(t EventTap) Option { return func(r *Router) { r.tap = t } }

// WithSessionMirror records authentications in an external session store.
func WithSessionMirror(m SessionMirror) Option { return func(r *Router) { r.mirror = m } }

// WithBroadcaster replaces the default broadcaster.
func WithBroadcaster(b *broadcast.Broadcaster) Option { return func(r *Router) { r.bcast = b } }

// Router routes inbound frames for every connection of this process.
type Router struct {
	cfg      Config
	verifier identity.Verifier
	store    store.Core
	registry *presence.Registry
	bcast    *broadcast.Broadcaster
	typing   *typing.Tracker
	limiter  Limiter
	tap      EventTap
	mirror   SessionMirror
	presence userLocks // orders online/offline side effects per user

	pipeline *Pipeline
	receipts *Receipts
}

// NewRouter wires a Router. Call Close to stop typing timers.
func NewRouter(cfg Config, verifier identity.Verifier, st store.Core, registry *presence.Registry, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg,
		verifier: verifier,
		store:    st,
		registry: registry,
		bcast:    broadcast.New(broadcast.DefaultConcurrency),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.typing = typing.New(cfg.TypingTimeout, r.typingExpired)
	r.pipeline = &Pipeline{router: r}
	r.receipts = &Receipts{router: r}
	return r
}

// Pipeline returns the message pipeline.
func (r *Router) Pipeline() *Pipeline { return r.pipeline }

// Receipts returns the read-receipt handler.
func (r *Router) Receipts() *Receipts { return r.receipts }

// Close stops background timers.
func (r *Router) Close() {
	r.typing.Close()
}

// HandleConnect greets a freshly accepted connection.
func (r *Router) HandleConnect(c Conn) {
	r.reply(c, protocol.SessionCreatedMsg{SessionID: c.SessionID()})
}

// Dispatch handles one inbound frame. The transport calls it sequentially
// per connection, in arrival order.
func (r *Router) Dispatch(c Conn, data []byte) {
	state := c.State()
	if state == session.StateClosed {
		return
	}

	ev, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("[relay] parse error session=%s state=%s: %v", c.SessionID(), state, err)
		if state == session.StateUnauthenticated {
			r.reject(c, protocol.CodeUnauthenticated, "authenticate first")
			r.forceClose(c)
			return
		}
		r.reject(c, protocol.CodeParseError, "invalid message format")
		return
	}
	metrics.EventsTotal.WithLabelValues(ev.EventType()).Inc()

	if _, ok := ev.(protocol.Ping); ok {
		r.reply(c, protocol.PongMsg{})
		return
	}

	if state == session.StateUnauthenticated {
		auth, ok := ev.(protocol.Authenticate)
		if !ok {
			log.Printf("[relay] %s before authenticate session=%s", ev.EventType(), c.SessionID())
			r.reject(c, protocol.CodeUnauthenticated, "authenticate first")
			r.forceClose(c)
			return
		}
		r.authenticate(c, auth)
		return
	}

	userID := c.UserID()
	if _, ok := ev.(protocol.Authenticate); ok {
		r.reject(c, protocol.CodeAlreadyAuthenticated, "connection is already authenticated")
		return
	}
	if !r.allow(c, userID, ev.EventType()) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()

	switch ev := ev.(type) {
	case protocol.SendMessage:
		_, err = r.pipeline.Send(ctx, ev.ChatID, userID, ev.Content)
	case protocol.TypingStart:
		err = r.setTyping(ctx, ev.ChatID, userID, true)
	case protocol.TypingStop:
		err = r.setTyping(ctx, ev.ChatID, userID, false)
	case protocol.MarkRead:
		err = r.receipts.MarkRead(ctx, ev.MessageID, userID)
	}
	if err != nil {
		code := errorCode(err)
		log.Printf("[relay] %s failed session=%s user=%s code=%s: %v", ev.EventType(), c.SessionID(), userID, code, err)
		r.reject(c, code, errorText(code, err))
	}
}

// authenticate verifies the credential and, on success, binds and registers
// the connection atomically with respect to a concurrent close.
func (r *Router) authenticate(c Conn, auth protocol.Authenticate) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()

	userID, err := r.verifier.Verify(ctx, auth.Token)
	if err != nil {
		log.Printf("[relay] authenticate failed session=%s: %v", c.SessionID(), err)
		r.reject(c, protocol.CodeUnauthenticated, "invalid credential")
		r.forceClose(c)
		return
	}

	var wentOnline bool
	if !c.Bind(userID, func() { wentOnline = r.registry.Register(userID, c) }) {
		// Closed while verifying.
		return
	}
	log.Printf("[relay] authenticated session=%s user=%s online_transition=%v", c.SessionID(), userID, wentOnline)

	if r.mirror != nil {
		if err := r.mirror.Authenticate(ctx, c.SessionID(), userID); err != nil {
			log.Printf("[relay] session mirror session=%s: %v", c.SessionID(), err)
		}
	}

	unlock := r.presence.lock(userID)
	if wentOnline {
		metrics.OnlineUsers.Inc()
		r.recordStatus(ctx, userID, true)
	}
	r.fanout(ctx, protocol.PresenceChangedMsg{UserID: userID, Online: true}, r.allConnections())
	unlock()

	r.reply(c, protocol.OnlineUsersMsg{UserIDs: r.registry.OnlineUserIDs()})
}

// HandleDisconnect moves c to Closed. If c was authenticated it is
// deregistered, and when that leaves the user with no connections the
// user's typing indicators are cleared and exactly one offline presence
// event is broadcast.
func (r *Router) HandleDisconnect(c Conn) {
	userID, prev := c.MarkClosed()
	if prev != session.StateAuthenticated {
		return
	}

	_, wentOffline := r.registry.Deregister(c)
	if !wentOffline {
		return
	}
	metrics.OnlineUsers.Dec()

	unlock := r.presence.lock(userID)
	defer unlock()
	// A reconnect may have registered between Deregister and the lock. Its
	// authenticate owns the presence state from here on.
	if len(r.registry.ConnectionsFor(userID)) > 0 {
		log.Printf("[relay] user back online before offline was announced user=%s session=%s", userID, c.SessionID())
		return
	}
	log.Printf("[relay] user offline user=%s session=%s", userID, c.SessionID())

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()

	for _, k := range r.typing.KeysForUser(userID) {
		r.clearTyping(ctx, k)
	}

	r.fanout(ctx, protocol.PresenceChangedMsg{UserID: userID, Online: false}, r.allConnections())
	r.recordStatus(ctx, userID, false)
}

// recordStatus persists the online flag and taps the transition. Both are
// best-effort.
func (r *Router) recordStatus(ctx context.Context, userID string, online bool) {
	if err := r.store.SetUserStatus(ctx, userID, online); err != nil {
		log.Printf("[relay] set user status user=%s online=%v: %v", userID, online, err)
	}
	if r.tap != nil {
		r.tap.PresenceChanged(userID, online)
	}
}

// userLocks hands out one mutex per user ID, dropping it once no caller
// holds or waits for it.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*userLock)
	}
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

// allow applies the rate limit rule for eventType. Limiter errors fail open.
func (r *Router) allow(c Conn, userID, eventType string) bool {
	if r.limiter == nil {
		return true
	}
	rule, ok := ratelimit.RuleFor(eventType)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()
	allowed, retryAfter, _ := r.limiter.Allow(ctx, userID, rule)
	if allowed {
		return true
	}

	metrics.RateLimited.WithLabelValues(eventType).Inc()
	r.reply(c, protocol.RateLimitedMsg{
		Event:      eventType,
		RetryAfter: int(math.Ceil(retryAfter.Seconds())),
	})
	return false
}

// allConnections snapshots every authenticated connection.
func (r *Router) allConnections() []presence.Handle {
	var out []presence.Handle
	for _, id := range r.registry.OnlineUserIDs() {
		out = append(out, r.registry.ConnectionsFor(id)...)
	}
	return out
}

// connectionsOf returns the connections of every listed user, skipping
// the user named in except.
func (r *Router) connectionsOf(userIDs []string, except string) []presence.Handle {
	var out []presence.Handle
	for _, id := range userIDs {
		if id == except {
			continue
		}
		out = append(out, r.registry.ConnectionsFor(id)...)
	}
	return out
}

// fanout encodes ev once and delivers it to targets. Delivery is not tied
// to ctx's deadline: once an event is committed it is always attempted.
func (r *Router) fanout(ctx context.Context, ev protocol.ServerEvent, targets []presence.Handle) {
	data, err := protocol.Encode(ev)
	if err != nil {
		log.Printf("[relay] encode %s: %v", ev.EventType(), err)
		return
	}
	r.bcast.Broadcast(context.WithoutCancel(ctx), data, targets)
}

func (r *Router) reply(c Conn, ev protocol.ServerEvent) {
	data, err := protocol.Encode(ev)
	if err != nil {
		log.Printf("[relay] encode %s session=%s: %v", ev.EventType(), c.SessionID(), err)
		return
	}
	broadcast.Send(c, data)
}

func (r *Router) reject(c Conn, code, message string) {
	metrics.RejectedTotal.WithLabelValues(code).Inc()
	r.reply(c, protocol.ErrorMsg{Code: code, Message: message})
}

func (r *Router) forceClose(c Conn) {
	if err := c.Close(); err != nil {
		log.Printf("[relay] close session=%s: %v", c.SessionID(), err)
	}
}

// errorCode maps a handler error onto its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		return protocol.CodeInvalidMessage
	case errors.Is(err, chat.ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, chat.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, chat.ErrPersistence):
		return protocol.CodePersistence
	case errors.Is(err, chat.ErrUnauthenticated):
		return protocol.CodeUnauthenticated
	default:
		return protocol.CodeInternal
	}
}

// errorText is the client-facing message for code. Only validation errors
// carry their detail; store failures are not exposed.
func errorText(code string, err error) string {
	switch code {
	case protocol.CodeInvalidMessage:
		return err.Error()
	case protocol.CodeForbidden:
		return "not a participant of this chat"
	case protocol.CodeNotFound:
		return "chat or message not found"
	case protocol.CodePersistence:
		return "message could not be saved"
	default:
		return "internal error"
	}
}

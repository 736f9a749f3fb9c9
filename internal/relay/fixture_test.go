package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/presence"
	"github.com/whisper/chat-relay/internal/presence/presencetest"
	"github.com/whisper/chat-relay/internal/ratelimit"
	"github.com/whisper/chat-relay/internal/session"
	"github.com/whisper/chat-relay/internal/store/memory"
)

// fakeConn is a Conn whose Close behaves like the ws transport: it tears the
// handle down and reports the disconnect to the router once.
type fakeConn struct {
	*presencetest.Handle
	session.Machine

	router    *Router
	closeOnce sync.Once
}

func (c *fakeConn) Close() error {
	c.Handle.Close()
	c.closeOnce.Do(func() { c.router.HandleDisconnect(c) })
	return nil
}

// tokenVerifier accepts "tok-<userID>".
type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, token string) (string, error) {
	id, ok := strings.CutPrefix(token, "tok-")
	if !ok || id == "" {
		return "", fmt.Errorf("bad token: %w", chat.ErrUnauthenticated)
	}
	return id, nil
}

// faultyStore injects failures into selected store calls.
type faultyStore struct {
	*memory.Store

	mu           sync.Mutex
	appendErr    error
	latestErr    error
	populatedErr error
	statusCalls  []string

	// offlineGate, when set, holds SetUserStatus(false) until it is closed.
	// offlineEntered is signalled as each such call starts waiting.
	offlineGate    chan struct{}
	offlineEntered chan struct{}
}

func (s *faultyStore) AppendMessage(ctx context.Context, chatID, senderID, content string) (*chat.Message, error) {
	s.mu.Lock()
	err := s.appendErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.AppendMessage(ctx, chatID, senderID, content)
}

func (s *faultyStore) SetLatestMessage(ctx context.Context, chatID, messageID string) error {
	s.mu.Lock()
	err := s.latestErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.SetLatestMessage(ctx, chatID, messageID)
}

func (s *faultyStore) GetPopulatedMessage(ctx context.Context, messageID string) (*chat.PopulatedMessage, error) {
	s.mu.Lock()
	err := s.populatedErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.GetPopulatedMessage(ctx, messageID)
}

func (s *faultyStore) SetUserStatus(ctx context.Context, userID string, online bool) error {
	s.mu.Lock()
	s.statusCalls = append(s.statusCalls, fmt.Sprintf("%s=%v", userID, online))
	gate, entered := s.offlineGate, s.offlineEntered
	s.mu.Unlock()
	if !online && gate != nil {
		entered <- struct{}{}
		<-gate
	}
	return s.Store.SetUserStatus(ctx, userID, online)
}

func (s *faultyStore) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statusCalls...)
}

type fixture struct {
	t        *testing.T
	store    *faultyStore
	registry *presence.Registry
	router   *Router
	nextID   int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	return newFixtureWithConfig(t, DefaultConfig(), opts...)
}

func newFixtureWithConfig(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		store:    &faultyStore{Store: memory.New()},
		registry: presence.NewRegistry(),
	}
	f.router = NewRouter(cfg, tokenVerifier{}, f.store, f.registry, opts...)
	t.Cleanup(f.router.Close)
	return f
}

func (f *fixture) user(name string) *chat.User {
	f.t.Helper()
	u, err := f.store.CreateUser(context.Background(), name, name+"@example.com", "")
	if err != nil {
		f.t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return u
}

func (f *fixture) direct(a, b *chat.User) *chat.Chat {
	f.t.Helper()
	c, _, err := f.store.FindOrCreateDirectChat(context.Background(), a.ID, b.ID)
	if err != nil {
		f.t.Fatalf("FindOrCreateDirectChat: %v", err)
	}
	return c
}

// connect opens an unauthenticated connection.
func (f *fixture) connect() *fakeConn {
	f.nextID++
	c := &fakeConn{
		Handle: presencetest.NewHandle(fmt.Sprintf("s%d", f.nextID)),
		router: f.router,
	}
	f.router.HandleConnect(c)
	return c
}

// login opens a connection and authenticates it as u.
func (f *fixture) login(u *chat.User) *fakeConn {
	f.t.Helper()
	c := f.connect()
	f.send(c, map[string]any{"type": "authenticate", "token": "tok-" + u.ID})
	if c.State() != session.StateAuthenticated {
		f.t.Fatalf("login %s: state = %s", u.Username, c.State())
	}
	return c
}

func (f *fixture) send(c *fakeConn, v map[string]any) {
	f.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Fatalf("marshal: %v", err)
	}
	f.router.Dispatch(c, data)
}

// reset clears recorded frames on every conn.
func reset(conns ...*fakeConn) {
	for _, c := range conns {
		c.Reset()
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func lastError(c *fakeConn) string {
	errs := c.EventsOfType("error")
	if len(errs) == 0 {
		return ""
	}
	code, _ := errs[len(errs)-1]["code"].(string)
	return code
}

// denyLimiter rejects every event of the listed rules.
type denyLimiter struct {
	deny map[string]bool
}

func (l denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, time.Duration, error) {
	if l.deny[rule.Key] {
		return false, 1500 * time.Millisecond, nil
	}
	return true, 0, nil
}

type recordingTap struct {
	mu       sync.Mutex
	messages []*chat.PopulatedMessage
	reads    []string
	presence []string
}

func (t *recordingTap) MessageCreated(m *chat.PopulatedMessage) {
	t.mu.Lock()
	t.messages = append(t.messages, m)
	t.mu.Unlock()
}

func (t *recordingTap) ReadUpdated(chatID, messageID, userID string) {
	t.mu.Lock()
	t.reads = append(t.reads, chatID+"/"+messageID+"/"+userID)
	t.mu.Unlock()
}

func (t *recordingTap) PresenceChanged(userID string, online bool) {
	t.mu.Lock()
	t.presence = append(t.presence, fmt.Sprintf("%s=%v", userID, online))
	t.mu.Unlock()
}

// quotaLimiter allows the first n checks of each rule and rejects the rest.
type quotaLimiter struct {
	mu   sync.Mutex
	n    int
	used map[string]int
}

func newQuotaLimiter(n int) *quotaLimiter {
	return &quotaLimiter{n: n, used: make(map[string]int)}
}

func (l *quotaLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used[rule.Key]++
	if l.used[rule.Key] > l.n {
		return false, time.Second, nil
	}
	return true, 0, nil
}

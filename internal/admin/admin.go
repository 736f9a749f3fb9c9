// Package admin implements the relayctl subcommands: seeding users and
// chats, managing group membership, and issuing development credentials.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/chat-relay/internal/identity"
	"github.com/whisper/chat-relay/internal/protocol"
	"github.com/whisper/chat-relay/internal/ratelimit"
	"github.com/whisper/chat-relay/internal/store"
)

// ErrUsage is returned for unknown subcommands or missing flags.
var ErrUsage = errors.New("admin: usage")

// Usage lists the subcommands.
const Usage = `usage: relayctl <command> [flags]

commands:
  user     -username NAME -email EMAIL [-avatar URL]
  profile  -user USER_ID -username NAME [-avatar URL]
  search   -term TEXT [-limit N]
  direct   -a USER_ID -b USER_ID
  group    -name NAME -admin USER_ID -members ID,ID,...
  add      -chat CHAT_ID -actor USER_ID -user USER_ID
  remove   -chat CHAT_ID -actor USER_ID -user USER_ID
  show     -chat CHAT_ID
  chats    -user USER_ID
  history  -chat CHAT_ID [-page N] [-limit N]
  token    -user USER_ID [-ttl DURATION]
  limits   -user USER_ID
  watch    [-subject SUBJECT] [-count N]
  migrate
`

// QuotaReader reports how much of a rate limit window a user has left.
type QuotaReader interface {
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// Subscriber delivers messages published on a subject.
type Subscriber interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// CLI runs one subcommand against Store and writes JSON results to Out.
// Store, Limits and Events may be nil for commands that do not touch them.
type CLI struct {
	Store    store.Management
	Limits   QuotaReader // nil without Redis
	Events   Subscriber  // nil without NATS
	Secret   []byte
	TokenTTL time.Duration
	Migrate  func() error // applies schema migrations; nil without a database
	Out      io.Writer
}

// NeedsStore reports whether cmd reads or writes the store.
func NeedsStore(cmd string) bool {
	switch cmd {
	case "token", "limits", "watch", "migrate", "help", "-h", "--help":
		return false
	}
	return true
}

// ChangesMembership reports whether cmd edits group membership, which the
// relay caches in Redis.
func ChangesMembership(cmd string) bool {
	return cmd == "add" || cmd == "remove"
}

// Run dispatches args[0] to its subcommand.
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", ErrUsage)
	}
	cmd, rest := args[0], args[1:]
	if NeedsStore(cmd) && c.Store == nil {
		return fmt.Errorf("admin: %s needs a store", cmd)
	}

	switch cmd {
	case "user":
		return c.user(ctx, rest)
	case "profile":
		return c.profile(ctx, rest)
	case "search":
		return c.search(ctx, rest)
	case "direct":
		return c.direct(ctx, rest)
	case "group":
		return c.group(ctx, rest)
	case "add", "remove":
		return c.membership(ctx, cmd, rest)
	case "show":
		return c.show(ctx, rest)
	case "chats":
		return c.chats(ctx, rest)
	case "history":
		return c.history(ctx, rest)
	case "token":
		return c.token(rest)
	case "limits":
		return c.limits(ctx, rest)
	case "watch":
		return c.watch(ctx, rest)
	case "migrate":
		if c.Migrate == nil {
			return errors.New("admin: migrate: DATABASE_URL is not set")
		}
		if err := c.Migrate(); err != nil {
			return err
		}
		_, err := fmt.Fprintln(c.Out, "migrations applied")
		return err
	case "help", "-h", "--help":
		_, err := io.WriteString(c.Out, Usage)
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func (c *CLI) user(ctx context.Context, args []string) error {
	fs := newFlagSet("user")
	username := fs.String("username", "", "display name")
	email := fs.String("email", "", "unique email address")
	avatar := fs.String("avatar", "", "avatar URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require("user", map[string]string{"username": *username, "email": *email}); err != nil {
		return err
	}

	u, err := c.Store.CreateUser(ctx, *username, *email, *avatar)
	if err != nil {
		return err
	}
	return c.print(u)
}

func (c *CLI) profile(ctx context.Context, args []string) error {
	fs := newFlagSet("profile")
	userID := fs.String("user", "", "user ID")
	username := fs.String("username", "", "new display name")
	avatar := fs.String("avatar", "", "new avatar URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require("profile", map[string]string{"user": *userID, "username": *username}); err != nil {
		return err
	}

	u, err := c.Store.UpdateProfile(ctx, *userID, *username, *avatar)
	if err != nil {
		return err
	}
	return c.print(u)
}

func (c *CLI) search(ctx context.Context, args []string) error {
	fs := newFlagSet("search")
	term := fs.String("term", "", "text to match against usernames and emails")
	limit := fs.Int("limit", store.DefaultPageSize, "maximum users to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require("search", map[string]string{"term": *term}); err != nil {
		return err
	}

	users, err := c.Store.SearchUsers(ctx, *term, *limit)
	if err != nil {
		return err
	}
	return c.print(users)
}

func (c *CLI) direct(ctx context.Context, args []string) error {
	fs := newFlagSet("direct")
	a := fs.String("a", "", "first user ID")
	b := fs.String("b", "", "second user ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require("direct", map[string]string{"a": *a, "b": *b}); err != nil {
		return err
	}

	ch, created, err := c.Store.FindOrCreateDirectChat(ctx, *a, *b)
	if err != nil {
		return err
	}
	return c.print(struct {
		Chat    any  `json:"chat"`
		Created bool `json:"created"`
	}{ch, created})
}

func (c *CLI) group(ctx context.Context, args []string) error {
	fs := newFlagSet("group")
	name := fs.String("name", "", "group name")
	admin := fs.String("admin", "", "admin user ID")
	members := fs.String("members", "", "comma-separated member user IDs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require("group", map[string]string{"name": *name, "admin": *admin, "members": *members}); err != nil {
		return err
	}

	ch, err := c.Store.CreateGroupChat(ctx, *name, *admin, splitIDs(*members))
	if err != nil {
		return err
	}
	return c.print(ch)
}

func (c *CLI) membership(ctx context.Context, cmd string, args []string) error {
	fs := newFlagSet(cmd)
	chatID := fs.String("chat", "", "group chat ID")
	actor := fs.String("actor", "", "acting user ID, must be the group admin")
	userID := fs.String("user", "", "user ID to "+cmd)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require(cmd, map[string]string{"chat": *chatID, "actor": *actor, "user": *userID}); err != nil {
		return err
	}

	op := c.Store.AddParticipant
	if cmd == "remove" {
		op = c.Store.RemoveParticipant
	}
	ch, err := op(ctx, *chatID, *actor, *userID)
	if err != nil {
		return err
	}
	return c.print(ch)
}

func (c *CLI) show(ctx context.Context, args []string) error {
	fs := newFlagSet("show")
	chatID := fs.String("chat", "", "chat ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require("show", map[string]string{"chat": *chatID}); err != nil {
		return err
	}

	ch, err := c.Store.GetChat(ctx, *chatID)
	if err != nil {
		return err
	}
	return c.print(ch)
}

func (c *CLI) chats(ctx context.Context, args []string) error {
	fs := newFlagSet("chats")
	userID := fs.String("user", "", "member user ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require("chats", map[string]string{"user": *userID}); err != nil {
		return err
	}

	chats, err := c.Store.ListUserChats(ctx, *userID)
	if err != nil {
		return err
	}
	return c.print(chats)
}

func (c *CLI) history(ctx context.Context, args []string) error {
	fs := newFlagSet("history")
	chatID := fs.String("chat", "", "chat ID")
	page := fs.Int("page", 1, "page number, 1 is the most recent")
	limit := fs.Int("limit", store.DefaultPageSize, "messages per page")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require("history", map[string]string{"chat": *chatID}); err != nil {
		return err
	}

	msgs, err := c.Store.ListMessages(ctx, *chatID, *page, *limit)
	if err != nil {
		return err
	}
	return c.print(msgs)
}

func (c *CLI) token(args []string) error {
	fs := newFlagSet("token")
	userID := fs.String("user", "", "user ID to issue the token for")
	ttl := fs.Duration("ttl", c.tokenTTL(), "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require("token", map[string]string{"user": *userID}); err != nil {
		return err
	}
	if len(c.Secret) == 0 {
		return errors.New("admin: token: JWT_SECRET is not set")
	}

	tok, err := identity.Issue(*userID, c.Secret, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.Out, tok)
	return err
}

// limits prints the quota a user has left in each rate limit window.
func (c *CLI) limits(ctx context.Context, args []string) error {
	fs := newFlagSet("limits")
	userID := fs.String("user", "", "user ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require("limits", map[string]string{"user": *userID}); err != nil {
		return err
	}
	if c.Limits == nil {
		return errors.New("admin: limits: REDIS_ADDR is not set")
	}

	type quota struct {
		Remaining int    `json:"remaining"`
		Limit     int    `json:"limit"`
		Window    string `json:"window"`
	}
	out := make(map[string]quota)
	for _, event := range []string{protocol.TypeSendMessage, protocol.TypeTypingStart, protocol.TypeMarkRead} {
		rule, _ := ratelimit.RuleFor(event)
		n, err := c.Limits.Remaining(ctx, *userID, rule)
		if err != nil {
			return fmt.Errorf("admin: limits: %s: %w", event, err)
		}
		out[event] = quota{Remaining: n, Limit: rule.Limit, Window: rule.Window.String()}
	}
	return c.print(out)
}

// watch prints relay events from NATS, one line per message, until ctx is
// done or count messages have arrived.
func (c *CLI) watch(ctx context.Context, args []string) error {
	fs := newFlagSet("watch")
	subject := fs.String("subject", "relay.>", "NATS subject to follow")
	count := fs.Int("count", 0, "stop after this many events, 0 for no limit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.Events == nil {
		return errors.New("admin: watch: NATS_URL is not set")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu   sync.Mutex
		seen int
		werr error
	)
	err := c.Events.Subscribe(*subject, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if werr != nil || (*count > 0 && seen >= *count) {
			return
		}
		if _, err := fmt.Fprintf(c.Out, "%s %s\n", msg.Subject, msg.Data); err != nil {
			werr = err
			cancel()
			return
		}
		seen++
		if *count > 0 && seen == *count {
			cancel()
		}
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	return werr
}

func (c *CLI) tokenTTL() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return identity.DefaultTTL
}

func (c *CLI) print(v any) error {
	enc := json.NewEncoder(c.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// require reports every empty flag, sorted by name.
func require(cmd string, values map[string]string) error {
	var missing []string
	for name, v := range values {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, "-"+name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s requires %s", ErrUsage, cmd, strings.Join(missing, ", "))
}

func splitIDs(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

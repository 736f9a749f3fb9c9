// Package typing keeps the ephemeral "is typing" flag per (chat, user) and
// clears it server-side after an idle timeout, so a client that disappears
// mid-typing does not leave a stale indicator at its peers.
//
// Updates for one key are serialized: the emit callback passed to Set (and
// the expiry callback) runs while the key is locked, so whatever the caller
// broadcasts from inside it is observed in the same order the updates were
// applied.
package typing

import (
	"sync"
	"time"
)

// DefaultTimeout is how long a typing indicator survives without a refresh.
const DefaultTimeout = 6 * time.Second

// Key identifies one user's typing state in one chat.
type Key struct {
	ChatID string
	UserID string
}

// Tracker holds typing state. The zero value is not usable; call New.
type Tracker struct {
	timeout  time.Duration
	onExpire func(Key)

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool
}

type entry struct {
	mu      sync.Mutex
	typing  bool
	gen     uint64 // bumped on every update; stale timers compare against it
	timer   *time.Timer
	removed bool
}

// New creates a Tracker. onExpire is invoked, with the key locked, when an
// indicator times out; it may be nil. A non-positive timeout disables expiry.
func New(timeout time.Duration, onExpire func(Key)) *Tracker {
	return &Tracker{
		timeout:  timeout,
		onExpire: onExpire,
		entries:  make(map[Key]*entry),
	}
}

// Set records typing for k and calls emit with the previous state while the
// key is locked. A start re-arms the idle timer; a stop cancels it. The last
// call wins regardless of earlier pending timers.
func (t *Tracker) Set(k Key, typing bool, emit func(wasTyping bool)) {
	for {
		e := t.entry(k)
		if e == nil {
			return
		}

		e.mu.Lock()
		if e.removed {
			// Reaped between lookup and lock; retry with a fresh entry.
			e.mu.Unlock()
			continue
		}

		was := e.typing
		e.gen++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.typing = typing
		if typing && t.timeout > 0 {
			gen := e.gen
			e.timer = time.AfterFunc(t.timeout, func() { t.expire(k, e, gen) })
		}
		if emit != nil {
			emit(was)
		}
		e.mu.Unlock()

		if !typing {
			t.reap(k, e)
		}
		return
	}
}

// IsTyping reports the current state for k.
func (t *Tracker) IsTyping(k Key) bool {
	t.mu.Lock()
	e, ok := t.entries[k]
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typing && !e.removed
}

// KeysForUser returns every key of userID that is currently typing.
func (t *Tracker) KeysForUser(userID string) []Key {
	t.mu.Lock()
	candidates := make([]Key, 0)
	for k := range t.entries {
		if k.UserID == userID {
			candidates = append(candidates, k)
		}
	}
	t.mu.Unlock()

	out := candidates[:0]
	for _, k := range candidates {
		if t.IsTyping(k) {
			out = append(out, k)
		}
	}
	return out
}

// Close stops every pending timer. Set becomes a no-op afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	entries := t.entries
	t.entries = make(map[Key]*entry)
	t.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.removed = true
		e.mu.Unlock()
	}
}

func (t *Tracker) entry(k Key) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	e, ok := t.entries[k]
	if !ok {
		e = &entry{}
		t.entries[k] = e
	}
	return e
}

func (t *Tracker) expire(k Key, e *entry, gen uint64) {
	e.mu.Lock()
	if e.removed || e.gen != gen || !e.typing {
		e.mu.Unlock()
		return
	}
	e.typing = false
	e.timer = nil
	if t.onExpire != nil {
		t.onExpire(k)
	}
	e.mu.Unlock()

	t.reap(k, e)
}

// reap drops e from the map if it is idle. Lock order is t.mu then e.mu.
func (t *Tracker) reap(k Key, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.typing && t.entries[k] == e {
		delete(t.entries, k)
		e.removed = true
	}
}

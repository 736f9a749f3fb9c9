// Package presencetest provides an in-memory presence.Handle for tests.
package presencetest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by Send once the handle is closed or set to fail.
var ErrClosed = errors.New("presencetest: handle closed")

// Handle records every frame sent to it.
type Handle struct {
	ID string

	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

// NewHandle returns a Handle with the given session ID.
func NewHandle(id string) *Handle {
	return &Handle{ID: id}
}

// SessionID implements presence.Handle.
func (h *Handle) SessionID() string { return h.ID }

// Send implements presence.Handle.
func (h *Handle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail || h.closed {
		return ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	h.frames = append(h.frames, cp)
	return nil
}

// Close marks the handle closed; further sends fail.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// SetFail makes every subsequent Send fail without closing the handle.
func (h *Handle) SetFail(fail bool) {
	h.mu.Lock()
	h.fail = fail
	h.mu.Unlock()
}

// Frames returns a copy of the frames received so far.
func (h *Handle) Frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.frames))
	copy(out, h.frames)
	return out
}

// Reset discards recorded frames.
func (h *Handle) Reset() {
	h.mu.Lock()
	h.frames = nil
	h.mu.Unlock()
}

// Events decodes every recorded frame into a generic map.
func (h *Handle) Events() []map[string]any {
	frames := h.Frames()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// EventsOfType returns the decoded frames whose "type" equals typ.
func (h *Handle) EventsOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, ev := range h.Events() {
		if ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

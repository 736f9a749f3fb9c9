// Package presence tracks which users are online in this process and which
// live connections belong to each of them. It is the only source of truth
// for "who is online right now"; nothing outside the Registry touches the
// underlying maps.
package presence

import (
	"sort"
	"sync"
)

// Handle is a live connection that can receive outbound frames. SessionID is
// unique per accepted transport session within the process.
type Handle interface {
	SessionID() string
	Send(data []byte) error
}

// Registry maps user IDs to the set of connections authenticated as that
// user. A user is online iff its set is non-empty. All methods are safe for
// concurrent use and are atomic with respect to each other.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Handle // user_id -> session_id -> Handle
	owner  map[string]string            // session_id -> user_id
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]Handle),
		owner:  make(map[string]string),
	}
}

// Register adds h to userID's connection set and reports whether userID went
// from offline to online. A handle belongs to one user for its lifetime:
// registering it again, under any user, is a no-op.
func (r *Registry) Register(userID string, h Handle) bool {
	sid := h.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owner[sid]; ok {
		return false
	}

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]Handle)
		r.byUser[userID] = conns
	}
	conns[sid] = h
	r.owner[sid] = userID
	return len(conns) == 1
}

// Deregister removes h from whichever set contains it. It returns the owning
// user ID and true only when that user's set is empty after the removal.
// Deregistering an unknown handle returns ("", false).
func (r *Registry) Deregister(h Handle) (string, bool) {
	sid := h.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owner[sid]
	if !ok {
		return "", false
	}
	if r.removeLocked(userID, sid) {
		return userID, true
	}
	return "", false
}

// ConnectionsFor returns a snapshot of userID's connections, or nil when the
// user is offline.
func (r *Registry) ConnectionsFor(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Handle, 0, len(conns))
	for _, h := range conns {
		out = append(out, h)
	}
	return out
}

// OnlineUserIDs returns a sorted snapshot of every user with at least one
// registered connection.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// removeLocked drops sid from userID's set and reports whether the set became
// empty (and was deleted). r.mu must be held for writing.
func (r *Registry) removeLocked(userID, sid string) bool {
	delete(r.owner, sid)

	conns, ok := r.byUser[userID]
	if !ok {
		return false
	}
	delete(conns, sid)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

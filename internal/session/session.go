// Package session holds per-connection lifecycle state. Machine is the
// Unauthenticated -> Authenticated -> Closed state machine embedded in every
// transport connection; Store mirrors live sessions into Redis so operators
// can see which server holds which user's connection.
package session

import "sync"

// State is a connection's position in the authentication lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Machine guards the state and bound user of one connection. The zero value
// is an unauthenticated connection.
type Machine struct {
	mu     sync.Mutex
	state  State
	userID string
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the bound user, or "" before authentication.
func (m *Machine) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Bind attaches userID and moves to Authenticated. onBind runs while the
// machine is locked, so a concurrent MarkClosed either happens entirely before
// (and Bind fails) or entirely after onBind. Bind fails unless the machine is
// Unauthenticated.
func (m *Machine) Bind(userID string, onBind func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUnauthenticated {
		return false
	}
	m.userID = userID
	m.state = StateAuthenticated
	if onBind != nil {
		onBind()
	}
	return true
}

// MarkClosed moves to Closed and returns the bound user and the state it left.
// Closing twice returns StateClosed as the previous state.
func (m *Machine) MarkClosed() (userID string, prev State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev = m.state
	m.state = StateClosed
	return m.userID, prev
}

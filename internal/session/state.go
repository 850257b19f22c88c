package session

import "sync"

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager guards the Disconnected -> Connecting -> Connected -> Closed
// progression. Closed is terminal.
type stateManager struct {
	mu    sync.RWMutex
	state State
}

func newStateManager() *stateManager {
	return &stateManager{state: StateDisconnected}
}

func (m *stateManager) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *stateManager) SetConnecting() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateDisconnected:
		m.state = StateConnecting
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrAlreadyConnected
	}
}

func (m *stateManager) SetConnected() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnecting {
		return ErrSessionClosed
	}
	m.state = StateConnected
	return nil
}

// SetClosed moves to Closed and reports whether the state changed.
func (m *stateManager) SetClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return false
	}
	m.state = StateClosed
	return true
}

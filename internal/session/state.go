package session

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTimeout           = errors.New("timed out")
	ErrCollaborator      = errors.New("collaborator failure")
	ErrSessionExists     = errors.New("session already initialized on this connection")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrNotEntitled       = errors.New("no active plan")
	ErrTransportClosed   = errors.New("transport closed")
	ErrEmptyTranscript   = errors.New("no speech was captured")
)

// State is a session's lifecycle position. States only move forward.
type State int

const (
	StateInitializing State = iota
	StateStreaming
	StateStopping
	StateFinalizing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// next lists the single forward step out of each non-terminal state.
// Failed is reachable from every non-terminal state.
var next = map[State]State{
	StateInitializing: StateStreaming,
	StateStreaming:    StateStopping,
	StateStopping:     StateFinalizing,
	StateFinalizing:   StateClosed,
}

type machine struct {
	mu    sync.RWMutex
	state State
}

func (m *machine) current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *machine) transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if to != StateFailed && next[from] != to {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.state = to
	return from, nil
}

package agent

import (
	"errors"
	"sync"

	"github.com/cmsuite/cms-agent/internal/events"
	"github.com/cmsuite/cms-agent/internal/metrics"
)

// State is the orchestrator's lifecycle position. Exactly one is
// current at any time; CONFIGURATION_ERROR and STOPPING are terminal.
type State string

const (
	StateInitializing       State = "INITIALIZING"
	StateAuthenticating     State = "AUTHENTICATING"
	StateConnected          State = "CONNECTED"
	StateDisconnected       State = "DISCONNECTED"
	StateReconnecting       State = "RECONNECTING"
	StateOffline            State = "OFFLINE"
	StateUpdating           State = "UPDATING"
	StateConfigurationError State = "CONFIGURATION_ERROR"
	StateStopping           State = "STOPPING"
)

var (
	// ErrConfigurationError means startup cannot proceed: no identity,
	// an undecryptable token, or a lost single-instance race.
	ErrConfigurationError = errors.New("configuration error")

	// ErrShutdownTimeout means Stop's deadline passed before the
	// components unwound.
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// stateMachine is the single-writer state holder. The orchestrator
// writes; everyone else reads Current or watches the bus.
type stateMachine struct {
	mu      sync.RWMutex
	current State
	history []State
	bus     *events.Bus
}

func newStateMachine(bus *events.Bus) *stateMachine {
	return &stateMachine{current: StateInitializing, history: []State{StateInitializing}, bus: bus}
}

func (s *stateMachine) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Transition moves to next and records it. Terminal states are sticky:
// once in CONFIGURATION_ERROR or STOPPING the machine stays there.
func (s *stateMachine) Transition(next State) bool {
	s.mu.Lock()
	if s.current == next ||
		s.current == StateConfigurationError ||
		s.current == StateStopping {
		s.mu.Unlock()
		return false
	}
	s.current = next
	s.history = append(s.history, next)
	s.mu.Unlock()

	metrics.StateTransitions.WithLabelValues(string(next)).Inc()
	s.bus.Publish(events.Event{Type: events.EventStateChanged, Detail: string(next)})
	return true
}

// History returns the ordered transition log.
func (s *stateMachine) History() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]State(nil), s.history...)
}

package gobayeux

import (
	"sync/atomic"
)

// StateRepresentation represents the current state of a connection as a
// string
type StateRepresentation string

const (
	disconnected int32 = iota
	handshaking
	connecting
	connected
	disconnecting
)

const (
	// StatusDisconnected is the initial state and the state after a
	// completed disconnect or a terminal handshake failure
	StatusDisconnected StateRepresentation = "disconnected"
	// StatusHandshaking means a /meta/handshake is outstanding
	StatusHandshaking StateRepresentation = "handshaking"
	// StatusConnecting means the handshake succeeded but no /meta/connect
	// has succeeded yet, or the last one failed
	StatusConnecting StateRepresentation = "connecting"
	// StatusConnected means the last /meta/connect succeeded
	StatusConnected StateRepresentation = "connected"
	// StatusDisconnecting means a /meta/disconnect is outstanding
	StatusDisconnecting StateRepresentation = "disconnecting"
)

var stateNames = []StateRepresentation{
	StatusDisconnected,
	StatusHandshaking,
	StatusConnecting,
	StatusConnected,
	StatusDisconnecting,
}

func stateName(state int32) string {
	s := int(state)
	if s < 0 || s >= len(stateNames) {
		return "unknown"
	}

	return string(stateNames[s])
}

// Event represents and event that can change the state of a state machine
type Event string

const (
	handshakeSent      Event = "handshake request sent"
	rehandshakeSent    Event = "handshake request sent on advice"
	handshakeSucceeded Event = "successful handshake response"
	connectSucceeded   Event = "successful connect response"
	connectFailed      Event = "failed connect response"
	disconnectSent     Event = "disconnect request sent"
	sessionTerminated  Event = "session terminated"
)

type transition struct {
	from []int32
	to   int32
}

var transitions = map[Event]transition{
	rehandshakeSent:    {[]int32{handshaking, connecting, connected}, handshaking},
	handshakeSucceeded: {[]int32{handshaking}, connecting},
	connectSucceeded:   {[]int32{connecting, connected}, connected},
	connectFailed:      {[]int32{connecting, connected}, connecting},
	disconnectSent:     {[]int32{handshaking, connecting, connected}, disconnecting},
	sessionTerminated:  {[]int32{handshaking, connecting, connected, disconnecting}, disconnected},
}

// ConnectionStateMachine handles managing the connection's state
//
// See also: https://docs.cometd.org/current/reference/#_client_state_table
type ConnectionStateMachine struct {
	currentState *int32
}

// NewConnectionStateMachine creates a new ConnectionStateMachine to manage a
// connection's state
func NewConnectionStateMachine() *ConnectionStateMachine {
	defaultState := disconnected
	return &ConnectionStateMachine{&defaultState}
}

// IsConnected reflects whether the connection is connected to the Bayeux
// server
func (csm *ConnectionStateMachine) IsConnected() bool {
	return atomic.LoadInt32(csm.currentState) == connected
}

// IsDisconnected reports whether the state is disconnected or disconnecting
func (csm *ConnectionStateMachine) IsDisconnected() bool {
	s := atomic.LoadInt32(csm.currentState)
	return s == disconnected || s == disconnecting
}

// CurrentState provides a string representation of the current state of the
// state machine
func (csm *ConnectionStateMachine) CurrentState() StateRepresentation {
	return StateRepresentation(stateName(atomic.LoadInt32(csm.currentState)))
}

// ProcessEvent handles an event
func (csm *ConnectionStateMachine) ProcessEvent(e Event) error {
	if e == handshakeSent {
		if !atomic.CompareAndSwapInt32(csm.currentState, disconnected, handshaking) {
			return newBadHandshake(atomic.LoadInt32(csm.currentState), handshaking)
		}
		return nil
	}

	t, ok := transitions[e]
	if !ok {
		return UnknownEventTypeError{e}
	}
	for {
		current := atomic.LoadInt32(csm.currentState)
		if !containsState(t.from, current) {
			return &BadStateError{
				Message:      string(e) + " is not valid in the current state",
				CurrentState: current,
				ToState:      t.to,
			}
		}
		if atomic.CompareAndSwapInt32(csm.currentState, current, t.to) {
			return nil
		}
	}
}

func containsState(states []int32, state int32) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

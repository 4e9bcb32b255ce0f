package session

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"webrtc-streamer/internal/relay"
)

// State is the lifecycle state of a peer session.
type State int

const (
	// StateNew is the state before the offer has been processed.
	StateNew State = iota
	// StateNegotiating covers the offer/answer exchange.
	StateNegotiating
	// StateConnected means the peer connection is established.
	StateConnected
	// StateDisconnected is terminal: the peer went away.
	StateDisconnected
	// StateFailed is terminal: negotiation or the connection failed.
	StateFailed
	// StateClosed is terminal: the session was closed deliberately.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	switch s {
	case StateDisconnected, StateFailed, StateClosed:
		return true
	}
	return false
}

// Description is the JSON shape of an SDP offer or answer on the wire.
type Description struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// PeerSession is one viewer's connection: the underlying peer connection,
// the relay subscriptions feeding its tracks, and the lifecycle state.
type PeerSession struct {
	ID string

	pc   *webrtc.PeerConnection
	subs []*relay.Subscription

	mu    sync.Mutex
	state State

	// cleanupOnce guards teardown: the connection-state observer may fire
	// multiple times and concurrently with negotiation.
	cleanupOnce sync.Once
}

// State returns the session's current lifecycle state.
func (s *PeerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to the given state unless it is already
// terminal. It reports whether the transition happened.
func (s *PeerSession) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = to
	return true
}

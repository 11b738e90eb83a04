// Package callstate is the client's call state machine. One Controller owns
// the single call a client may hold; every input (user commands, relay
// signals, peer connection callbacks, timers) is handled on its event loop.
package callstate

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"callsignal/internal/domain"
)

var (
	// ErrNoCall is returned by commands that need a call when there is none
	ErrNoCall = errors.New("no active call")

	// ErrInvalidState is returned by commands that the current state does not allow
	ErrInvalidState = errors.New("operation not valid in current call state")

	// ErrGroupCall is returned when placing a group call. The controller
	// negotiates a single peer connection per call.
	ErrGroupCall = errors.New("group calls are not supported")
)

// State is the call state machine position
type State int

const (
	Idle State = iota
	Outgoing
	Incoming
	Connecting
	Connected
	Ended
)

var stateNames = [...]string{"idle", "outgoing", "incoming", "connecting", "connected", "ended"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Active reports whether a call occupies the client
func (s State) Active() bool {
	return s != Idle && s != Ended
}

// Role is the local side of the call
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// Snapshot is the observable call state. Minimized is a display flag only.
type Snapshot struct {
	State       State
	SessionID   uuid.UUID
	Role        Role
	Type        domain.CallType
	RemoteParty domain.CallerInfo
	Minimized   bool
	LocalVideo  bool
	RemoteAudio bool
	RemoteVideo bool
	EndReason   domain.EndReason
}

// Observer is the rendering boundary. It is called on the event loop for
// every change and must not block.
type Observer interface {
	CallStateChanged(s Snapshot)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(s Snapshot)

func (f ObserverFunc) CallStateChanged(s Snapshot) { f(s) }

// mailbox is an unbounded FIFO of closures. Producers never block, so pion
// callbacks can post while the loop is inside an engine call.
type mailbox struct {
	mu    sync.Mutex
	items []func()
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) put(f func()) {
	m.mu.Lock()
	m.items = append(m.items, f)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

package pool

import (
	"sync"
	"time"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// State is the lifecycle state of a Handle.
type State int

// Handle lifecycle states. Only the pool goroutine changes them.
const (
	StateStarting State = iota
	StateIdle
	StateInUse
	StateClosing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateClosing:
		return "closing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Handle wraps one live browser owned by the pool.
type Handle struct {
	ID      string
	Created time.Time

	browser  capture.Browser
	state    State
	uses     int
	failures int
}

// HandleInfo is a point-in-time view of a Handle.
type HandleInfo struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Created time.Time `json:"created"`
	Uses    int       `json:"uses"`
}

func (h *Handle) info() HandleInfo {
	return HandleInfo{
		ID:      h.ID,
		State:   h.state.String(),
		Created: h.Created,
		Uses:    h.uses,
	}
}

type disposition int

const (
	disposeRelease disposition = iota
	disposeReleaseFailed
	disposeKill
)

// Lease grants exclusive use of a Handle until it is released or killed.
// Only the first Release, ReleaseFailed or Kill call has any effect.
type Lease struct {
	pool   *Pool
	handle *Handle
	once   sync.Once
}

// HandleID returns the leased handle's ID.
func (l *Lease) HandleID() string {
	return l.handle.ID
}

// Browser returns the leased browser.
func (l *Lease) Browser() capture.Browser {
	return l.handle.browser
}

// Release returns the handle to the pool after a successful job.
func (l *Lease) Release() {
	l.dispose(disposeRelease, nil)
}

// ReleaseFailed returns the handle after a browser-side step failed while the
// browser still answered a ping. Repeated soft failures retire the handle.
func (l *Lease) ReleaseFailed() {
	l.dispose(disposeReleaseFailed, nil)
}

// Kill marks the handle dead and terminates its browser.
func (l *Lease) Kill(cause error) {
	l.dispose(disposeKill, cause)
}

func (l *Lease) dispose(how disposition, cause error) {
	l.once.Do(func() {
		l.pool.dispose(l.handle, how, cause)
	})
}

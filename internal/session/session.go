// Package session implements the per-connection user model (component G),
// the live upstream session (component H), and the concurrent session
// registry (component I).
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relayd/internal/display"
	"github.com/relaydesk/relayd/internal/driver"
	"github.com/relaydesk/relayd/internal/logging"
	"github.com/relaydesk/relayd/internal/protocol"
	"github.com/relaydesk/relayd/internal/transport"
)

var log = logging.L("session")

// State is a session's lifecycle phase.
type State int32

const (
	Running State = iota
	Stopping
)

// Session is one live upstream remote-desktop connection: its display, its
// connected users, and the driver vtable that produces and consumes
// events. Users are owned by value in an explicit slice guarded by a
// reader/writer lock, replacing the reference implementation's intrusive
// doubly-linked list.
type Session struct {
	id    string
	args  []string
	drv   driver.Driver

	stateMu sync.Mutex
	state   State

	usersMu sync.RWMutex
	users   []*User

	disp *display.Display

	lastSentMu sync.Mutex
	lastSent   time.Time

	Broadcast transport.Transport
}

// New allocates a session id, its display, and installs drv. Broadcast is
// wired to a BroadcastTransport over this session's own user list.
func New(drv driver.Driver, width, height int, enc display.Encoder, cfg display.Config) *Session {
	s := &Session{
		id:   "$" + uuid.NewString(),
		args: drv.Args(),
		drv:  drv,
	}
	broadcast := transport.NewBroadcastTransport(s)
	s.Broadcast = broadcast
	s.disp = display.New(width, height, broadcast, enc, cfg)
	return s
}

// ID returns the session's $-prefixed identifier. Satisfies driver.Session.
func (s *Session) ID() string { return s.id }

// Display returns the session's shared display model. Satisfies
// driver.Session.
func (s *Session) Display() *display.Display { return s.disp }

// Args returns the driver's advertised parameter names.
func (s *Session) Args() []string { return s.args }

// Driver returns the upstream driver backing this session, so the router's
// per-connection read loop can dispatch decoded input without session
// importing router (or router needing package-private access).
func (s *Session) Driver() driver.Driver { return s.drv }

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// RLock/RUnlock/Members satisfy transport.UserList for the broadcast
// fan-out.
func (s *Session) RLock()   { s.usersMu.RLock() }
func (s *Session) RUnlock() { s.usersMu.RUnlock() }

func (s *Session) Members() []transport.Member {
	out := make([]transport.Member, len(s.users))
	for i, u := range s.users {
		out[i] = u
	}
	return out
}

// addUser links user into the session's user list under the write-lock. The
// first user to join becomes owner. Callers must have already run the
// viewer through the handshake and the driver's Join hook; a driver
// rejection must never reach this call.
func (s *Session) addUser(u *User) {
	s.usersMu.Lock()
	if len(s.users) == 0 {
		u.owner = true
	}
	s.users = append(s.users, u)
	s.usersMu.Unlock()
}

// RemoveUser unlinks user from the session, tearing the driver down if it
// was the last one connected. Exported for the router's per-connection
// read loop.
func (s *Session) RemoveUser(u *User) { s.removeUser(u) }

// removeUser unlinks user from the list. If the list becomes empty, the
// session transitions to Stopping and the driver is torn down.
func (s *Session) removeUser(u *User) {
	s.usersMu.Lock()
	found := false
	for i, cur := range s.users {
		if cur == u {
			s.users = append(s.users[:i], s.users[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		// Already removed (e.g. reaped, then its read loop exited).
		s.usersMu.Unlock()
		return
	}
	empty := len(s.users) == 0
	s.usersMu.Unlock()

	snap := u.Metrics.Snapshot()
	log.Info("user left", "session", s.id, "user", u.id,
		"frames_sent", snap.FramesSent, "bytes_sent", snap.BytesSent,
		"frames_dropped", snap.FramesDropped, "instructions_rx", snap.InstructionsRx)

	if u.Handlers.OnLeave != nil {
		u.Handlers.OnLeave(u)
	}

	s.drv.Leave(s, u)

	if empty {
		s.setState(Stopping)
		s.drv.Free(s)
	}
}

// ForeachUser takes the read-lock, iterates in insertion order, and
// releases the lock. Callbacks must not mutate the user list (add/remove);
// doing so is undefined, matching the single-writer-lock policy in §5.
func (s *Session) ForeachUser(fn func(*User)) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	for _, u := range s.users {
		fn(u)
	}
}

// UserCount returns the number of currently linked users.
func (s *Session) UserCount() int {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	return len(s.users)
}

// EndFrame updates last_sent_timestamp and broadcasts a sync instruction
// carrying it; viewers respond with their own sync, from which
// ProcessingLag and per-user frame durations are derived.
func (s *Session) EndFrame() {
	now := time.Now()
	s.lastSentMu.Lock()
	s.lastSent = now
	s.lastSentMu.Unlock()

	ts := fmt.Sprintf("%d", now.UnixMilli())
	s.Broadcast.InstructionBegin()
	s.Broadcast.Write(protocol.Encode("sync", ts))
	s.Broadcast.Flush()
	s.Broadcast.InstructionEnd()
}

// ProcessingLag is the maximum of all users' individual processing-lag
// estimates, a pessimistic figure the frame loop uses for pacing.
func (s *Session) ProcessingLag() time.Duration {
	var max time.Duration
	s.ForeachUser(func(u *User) {
		if lag := u.ProcessingLag(); lag > max {
			max = lag
		}
	})
	return max
}

// ReapInactive removes every user whose Active() is false, e.g. after a
// broadcast write failure marked them. Called once per frame by the frame
// loop rather than from inside a broadcast (which holds the read-lock).
func (s *Session) ReapInactive() {
	s.usersMu.RLock()
	var dead []*User
	for _, u := range s.users {
		if !u.Active() {
			dead = append(dead, u)
		}
	}
	s.usersMu.RUnlock()

	for _, u := range dead {
		log.Info("reaping inactive user", "session", s.id, "user", u.id)
		s.removeUser(u)
	}
}

// Shutdown transitions the session to Stopping and deactivates every
// connected user so their per-connection read loops unlink themselves and
// tear the driver down. Called by the frame loop after a fatal upstream
// error.
func (s *Session) Shutdown() {
	s.setState(Stopping)
	s.ForeachUser(func(u *User) { u.Stop() })
}

// HandleMessages delegates to the driver for one frame-loop iteration.
func (s *Session) HandleMessages() (int, error) {
	return s.drv.HandleMessages(s)
}

// Package driver defines the narrow contract an upstream remote-desktop
// backend (RDP, VNC, SSH) implements. The core decodes wire instructions
// and hands drivers already-structured events; drivers never observe the
// instruction codec directly. Modeled on the teacher's narrow
// ScreenCapturer interface plus optional capability interfaces detected by
// type assertion (internal/remote/desktop/capture.go).
package driver

import (
	"errors"

	"github.com/relaydesk/relayd/internal/display"
)

// ErrDriverInit is returned by New implementations that cannot initialize.
var ErrDriverInit = errors.New("driver: init failed")

// ErrJoinRejected is returned by Join when a viewer is not permitted to
// attach to the session (e.g. bad connect arguments).
var ErrJoinRejected = errors.New("driver: join rejected")

// InputEvent is one already-decoded viewer input instruction handed to the
// driver. Exactly one of the typed fields is meaningful, selected by Kind.
type InputEvent struct {
	Kind Kind

	// Mouse
	X, Y, ButtonMask int

	// Key
	Keysym  int
	Pressed bool

	// Size
	Width, Height, DPI int

	// Clipboard / pipe / file: opaque payload, interpretation is
	// driver-specific. Name carries the pipe or file name for those two
	// kinds; clipboard leaves it empty.
	Name     string
	MimeType string
	Data     []byte
}

// Kind enumerates the input opcodes the core understands and forwards.
type Kind int

const (
	KindMouse Kind = iota
	KindKey
	KindSize
	KindClipboard
	KindPipe
	KindFile
	KindDisconnect
	KindNop
)

// Session is the narrow view of a session a driver needs: access to its
// display so Handler/Input callbacks can draw, without the driver package
// importing internal/session (which would create an import cycle, since
// session owns and drives the Driver).
type Session interface {
	// ID returns the session's id string ($-prefixed).
	ID() string

	// Display returns the session's shared display model, onto which the
	// driver draws.
	Display() *display.Display
}

// User is the narrow view of a joining/connected user a driver needs.
type User interface {
	ID() string
	Owner() bool
}

// Driver is the contract every upstream backend implements.
type Driver interface {
	// Args lists the parameter names advertised to joining viewers via the
	// "args" instruction, in positional order matching Join's argv.
	Args() []string

	// Join is called after a viewer's handshake completes. A non-nil error
	// (typically wrapping ErrJoinRejected) means the viewer is not linked
	// into the session's user list.
	Join(sess Session, user User, argv []string) error

	// Leave is called before user is unlinked from the session.
	Leave(sess Session, user User)

	// HandleMessages is called once per frame-loop iteration. It returns
	// the number of upstream events processed, or -1 on a fatal upstream
	// error (which transitions the session to Stopping).
	HandleMessages(sess Session) (int, error)

	// Input delivers one decoded viewer input event.
	Input(user User, event InputEvent)

	// Free releases all driver-owned resources. Called once during session
	// teardown.
	Free(sess Session)
}

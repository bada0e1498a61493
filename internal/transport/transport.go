// Package transport implements the polymorphic socket abstraction used by
// every viewer connection and by the per-session broadcast fan-out. It
// replaces the inheritance-style function-pointer socket of the reference
// implementation with distinct Transport variants: Raw, TLS, WebSocket, and
// Broadcast, all satisfying one narrow interface.
package transport

import (
	"fmt"
	"io"
	"time"
)

// Transport is the capability every socket variant implements. Reads are
// only meaningful on the per-connection variants (Raw/TLS/WebSocket);
// Broadcast does not support Read.
type Transport interface {
	io.Reader
	io.Writer

	// Flush drains any buffered bytes to the underlying connection(s).
	Flush() error

	// InstructionBegin acquires whatever lock makes the following sequence
	// of Write calls atomic with respect to other instruction emissions on
	// this transport. Callers must pair it with InstructionEnd.
	InstructionBegin()

	// InstructionEnd releases the lock acquired by InstructionBegin.
	InstructionEnd()
}

// ErrReadNotSupported is returned by transports (currently only Broadcast)
// that do not support reading.
var ErrReadNotSupported = fmt.Errorf("transport: read not supported")

// DeadlineTransport is a per-connection Transport that also supports
// per-read deadlines, satisfied by Raw/TLS/WebSocket but not Broadcast.
// It matches internal/protocol's Deadliner contract so the handshake can
// call protocol.Expect directly against a viewer's transport.
type DeadlineTransport interface {
	Transport
	SetReadDeadline(t time.Time) error
}
